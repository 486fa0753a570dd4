package schema_test

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"

	"github.com/effective-security/weathermcp/schema"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Units string

const (
	Metric   Units = "metric"
	Imperial Units = "imperial"
)

type Coordinates struct {
	Lat float64 `json:"lat" jsonschema:"title=Latitude"`
	Lon float64 `json:"lon" jsonschema:"title=Longitude"`
}

type Lookup struct {
	Location string        `json:"location" jsonschema:"title=Location,description=City or place name,example=Paris"`
	Units    Units         `json:"units,omitempty" jsonschema:"title=Units,default=metric,enum=metric,enum=imperial"`
	Point    *Coordinates  `json:"point,omitempty"`
	Nearby   []Coordinates `json:"nearby,omitempty"`
}

func decode(t *testing.T, v any) map[string]any {
	js, err := json.Marshal(v)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(js, &m))
	return m
}

func TestSchema(t *testing.T) {
	s, err := schema.New(reflect.TypeOf(Lookup{}))
	require.NoError(t, err)

	exp := `{
	"type": "object",
	"properties": {
		"location": {"type": "string", "title": "Location", "description": "City or place name", "examples": ["Paris"]},
		"units": {"type": "string", "enum": ["metric", "imperial"], "title": "Units", "default": "metric"},
		"point": {
			"type": "object",
			"properties": {
				"lat": {"type": "number", "title": "Latitude"},
				"lon": {"type": "number", "title": "Longitude"}
			},
			"additionalProperties": false,
			"required": ["lat", "lon"]
		},
		"nearby": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"lat": {"type": "number", "title": "Latitude"},
					"lon": {"type": "number", "title": "Longitude"}
				},
				"additionalProperties": false,
				"required": ["lat", "lon"]
			}
		}
	},
	"required": ["location"]
}`
	var expMap map[string]any
	require.NoError(t, json.Unmarshal([]byte(exp), &expMap))

	if diff := cmp.Diff(expMap, decode(t, s.Parameters)); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"location"}, s.Required())
	assert.Contains(t, s.NameFromRef(), "Lookup@")
	assert.JSONEq(t, exp, s.String())

	// cached
	s2, err := schema.New(reflect.TypeOf(Lookup{}))
	require.NoError(t, err)
	assert.Same(t, s, s2)

	// pointers are dereferenced
	s3, err := schema.New(reflect.TypeOf(&Coordinates{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"lat", "lon"}, s3.Required())
}

func TestSchema_Empty(t *testing.T) {
	type empty struct{}
	s, err := schema.New(reflect.TypeOf(empty{}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, s.String())
	assert.Empty(t, s.Required())
}

func TestSchema_Errors(t *testing.T) {
	for _, v := range []any{"string", 1, []Lookup{}, map[string]string{}} {
		_, err := schema.New(reflect.TypeOf(v))
		assert.Error(t, err, "%T", v)
	}
}

func TestSchema_Concurrent(t *testing.T) {
	type concurrent struct {
		Name string `json:"name"`
	}

	var wg sync.WaitGroup
	res := make([]*schema.Schema, 10)
	for i := range res {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := schema.New(reflect.TypeOf(concurrent{}))
			assert.NoError(t, err)
			res[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range res {
		require.NotNil(t, s)
		assert.Equal(t, []string{"name"}, s.Required())
	}
}
