package utils

import (
	"bytes"
	"encoding/json"

	"sigs.k8s.io/yaml"
)

// JSONIndent returns the indented form of a JSON document,
// or an empty string if body is not valid JSON
func JSONIndent(body string) string {
	var buf bytes.Buffer
	_ = json.Indent(&buf, []byte(body), "", "\t")
	return buf.String()
}

func ToJSON(val any) string {
	js, _ := json.Marshal(val)
	return string(js)
}

func ToJSONIndent(val any) string {
	js, _ := json.MarshalIndent(val, "", "\t")
	return string(js)
}

// ToYAML converts val to YAML, honouring its `json` tags
func ToYAML(val any) (string, error) {
	js, err := json.Marshal(val)
	if err != nil {
		return "", err
	}
	y, err := yaml.JSONToYAML(js)
	if err != nil {
		return "", err
	}
	return string(y), nil
}
