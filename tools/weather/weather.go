// Package weather provides the `get_weather` tool.
// The forecast is fixed: it is always sunny, wherever you ask about.
package weather

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/schema"
	"github.com/effective-security/weathermcp/tools"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/weathermcp/tools", "weather")

const (
	// ToolName is the name the tool is registered under
	ToolName = "get_weather"
	// ToolDescription is advertised to clients in `tools/list`
	ToolDescription = "Get weather for specific location"
	// ForecastPrefix precedes the location in every forecast
	ForecastPrefix = "It's always sunny in "
)

// Request represents the tool input.
type Request struct {
	Location string `json:"location" jsonschema:"title=Location"`
}

// Forecast returns the forecast for location.
// The location is used verbatim.
func Forecast(location string) string {
	return ForecastPrefix + location
}

// Tool is the weather tool
type Tool struct {
	name        string
	description string
	funcParams  any
}

var (
	_ tools.Tool[Request, string] = (*Tool)(nil)
	_ tools.IMCPTool              = (*Tool)(nil)
)

// New returns the weather tool
func New() (*Tool, error) {
	sc, err := schema.New(reflect.TypeOf(Request{}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create schema")
	}
	return &Tool{
		name:        ToolName,
		description: ToolDescription,
		funcParams:  sc.Parameters,
	}, nil
}

func (t *Tool) Name() string {
	return t.name
}

func (t *Tool) Description() string {
	return t.description
}

func (t *Tool) Parameters() any {
	return t.funcParams
}

// Run returns the forecast for the requested location, it never fails
func (t *Tool) Run(ctx context.Context, req *Request) (string, error) {
	logger.ContextKV(ctx, xlog.DEBUG, "tool", t.name, "location", req.Location)
	return Forecast(req.Location), nil
}

// Call runs the tool with JSON input, `{"location":"Paris"}`
func (t *Tool) Call(ctx context.Context, input string) (string, error) {
	var req struct {
		Location *string `json:"location"`
	}
	if err := json.Unmarshal([]byte(input), &req); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal input")
	}
	if req.Location == nil {
		return "", errors.New(`invalid input: missing required field "location"`)
	}
	return t.Run(ctx, &Request{Location: *req.Location})
}

// RegisterMCP registers the tool with an MCP server
func (t *Tool) RegisterMCP(registrator tools.McpServerRegistrator) error {
	err := registrator.RegisterTool(t.name, t.description, func(ctx context.Context, req Request) (string, error) {
		return t.Run(ctx, &req)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to register tool %s", t.name)
	}
	return nil
}
