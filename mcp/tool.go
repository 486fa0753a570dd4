package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/mcp/internal/protocol"
	"github.com/effective-security/weathermcp/schema"
	"github.com/effective-security/xlog"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

var (
	contextType      = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType        = reflect.TypeOf((*error)(nil)).Elem()
	stringType       = reflect.TypeOf("")
	toolResponseType = reflect.TypeOf(&ToolResponse{})

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// ToolRetType is a tool definition as returned by `tools/list`
type ToolRetType struct {
	Name        string             `json:"name"`
	Description *string            `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

// ToolsResponse is the result of `tools/list`
type ToolsResponse struct {
	Tools      []ToolRetType `json:"tools"`
	NextCursor *string       `json:"nextCursor,omitempty"`
}

type toolHandler func(ctx context.Context, arguments json.RawMessage) (*toolResponseSent, error)

type tool struct {
	Name            string
	Description     string
	ToolInputSchema *jsonschema.Schema
	Required        []string
	Handler         toolHandler
}

func (t *tool) definition() ToolRetType {
	desc := t.Description
	return ToolRetType{
		Name:        t.Name,
		Description: &desc,
		InputSchema: t.ToolInputSchema,
	}
}

// newTool reflects the handler into a tool.
// The handler must be of the form
// `func(context.Context, T) (R, error)` or `func(T) (R, error)`,
// where T is a struct and R is string or *ToolResponse.
func newTool(name, description string, handler any) (*tool, error) {
	if name == "" {
		return nil, errors.New("tool name is required")
	}
	if handler == nil {
		return nil, errors.New("handler must be a function")
	}

	hv := reflect.ValueOf(handler)
	ht := hv.Type()
	if ht.Kind() != reflect.Func {
		return nil, errors.New("handler must be a function")
	}

	var withContext bool
	switch ht.NumIn() {
	case 1:
	case 2:
		if ht.In(0) != contextType {
			return nil, errors.New("handler must take (context.Context, T) or (T) arguments")
		}
		withContext = true
	default:
		return nil, errors.New("handler must take (context.Context, T) or (T) arguments")
	}

	argType := ht.In(ht.NumIn() - 1)
	if argType.Kind() != reflect.Struct {
		return nil, errors.Errorf("handler argument must be a struct, got %s", argType)
	}

	if ht.NumOut() != 2 || ht.Out(1) != errorType ||
		(ht.Out(0) != stringType && ht.Out(0) != toolResponseType) {
		return nil, errors.New("handler must return (string, error) or (*ToolResponse, error)")
	}

	sc, err := schema.New(argType)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reflect arguments of tool %s", name)
	}

	t := &tool{
		Name:            name,
		Description:     description,
		ToolInputSchema: sc.Parameters,
		Required:        sc.Required(),
	}
	t.Handler = func(ctx context.Context, arguments json.RawMessage) (*toolResponseSent, error) {
		args, err := t.decodeArguments(argType, arguments)
		if err != nil {
			return nil, err
		}

		in := []reflect.Value{args}
		if withContext {
			in = []reflect.Value{reflect.ValueOf(ctx), args}
		}
		return invoke(ctx, name, hv, in), nil
	}
	return t, nil
}

var nullJSON = []byte("null")

// decodeArguments checks the arguments against the tool's input type.
// Errors returned are invalid params; the handler is not invoked.
func (t *tool) decodeArguments(argType reflect.Type, arguments json.RawMessage) (reflect.Value, error) {
	arguments = bytes.TrimSpace(arguments)
	if len(arguments) == 0 || bytes.Equal(arguments, nullJSON) {
		arguments = json.RawMessage(`{}`)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(arguments, &fields); err != nil {
		return reflect.Value{}, protocol.NewError(protocol.CodeInvalidParams, "failed to unmarshal arguments: %s", err.Error())
	}

	for _, name := range t.Required {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), nullJSON) {
			return reflect.Value{}, protocol.NewError(protocol.CodeInvalidParams, "invalid arguments: missing required field %q", name)
		}
	}

	args := reflect.New(argType)
	if err := json.Unmarshal(arguments, args.Interface()); err != nil {
		return reflect.Value{}, protocol.NewError(protocol.CodeInvalidParams, "failed to unmarshal arguments: %s", err.Error())
	}
	if err := validate.Struct(args.Interface()); err != nil {
		return reflect.Value{}, protocol.NewError(protocol.CodeInvalidParams, "invalid arguments: %s", err.Error())
	}
	return args.Elem(), nil
}

func invoke(ctx context.Context, name string, fn reflect.Value, in []reflect.Value) (res *toolResponseSent) {
	defer func() {
		if r := recover(); r != nil {
			logger.ContextKV(ctx, xlog.ERROR,
				"tool", name,
				"panic", fmt.Sprintf("%v", r),
			)
			res = newToolResponseSentError(errors.New("internal error"))
		}
	}()

	out := fn.Call(in)
	if errVal := out[1]; !errVal.IsNil() {
		return newToolResponseSentError(errVal.Interface().(error))
	}

	switch v := out[0].Interface().(type) {
	case string:
		return newToolResponseSent(NewToolResponse(NewTextContent(v)))
	case *ToolResponse:
		if v == nil {
			return newToolResponseSentError(errors.New("tool returned no response"))
		}
		return newToolResponseSent(v)
	}
	return newToolResponseSentError(errors.New("internal error"))
}
