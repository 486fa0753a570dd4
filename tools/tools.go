package tools

import (
	"context"
)

// McpServerRegistrator is implemented by MCP servers accepting tools,
// see mcp.Server.RegisterTool for the handler signatures.
type McpServerRegistrator interface {
	RegisterTool(name string, description string, handler any) error
}

// ITool is a tool callable by MCP clients or directly by Go callers.
type ITool interface {
	// Name returns the name of the Tool.
	Name() string
	// Description returns the description of the tool, advertised to clients.
	Description() string
	// Parameters returns the JSON schema of the tool input.
	Parameters() any

	// Call executes the tool with the given JSON input and returns the result.
	// If the tool fails to parse the input, it returns an error.
	Call(context.Context, string) (string, error)
}

type Tool[I any, O any] interface {
	ITool
	Run(context.Context, *I) (O, error)
}

// IMCPTool is an interface that extends ITool to include functionality for
// registering the tool with an MCP server.
type IMCPTool interface {
	ITool
	RegisterMCP(registrator McpServerRegistrator) error
}

// RegisterMCP registers all tools with the server
func RegisterMCP(registrator McpServerRegistrator, list ...IMCPTool) error {
	for _, t := range list {
		if err := t.RegisterMCP(registrator); err != nil {
			return err
		}
	}
	return nil
}
