// Package tools defines the Tool interface, including the parameter schema and MCP registration. Tools are stateless and safe for concurrent use.
package tools
