// Package transport defines the JSON-RPC message model exchanged with MCP
// clients and the Transport interface the protocol layer runs on.
package transport

import (
	"context"
)

// Transport describes the minimal contract for an MCP transport that a
// server can communicate over.
type Transport interface {
	// Start begins processing messages on the transport.
	// The context bounds the lifetime of the connection.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC message (request, notification, response or error).
	Send(ctx context.Context, message *BaseJsonRpcMessage) error

	// Close closes the connection.
	Close() error

	// SetCloseHandler sets the callback for when the connection is closed for any reason.
	// This should be invoked when Close() is called as well.
	SetCloseHandler(handler func())

	// SetErrorHandler sets the callback for when an error occurs.
	// Note that errors are not necessarily fatal; they are used for reporting
	// any kind of exceptional condition out of band.
	SetErrorHandler(handler func(error))

	// SetMessageHandler sets the callback for when a message is received over the connection.
	SetMessageHandler(handler func(ctx context.Context, message *BaseJsonRpcMessage))
}
