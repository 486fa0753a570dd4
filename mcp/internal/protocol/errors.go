package protocol

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// JSON-RPC 2.0 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is an error with a JSON-RPC error code
type Error struct {
	Code    int
	Message string
}

// NewError returns a new Error with formatted message
func NewError(code int, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	return e.Message
}

// CodeOf returns the JSON-RPC code carried by err,
// or CodeInternalError when there is none.
func CodeOf(err error) int {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return CodeInternalError
}
