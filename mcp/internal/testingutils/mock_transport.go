// Package testingutils provides an in-memory transport for server tests
package testingutils

import (
	"context"
	"sync"
	"time"

	"github.com/effective-security/weathermcp/mcp/transport"
)

// MockTransport records every message sent through it and lets tests
// inject incoming messages.
type MockTransport struct {
	mu             sync.RWMutex
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	messages       []*transport.BaseJsonRpcMessage
	sent           chan struct{}
	started        bool
	closed         bool
}

var _ transport.Transport = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{
		sent: make(chan struct{}, 1),
	}
}

func (t *MockTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

func (t *MockTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.Lock()
	t.messages = append(t.messages, message)
	t.mu.Unlock()

	select {
	case t.sent <- struct{}{}:
	default:
	}
	return nil
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	handler := t.closeHandler
	t.mu.Unlock()
	if handler != nil {
		handler()
	}
	return nil
}

func (t *MockTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

func (t *MockTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

func (t *MockTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}

// SimulateMessage delivers message as if it was received from the client
func (t *MockTransport) SimulateMessage(ctx context.Context, message *transport.BaseJsonRpcMessage) {
	t.mu.RLock()
	handler := t.messageHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(ctx, message)
	}
}

// SimulateError reports err as if the transport failed
func (t *MockTransport) SimulateError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// GetMessages returns a copy of the messages sent so far
func (t *MockTransport) GetMessages() []*transport.BaseJsonRpcMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	res := make([]*transport.BaseJsonRpcMessage, len(t.messages))
	copy(res, t.messages)
	return res
}

// WaitForMessages blocks until at least n messages were sent or the timeout
// elapses, and returns the messages sent so far.
func (t *MockTransport) WaitForMessages(n int, timeout time.Duration) []*transport.BaseJsonRpcMessage {
	deadline := time.After(timeout)
	for {
		msgs := t.GetMessages()
		if len(msgs) >= n {
			return msgs
		}
		select {
		case <-t.sent:
		case <-deadline:
			return t.GetMessages()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (t *MockTransport) IsStarted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

func (t *MockTransport) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
