// Package sse implements the server side of the MCP HTTP+SSE transport.
//
// A client opens a long-lived GET stream; the server answers with an
// `endpoint` event naming the URL the client must POST its JSON-RPC messages
// to. Every server message (responses and notifications) is then written to
// the stream as an `event: message`.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/mcp/transport"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/weathermcp/mcp/transport", "sse")

// MaxMessageSize is the largest POST body accepted from a client
const MaxMessageSize = 4 * 1024 * 1024

// SessionParam is the query parameter carrying the session ID on POST requests
const SessionParam = "session_id"

// Option configures ServerTransport
type Option func(*ServerTransport)

// WithKeepAlive makes the transport write an SSE comment on the stream at the
// given interval, so that idle connections are not dropped by proxies.
func WithKeepAlive(interval time.Duration) Option {
	return func(t *ServerTransport) {
		t.keepAlive = interval
	}
}

// WithSessionID overrides the generated session ID
func WithSessionID(id string) Option {
	return func(t *ServerTransport) {
		t.sessionID = id
	}
}

// ServerTransport is one SSE stream with its POST endpoint
type ServerTransport struct {
	endpoint  string
	sessionID string
	keepAlive time.Duration

	writeMu sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	mu             sync.RWMutex
	ctx            context.Context
	started        bool
	closed         bool
	done           chan struct{}
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
}

var _ transport.Transport = (*ServerTransport)(nil)

// NewServerTransport creates a transport streaming to w.
// endpoint is the path clients must POST messages to.
func NewServerTransport(endpoint string, w http.ResponseWriter, opts ...Option) (*ServerTransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	t := &ServerTransport{
		endpoint:  endpoint,
		sessionID: uuid.NewString(),
		w:         w,
		flusher:   flusher,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// SessionID returns the unique ID of this stream
func (t *ServerTransport) SessionID() string {
	return t.sessionID
}

// Kind returns the transport name used in metrics
func (t *ServerTransport) Kind() string {
	return "sse"
}

// Done is closed when the transport is closed
func (t *ServerTransport) Done() <-chan struct{} {
	return t.done
}

// Start writes the SSE headers and the endpoint event.
// It does not block; the stream stays open until ctx is done or Close is called.
func (t *ServerTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("sse transport already started")
	}
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.started = true
	t.ctx = ctx
	t.mu.Unlock()

	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	t.w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s?%s=%s", t.endpoint, SessionParam, t.sessionID)
	if err := t.writeEvent("endpoint", endpoint); err != nil {
		return errors.Wrap(err, "failed to send endpoint event")
	}

	go t.watch(ctx)

	logger.ContextKV(ctx, xlog.DEBUG, "session", t.sessionID, "endpoint", endpoint)
	return nil
}

func (t *ServerTransport) watch(ctx context.Context) {
	var tick <-chan time.Time
	if t.keepAlive > 0 {
		ticker := time.NewTicker(t.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = t.Close()
			return
		case <-t.done:
			return
		case now := <-tick:
			if err := t.writeComment("ping - " + now.UTC().Format(time.RFC3339)); err != nil {
				t.reportError(errors.Wrap(err, "keep-alive failed"))
				_ = t.Close()
				return
			}
		}
	}
}

// Send writes message to the stream as an `event: message`
func (t *ServerTransport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	t.mu.RLock()
	started, closed := t.started, t.closed
	t.mu.RUnlock()

	if closed {
		return errors.New("transport closed")
	}
	if !started {
		return errors.New("not connected")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"session", t.sessionID,
		"type", message.Type,
		"id", message.MessageID().String(),
	)
	return t.writeEvent("message", string(data))
}

func (t *ServerTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *ServerTransport) writeEvent(event, data string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.isClosed() {
		return errors.New("transport closed")
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *ServerTransport) writeComment(text string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.isClosed() {
		return errors.New("transport closed")
	}
	if _, err := fmt.Fprintf(t.w, ": %s\n\n", text); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// HandlePostMessage reads one JSON-RPC message from r and dispatches it to
// the message handler.
func (t *ServerTransport) HandlePostMessage(r *http.Request) error {
	if r.Method != http.MethodPost {
		return errors.Errorf("method not allowed: %s", r.Method)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errors.Errorf("unsupported Content type: %q", r.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageSize+1))
	if err != nil {
		err = errors.Wrap(err, "failed to read request body")
		t.reportError(err)
		return err
	}
	if len(body) > MaxMessageSize {
		err = errors.Errorf("message exceeds %d bytes", MaxMessageSize)
		t.reportError(err)
		return err
	}

	msg, err := transport.ParseMessage(body)
	if err != nil {
		t.reportError(err)
		return err
	}

	t.mu.RLock()
	handler := t.messageHandler
	ctx := t.ctx
	t.mu.RUnlock()

	// requests live as long as the stream, not the POST that carried them
	if ctx == nil {
		ctx = context.WithoutCancel(r.Context())
	}
	if handler != nil {
		handler(ctx, msg)
	}
	return nil
}

func (t *ServerTransport) reportError(err error) {
	t.mu.RLock()
	handler := t.errorHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// Close closes the stream. It is safe to call more than once;
// the close handler runs only on the first call.
func (t *ServerTransport) Close() error {
	// wait for an in-flight write, the writer is unusable once Close returns
	t.writeMu.Lock()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.writeMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	handler := t.closeHandler
	t.mu.Unlock()
	t.writeMu.Unlock()

	logger.KV(xlog.DEBUG, "session", t.sessionID, "status", "closed")
	if handler != nil {
		handler()
	}
	return nil
}

// SetCloseHandler implements Transport.SetCloseHandler
func (t *ServerTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandler = handler
}

// SetErrorHandler implements Transport.SetErrorHandler
func (t *ServerTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorHandler = handler
}

// SetMessageHandler implements Transport.SetMessageHandler
func (t *ServerTransport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageHandler = handler
}
