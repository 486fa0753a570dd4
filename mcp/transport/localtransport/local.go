// Package localtransport provides a stateless, in-process request/response
// transport: each call to HandleMessage delivers one JSON-RPC message to the
// server and blocks until its response is sent back.
package localtransport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/weathermcp/mcp/transport", "localtransport")

const methodCancelled = "notifications/cancelled"

// McpProxyRequest is a raw MCP message proxied from another process
type McpProxyRequest struct {
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// McpProxyResponse is the reply to McpProxyRequest
type McpProxyResponse struct {
	Type    transport.BaseMessageType `json:"type"`
	Status  int                       `json:"status"`
	Body    []byte                    `json:"body"`
	Headers map[string]string         `json:"headers"`
}

// Handler is an interface for handling MCP requests using local transport or proxy
type Handler interface {
	HandleMCP(ctx context.Context, req *McpProxyRequest) (*McpProxyResponse, error)
}

// Transport is the server side of the local transport
type Transport struct {
	messageHandler func(ctx context.Context, message *transport.BaseJsonRpcMessage)
	errorHandler   func(error)
	closeHandler   func()
	mu             sync.RWMutex
	responseMap    map[transport.RequestId]chan *transport.BaseJsonRpcMessage

	// callerKeys maps the caller's request ID to the key it was re-keyed to
	callerKeys map[transport.RequestId]transport.RequestId
	counter    int64
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ Handler             = (*Transport)(nil)
)

func New() *Transport {
	return &Transport{
		responseMap: make(map[transport.RequestId]chan *transport.BaseJsonRpcMessage),
		callerKeys:  make(map[transport.RequestId]transport.RequestId),
	}
}

// Kind returns the transport name used in metrics
func (s *Transport) Kind() string {
	return "local"
}

// Start does nothing in the stateless local transport
func (s *Transport) Start(ctx context.Context) error {
	return nil
}

// Close closes the connection.
func (s *Transport) Close() error {
	s.mu.RLock()
	handler := s.closeHandler
	s.mu.RUnlock()
	if handler != nil {
		handler()
	}
	return nil
}

// SetErrorHandler sets the callback for when an error occurs.
func (s *Transport) SetErrorHandler(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandler = handler
}

// SetCloseHandler sets the callback for when the connection is closed for any reason.
func (s *Transport) SetCloseHandler(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandler = handler
}

// SetMessageHandler sets the callback for when a message is received over the connection.
func (s *Transport) SetMessageHandler(handler func(ctx context.Context, message *transport.BaseJsonRpcMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageHandler = handler
}

// Send delivers a response or error to the caller waiting in HandleMessage.
// Notifications have no caller to receive them and are dropped.
func (s *Transport) Send(ctx context.Context, message *transport.BaseJsonRpcMessage) error {
	if message.Type == transport.BaseMessageTypeJSONRPCNotificationType {
		logger.ContextKV(ctx, xlog.DEBUG, "reason", "dropped_notification", "method", message.JsonRpcNotification.Method)
		return nil
	}

	key := message.MessageID()

	s.mu.RLock()
	responseChannel := s.responseMap[key]
	s.mu.RUnlock()

	if responseChannel == nil {
		return errors.Errorf("no response channel found for key: %s", key)
	}
	responseChannel <- message
	return nil
}

func (s *Transport) reportError(err error) {
	s.mu.RLock()
	handler := s.errorHandler
	s.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// HandleMessage processes an incoming message and returns the response.
// Notifications return a nil message.
func (s *Transport) HandleMessage(ctx context.Context, body []byte) (*transport.BaseJsonRpcMessage, error) {
	message, err := transport.ParseMessage(body)
	if err != nil {
		s.reportError(err)
		return nil, err
	}

	s.mu.RLock()
	handler := s.messageHandler
	s.mu.RUnlock()
	if handler == nil {
		return nil, errors.Errorf("not connected")
	}

	if message.Type == transport.BaseMessageTypeJSONRPCNotificationType {
		s.rekeyCancel(message.JsonRpcNotification)
	}
	if message.Type != transport.BaseMessageTypeJSONRPCRequestType {
		handler(ctx, message)
		return nil, nil
	}

	callerID := message.JsonRpcRequest.Id

	// callers pick their own ids, so requests are re-keyed to avoid collisions
	s.mu.Lock()
	s.counter++
	key := transport.IntID(s.counter)
	ch := make(chan *transport.BaseJsonRpcMessage, 1)
	s.responseMap[key] = ch
	s.callerKeys[callerID] = key
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.responseMap, key)
		if s.callerKeys[callerID] == key {
			delete(s.callerKeys, callerID)
		}
		s.mu.Unlock()
	}()

	message.JsonRpcRequest.Id = key
	handler(ctx, message)

	var response *transport.BaseJsonRpcMessage
	select {
	case response = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	switch response.Type {
	case transport.BaseMessageTypeJSONRPCResponseType:
		response.JsonRpcResponse.Id = callerID
	case transport.BaseMessageTypeJSONRPCErrorType:
		response.JsonRpcError.Id = callerID
	}
	return response, nil
}

// rekeyCancel points `notifications/cancelled` at the re-keyed request.
// When the caller reuses an ID, the latest request with it is cancelled.
func (s *Transport) rekeyCancel(n *transport.BaseJSONRPCNotification) {
	if n.Method != methodCancelled {
		return
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return
	}
	var callerID transport.RequestId
	if err := json.Unmarshal(params["requestId"], &callerID); err != nil {
		return
	}

	s.mu.RLock()
	key, ok := s.callerKeys[callerID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	raw, err := json.Marshal(key)
	if err != nil {
		return
	}
	params["requestId"] = raw
	if bs, err := json.Marshal(params); err == nil {
		n.Params = bs
	}
}

// HandleMCP implements Handler
func (s *Transport) HandleMCP(ctx context.Context, req *McpProxyRequest) (*McpProxyResponse, error) {
	msg, err := s.HandleMessage(ctx, req.Body)
	if err != nil {
		return &McpProxyResponse{
			Status: http.StatusBadRequest,
			Body:   []byte(err.Error()),
		}, nil
	}
	if msg == nil {
		return &McpProxyResponse{
			Type:   transport.BaseMessageTypeJSONRPCNotificationType,
			Status: http.StatusAccepted,
		}, nil
	}

	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal response")
	}
	return &McpProxyResponse{
		Type:   msg.Type,
		Status: http.StatusOK,
		Body:   bs,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}, nil
}
