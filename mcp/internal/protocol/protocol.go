// Package protocol implements the server side of JSON-RPC messaging for MCP
// on top of a pluggable transport.
//
// It dispatches incoming requests to handlers registered by method, runs
// each request on its own goroutine with a cancellable context, honours
// `notifications/cancelled`, and converts handler errors into JSON-RPC error
// responses.
//
// Thread Safety:
//   - All public methods are thread-safe
//   - Uses sync.RWMutex for state protection
//
// Usage:
//
//	p := protocol.NewProtocol()
//	p.SetRequestHandler("ping", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
//	    return map[string]any{}, nil
//	})
//	err := p.Connect(ctx, tr)
package protocol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/mcp/transport"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/weathermcp/mcp/internal", "protocol")

// RequestHandlerExtra contains extra data given to request handlers
type RequestHandlerExtra struct {
	// Context used to communicate if the request was cancelled from the sender's side
	Context context.Context
	// RequestID of the request being handled
	RequestID transport.RequestId
}

// RequestHandler handles one JSON-RPC request and returns its result
type RequestHandler func(context.Context, *transport.BaseJSONRPCRequest, RequestHandlerExtra) (transport.JsonRpcBody, error)

// NotificationHandler handles one JSON-RPC notification
type NotificationHandler func(notification *transport.BaseJSONRPCNotification) error

// Protocol implements MCP protocol framing on top of a pluggable transport
type Protocol struct {
	transport transport.Transport

	mu sync.RWMutex
	// Maps method name to request handler
	requestHandlers map[string]RequestHandler
	// Maps request ID to the latest in-flight request with that ID
	requestCancellers map[transport.RequestId]*inflight
	// Maps method name to notification handler
	notificationHandlers map[string]NotificationHandler
	closed               bool

	// Callback for when the connection is closed for any reason
	OnClose func()
	// Callback for when an error occurs
	OnError func(error)
	// Callback for when the client reports it finished initialization
	OnInitialized func()
}

// inflight is the cancel handle of one running request.
// Entries are compared by pointer, clients may reuse an ID while it is in flight.
type inflight struct {
	cancel context.CancelFunc
}

// NewProtocol creates a new Protocol instance
func NewProtocol() *Protocol {
	p := &Protocol{
		requestHandlers:      make(map[string]RequestHandler),
		requestCancellers:    make(map[transport.RequestId]*inflight),
		notificationHandlers: make(map[string]NotificationHandler),
	}

	p.SetNotificationHandler("notifications/cancelled", p.handleCancelledNotification)
	p.SetNotificationHandler("notifications/initialized", p.handleInitializedNotification)

	return p
}

// Connect attaches to the given transport, starts it, and starts listening for messages
func (p *Protocol) Connect(ctx context.Context, tr transport.Transport) error {
	p.mu.Lock()
	p.transport = tr
	p.mu.Unlock()

	tr.SetCloseHandler(p.handleClose)
	tr.SetErrorHandler(p.handleError)
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		switch message.Type {
		case transport.BaseMessageTypeJSONRPCRequestType:
			p.handleRequest(ctx, message.JsonRpcRequest)
		case transport.BaseMessageTypeJSONRPCNotificationType:
			p.handleNotification(message.JsonRpcNotification)
		case transport.BaseMessageTypeJSONRPCResponseType, transport.BaseMessageTypeJSONRPCErrorType:
			// the server issues no requests of its own
			logger.KV(xlog.DEBUG, "reason", "unexpected_response", "id", message.MessageID().String())
		}
	})

	return tr.Start(ctx)
}

func (p *Protocol) handleClose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, req := range p.requestCancellers {
		req.cancel()
		delete(p.requestCancellers, id)
	}
	onClose := p.OnClose
	p.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

func (p *Protocol) handleError(err error) {
	logger.KV(xlog.DEBUG, "reason", "transport", "err", err.Error())
	if p.OnError != nil {
		p.OnError(err)
	}
}

func (p *Protocol) handleNotification(notification *transport.BaseJSONRPCNotification) {
	logger.KV(xlog.DEBUG, "method", notification.Method)

	p.mu.RLock()
	handler := p.notificationHandlers[notification.Method]
	p.mu.RUnlock()

	if handler == nil {
		return
	}

	if err := handler(notification); err != nil {
		p.handleError(errors.Wrap(err, "notification handler error"))
	}
}

func (p *Protocol) handleRequest(ctx context.Context, request *transport.BaseJSONRPCRequest) {
	logger.KV(xlog.DEBUG,
		"method", request.Method,
		"id", request.Id.String(),
	)

	p.mu.RLock()
	handler := p.requestHandlers[request.Method]
	p.mu.RUnlock()

	if handler == nil {
		handler = func(_ context.Context, req *transport.BaseJSONRPCRequest, _ RequestHandlerExtra) (transport.JsonRpcBody, error) {
			return nil, NewError(CodeMethodNotFound, "method not found: %s", req.Method)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	entry := &inflight{cancel: cancel}
	p.mu.Lock()
	p.requestCancellers[request.Id] = entry
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			if p.requestCancellers[request.Id] == entry {
				delete(p.requestCancellers, request.Id)
			}
			p.mu.Unlock()
			cancel()
		}()

		result, err := handler(ctx, request, RequestHandlerExtra{Context: ctx, RequestID: request.Id})
		if err != nil {
			logger.KV(xlog.DEBUG, "method", request.Method, "id", request.Id.String(), "err", err.Error())
			p.sendErrorResponse(ctx, request.Id, err)
			return
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			p.sendErrorResponse(ctx, request.Id, errors.Wrap(err, "failed to marshal result"))
			return
		}
		response := &transport.BaseJSONRPCResponse{
			Jsonrpc: transport.JSONRPCVersion,
			Id:      request.Id,
			Result:  jsonResult,
		}

		if err := p.send(ctx, transport.NewBaseMessageResponse(response)); err != nil {
			p.handleError(errors.Wrap(err, "failed to send response"))
		}
	}()
}

func (p *Protocol) handleInitializedNotification(notification *transport.BaseJSONRPCNotification) error {
	logger.KV(xlog.DEBUG, "method", notification.Method)
	if p.OnInitialized != nil {
		p.OnInitialized()
	}
	return nil
}

func (p *Protocol) handleCancelledNotification(notification *transport.BaseJSONRPCNotification) error {
	var params struct {
		RequestId transport.RequestId `json:"requestId"`
		Reason    string              `json:"reason"`
	}

	if err := json.Unmarshal(notification.Params, &params); err != nil {
		return errors.Wrap(err, "failed to unmarshal cancelled params")
	}

	p.mu.RLock()
	req := p.requestCancellers[params.RequestId]
	p.mu.RUnlock()

	if req != nil {
		logger.KV(xlog.DEBUG, "cancelled", params.RequestId.String(), "reason", params.Reason)
		req.cancel()
	}

	return nil
}

// Close closes the connection
func (p *Protocol) Close() error {
	p.mu.RLock()
	tr := p.transport
	p.mu.RUnlock()
	if tr != nil {
		return tr.Close()
	}
	return nil
}

func (p *Protocol) send(ctx context.Context, msg *transport.BaseJsonRpcMessage) error {
	p.mu.RLock()
	tr := p.transport
	p.mu.RUnlock()
	if tr == nil {
		return errors.Errorf("not connected")
	}
	// responses must outlive a request cancelled mid-flight
	return tr.Send(context.WithoutCancel(ctx), msg)
}

func (p *Protocol) sendErrorResponse(ctx context.Context, requestID transport.RequestId, err error) {
	response := &transport.BaseJSONRPCError{
		Jsonrpc: transport.JSONRPCVersion,
		Id:      requestID,
		Error: transport.BaseJSONRPCErrorInner{
			Code:    CodeOf(err),
			Message: err.Error(),
		},
	}

	if err := p.send(ctx, transport.NewBaseMessageError(response)); err != nil {
		p.handleError(errors.Wrap(err, "failed to send error response"))
	}
}

// Notification emits a notification, which is a one-way message that does not expect a response
func (p *Protocol) Notification(method string, params any) error {
	if params == nil {
		params = struct{}{}
	}
	marshalled, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification params")
	}

	notification := &transport.BaseJSONRPCNotification{
		Jsonrpc: transport.JSONRPCVersion,
		Method:  method,
		Params:  marshalled,
	}

	return p.send(context.Background(), transport.NewBaseMessageNotification(notification))
}

// SetRequestHandler registers a handler to invoke when this protocol object receives a request with the given method
func (p *Protocol) SetRequestHandler(method string, handler RequestHandler) {
	p.mu.Lock()
	p.requestHandlers[method] = handler
	p.mu.Unlock()
}

// RemoveRequestHandler removes the request handler for the given method
func (p *Protocol) RemoveRequestHandler(method string) {
	p.mu.Lock()
	delete(p.requestHandlers, method)
	p.mu.Unlock()
}

// SetNotificationHandler registers a handler to invoke when this protocol object receives a notification with the given method
func (p *Protocol) SetNotificationHandler(method string, handler NotificationHandler) {
	p.mu.Lock()
	p.notificationHandlers[method] = handler
	p.mu.Unlock()
}

// RemoveNotificationHandler removes the notification handler for the given method
func (p *Protocol) RemoveNotificationHandler(method string) {
	p.mu.Lock()
	delete(p.notificationHandlers, method)
	p.mu.Unlock()
}
