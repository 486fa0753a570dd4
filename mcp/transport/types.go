package transport

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
)

// JSONRPCVersion is the only protocol version accepted on the wire
const JSONRPCVersion = "2.0"

// RequestId is a uniquely identifying ID for a request in JSON-RPC.
// It holds either a string or an integer and marshals back to the same form,
// so `1` and `"1"` are distinct ids. The zero value is the integer 0.
type RequestId struct {
	str   string
	num   int64
	isStr bool
}

// IntID returns a numeric request ID
func IntID(n int64) RequestId {
	return RequestId{num: n}
}

// StringID returns a string request ID
func StringID(s string) RequestId {
	return RequestId{str: s, isStr: true}
}

// IsString reports whether the ID was sent as a JSON string
func (id RequestId) IsString() bool {
	return id.isStr
}

func (id RequestId) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler
func (id RequestId) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return strconv.AppendInt(nil, id.num, 10), nil
}

// UnmarshalJSON implements json.Unmarshaler, `null` decodes to the zero value
func (id *RequestId) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, null):
		*id = RequestId{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "invalid string id")
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return errors.Errorf("id must be a string or an integer: %s", data)
	}
	*id = IntID(n)
	return nil
}

// JsonRpcBody is the result of a request handler, marshalled into the response
type JsonRpcBody any

// BaseJSONRPCRequest is a request that expects a response.
type BaseJSONRPCRequest struct {
	// Id corresponds to the JSON schema field "id".
	Id RequestId `json:"id"`
	// Jsonrpc corresponds to the JSON schema field "jsonrpc".
	Jsonrpc string `json:"jsonrpc"`
	// Method corresponds to the JSON schema field "method".
	Method string `json:"method"`
	// Params corresponds to the JSON schema field "params".
	Params json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCNotification is a notification which does not expect a response.
type BaseJSONRPCNotification struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// BaseJSONRPCResponse is a successful (non-error) response to a request.
type BaseJSONRPCResponse struct {
	Id      RequestId       `json:"id"`
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
}

// BaseJSONRPCErrorInner is the error object of a JSON-RPC error response
type BaseJSONRPCErrorInner struct {
	// The error type that occurred.
	Code int `json:"code"`
	// Additional information about the error.
	Data any `json:"data,omitempty"`
	// A short description of the error.
	Message string `json:"message"`
}

// BaseJSONRPCError is a response to a request that indicates an error occurred.
type BaseJSONRPCError struct {
	Error   BaseJSONRPCErrorInner `json:"error"`
	Id      RequestId             `json:"id"`
	Jsonrpc string                `json:"jsonrpc"`
}

// BaseMessageType is the kind of message held by BaseJsonRpcMessage
type BaseMessageType string

const (
	BaseMessageTypeJSONRPCRequestType      BaseMessageType = "request"
	BaseMessageTypeJSONRPCNotificationType BaseMessageType = "notification"
	BaseMessageTypeJSONRPCResponseType     BaseMessageType = "response"
	BaseMessageTypeJSONRPCErrorType        BaseMessageType = "error"
)

// BaseJsonRpcMessage holds exactly one of the four JSON-RPC message kinds
type BaseJsonRpcMessage struct {
	Type                BaseMessageType
	JsonRpcRequest      *BaseJSONRPCRequest
	JsonRpcNotification *BaseJSONRPCNotification
	JsonRpcResponse     *BaseJSONRPCResponse
	JsonRpcError        *BaseJSONRPCError
}

// MarshalJSON emits the wrapped message only
func (m *BaseJsonRpcMessage) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return json.Marshal(m.JsonRpcRequest)
	case BaseMessageTypeJSONRPCNotificationType:
		return json.Marshal(m.JsonRpcNotification)
	case BaseMessageTypeJSONRPCResponseType:
		return json.Marshal(m.JsonRpcResponse)
	case BaseMessageTypeJSONRPCErrorType:
		return json.Marshal(m.JsonRpcError)
	default:
		return nil, errors.Errorf("unknown message type: %q", m.Type)
	}
}

// MessageID returns the ID of a request, response or error.
// Notifications have no ID and return the zero value.
func (m *BaseJsonRpcMessage) MessageID() RequestId {
	switch m.Type {
	case BaseMessageTypeJSONRPCRequestType:
		return m.JsonRpcRequest.Id
	case BaseMessageTypeJSONRPCResponseType:
		return m.JsonRpcResponse.Id
	case BaseMessageTypeJSONRPCErrorType:
		return m.JsonRpcError.Id
	}
	return RequestId{}
}

func NewBaseMessageRequest(request *BaseJSONRPCRequest) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:           BaseMessageTypeJSONRPCRequestType,
		JsonRpcRequest: request,
	}
}

func NewBaseMessageNotification(notification *BaseJSONRPCNotification) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:                BaseMessageTypeJSONRPCNotificationType,
		JsonRpcNotification: notification,
	}
}

func NewBaseMessageResponse(response *BaseJSONRPCResponse) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:            BaseMessageTypeJSONRPCResponseType,
		JsonRpcResponse: response,
	}
}

func NewBaseMessageError(response *BaseJSONRPCError) *BaseJsonRpcMessage {
	return &BaseJsonRpcMessage{
		Type:         BaseMessageTypeJSONRPCErrorType,
		JsonRpcError: response,
	}
}

// envelope carries every field that any JSON-RPC message kind may have
type envelope struct {
	Jsonrpc string                 `json:"jsonrpc"`
	Method  *string                `json:"method"`
	Id      json.RawMessage        `json:"id"`
	Params  json.RawMessage        `json:"params"`
	Result  json.RawMessage        `json:"result"`
	Error   *BaseJSONRPCErrorInner `json:"error"`
}

var null = []byte("null")

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), null)
}

// ParseMessage classifies a raw JSON-RPC body by its fields:
// method with id is a request, method without id is a notification,
// result is a response, and error is an error response.
func ParseMessage(body []byte) (*BaseJsonRpcMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrap(err, "invalid message")
	}
	if env.Jsonrpc != JSONRPCVersion {
		return nil, errors.Errorf("invalid message: unsupported jsonrpc version %q", env.Jsonrpc)
	}

	parseID := func() (RequestId, error) {
		var id RequestId
		if err := json.Unmarshal(env.Id, &id); err != nil {
			return RequestId{}, errors.Wrap(err, "invalid message id")
		}
		return id, nil
	}

	switch {
	case env.Method != nil && present(env.Id):
		id, err := parseID()
		if err != nil {
			return nil, err
		}
		return NewBaseMessageRequest(&BaseJSONRPCRequest{
			Id:      id,
			Jsonrpc: env.Jsonrpc,
			Method:  *env.Method,
			Params:  env.Params,
		}), nil
	case env.Method != nil:
		return NewBaseMessageNotification(&BaseJSONRPCNotification{
			Jsonrpc: env.Jsonrpc,
			Method:  *env.Method,
			Params:  env.Params,
		}), nil
	case env.Error != nil:
		id, err := parseID()
		if err != nil {
			return nil, err
		}
		return NewBaseMessageError(&BaseJSONRPCError{
			Error:   *env.Error,
			Id:      id,
			Jsonrpc: env.Jsonrpc,
		}), nil
	case env.Result != nil:
		id, err := parseID()
		if err != nil {
			return nil, err
		}
		return NewBaseMessageResponse(&BaseJSONRPCResponse{
			Id:      id,
			Jsonrpc: env.Jsonrpc,
			Result:  env.Result,
		}), nil
	}
	return nil, errors.New("invalid message: not a request, notification or response")
}
