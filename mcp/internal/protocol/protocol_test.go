package protocol_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/mcp/internal/protocol"
	"github.com/effective-security/weathermcp/mcp/internal/testingutils"
	"github.com/effective-security/weathermcp/mcp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(id int64, method string, params string) *transport.BaseJsonRpcMessage {
	return transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Id:      transport.IntID(id),
		Method:  method,
		Params:  json.RawMessage(params),
	})
}

func connect(t *testing.T) (*protocol.Protocol, *testingutils.MockTransport) {
	tr := testingutils.NewMockTransport()
	p := protocol.NewProtocol()
	require.NoError(t, p.Connect(context.Background(), tr))
	require.True(t, tr.IsStarted())
	return p, tr
}

func TestProtocol_Request(t *testing.T) {
	p, tr := connect(t)
	p.SetRequestHandler("echo", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		assert.Equal(t, req.Id, extra.RequestID)
		return map[string]any{"params": req.Params}, nil
	})

	tr.SimulateMessage(context.Background(), request(5, "echo", `{"a":1}`))

	msgs := tr.WaitForMessages(1, time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, msgs[0].Type)
	assert.Equal(t, transport.IntID(5), msgs[0].JsonRpcResponse.Id)
	assert.JSONEq(t, `{"params":{"a":1}}`, string(msgs[0].JsonRpcResponse.Result))
}

func TestProtocol_Errors(t *testing.T) {
	p, tr := connect(t)
	p.SetRequestHandler("invalid", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "bad %s", "param")
	})
	p.SetRequestHandler("fail", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		return nil, errors.New("boom")
	})
	p.SetRequestHandler("unmarshalable", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		return map[string]any{"ch": make(chan int)}, nil
	})

	tcases := []struct {
		method string
		code   int
		msg    string
	}{
		{method: "invalid", code: protocol.CodeInvalidParams, msg: "bad param"},
		{method: "fail", code: protocol.CodeInternalError, msg: "boom"},
		{method: "unmarshalable", code: protocol.CodeInternalError, msg: "failed to marshal result"},
		{method: "missing", code: protocol.CodeMethodNotFound, msg: "method not found: missing"},
	}
	for i, tc := range tcases {
		t.Run(tc.method, func(t *testing.T) {
			tr.SimulateMessage(context.Background(), request(int64(i+1), tc.method, `{}`))
			msgs := tr.WaitForMessages(i+1, time.Second)
			require.Len(t, msgs, i+1)
			last := msgs[i]
			require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, last.Type)
			assert.Equal(t, transport.IntID(int64(i + 1)), last.JsonRpcError.Id)
			assert.Equal(t, tc.code, last.JsonRpcError.Error.Code)
			assert.Contains(t, last.JsonRpcError.Error.Message, tc.msg)
		})
	}
}

func TestProtocol_Cancel(t *testing.T) {
	p, tr := connect(t)

	started := make(chan struct{})
	p.SetRequestHandler("slow", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	tr.SimulateMessage(context.Background(), request(9, "slow", `{}`))
	<-started

	tr.SimulateMessage(context.Background(), transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/cancelled",
		Params:  json.RawMessage(`{"requestId":9,"reason":"user"}`),
	}))

	msgs := tr.WaitForMessages(1, time.Second)
	require.Len(t, msgs, 1)
	require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, msgs[0].Type)
	assert.Contains(t, msgs[0].JsonRpcError.Error.Message, "context canceled")
}

func cancelled(params string) *transport.BaseJsonRpcMessage {
	return transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/cancelled",
		Params:  json.RawMessage(params),
	})
}

func TestProtocol_CancelStringID(t *testing.T) {
	p, tr := connect(t)

	started := make(chan struct{})
	p.SetRequestHandler("slow", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	tr.SimulateMessage(context.Background(), transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
		Jsonrpc: "2.0",
		Id:      transport.StringID("req-1"),
		Method:  "slow",
	}))
	<-started

	// numeric 1 is a different request
	tr.SimulateMessage(context.Background(), cancelled(`{"requestId":1}`))
	tr.SimulateMessage(context.Background(), cancelled(`{"requestId":"req-1"}`))

	msgs := tr.WaitForMessages(1, time.Second)
	require.Len(t, msgs, 1)
	require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, msgs[0].Type)
	assert.Equal(t, transport.StringID("req-1"), msgs[0].JsonRpcError.Id)
	assert.Contains(t, msgs[0].JsonRpcError.Error.Message, "context canceled")
}

func TestProtocol_CancelReusedID(t *testing.T) {
	p, tr := connect(t)

	release := make(chan struct{})
	p.SetRequestHandler("first", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		<-release
		return map[string]string{"from": "first"}, nil
	})
	started := make(chan struct{})
	p.SetRequestHandler("second", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	tr.SimulateMessage(context.Background(), request(9, "first", `{}`))
	tr.SimulateMessage(context.Background(), request(9, "second", `{}`))
	<-started

	// the first request completes while the second one with the same id is in flight
	close(release)
	msgs := tr.WaitForMessages(1, time.Second)
	require.Len(t, msgs, 1)
	require.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, msgs[0].Type)
	assert.JSONEq(t, `{"from":"first"}`, string(msgs[0].JsonRpcResponse.Result))

	tr.SimulateMessage(context.Background(), cancelled(`{"requestId":9}`))

	msgs = tr.WaitForMessages(2, time.Second)
	require.Len(t, msgs, 2)
	require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, msgs[1].Type)
	assert.Equal(t, transport.IntID(9), msgs[1].JsonRpcError.Id)
	assert.Contains(t, msgs[1].JsonRpcError.Error.Message, "context canceled")
}

func TestProtocol_CloseCancelsRequests(t *testing.T) {
	p, tr := connect(t)

	closed := make(chan struct{})
	p.OnClose = func() { close(closed) }

	started := make(chan struct{})
	done := make(chan error, 1)
	p.SetRequestHandler("slow", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		close(started)
		<-ctx.Done()
		done <- ctx.Err()
		return nil, ctx.Err()
	})

	tr.SimulateMessage(context.Background(), request(1, "slow", `{}`))
	<-started

	require.NoError(t, p.Close())
	assert.True(t, tr.IsClosed())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("request was not cancelled on close")
	}
	<-closed

	// second close is a no-op for the protocol
	assert.NotPanics(t, func() { _ = p.Close() })
}

func TestProtocol_Notifications(t *testing.T) {
	p, tr := connect(t)

	initialized := false
	p.OnInitialized = func() { initialized = true }

	tr.SimulateMessage(context.Background(), transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/initialized",
	}))
	assert.True(t, initialized)

	var got error
	p.OnError = func(err error) { got = err }
	tr.SimulateMessage(context.Background(), transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/cancelled",
		Params:  json.RawMessage(`"bogus"`),
	}))
	require.Error(t, got)
	assert.Contains(t, got.Error(), "failed to unmarshal cancelled params")

	tr.SimulateError(errors.New("transport down"))
	assert.EqualError(t, got, "transport down")

	// unknown notifications are ignored
	tr.SimulateMessage(context.Background(), transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/unknown",
	}))
	assert.Empty(t, tr.GetMessages())

	require.NoError(t, p.Notification("notifications/tools/list_changed", nil))
	msgs := tr.GetMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "notifications/tools/list_changed", msgs[0].JsonRpcNotification.Method)
	assert.JSONEq(t, `{}`, string(msgs[0].JsonRpcNotification.Params))
}

func TestProtocol_NotConnected(t *testing.T) {
	p := protocol.NewProtocol()
	err := p.Notification("notifications/tools/list_changed", nil)
	assert.EqualError(t, err, "not connected")
	assert.NoError(t, p.Close())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, protocol.CodeInvalidParams, protocol.CodeOf(protocol.NewError(protocol.CodeInvalidParams, "x")))
	assert.Equal(t, protocol.CodeInvalidParams, protocol.CodeOf(errors.Wrap(protocol.NewError(protocol.CodeInvalidParams, "x"), "wrapped")))
	assert.Equal(t, protocol.CodeInternalError, protocol.CodeOf(errors.New("plain")))
}
