package localtransport_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/weathermcp/mcp/internal/protocol"
	"github.com/effective-security/weathermcp/mcp/transport"
	"github.com/effective-security/weathermcp/mcp/transport/localtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every request with its params, asynchronously like the protocol layer does
func echoServer(t *testing.T, tr *localtransport.Transport) {
	tr.SetMessageHandler(func(ctx context.Context, msg *transport.BaseJsonRpcMessage) {
		if msg.Type != transport.BaseMessageTypeJSONRPCRequestType {
			return
		}
		req := msg.JsonRpcRequest
		go func() {
			var resp *transport.BaseJsonRpcMessage
			if req.Method == "fail" {
				resp = transport.NewBaseMessageError(&transport.BaseJSONRPCError{
					Jsonrpc: "2.0",
					Id:      req.Id,
					Error:   transport.BaseJSONRPCErrorInner{Code: -32603, Message: "failed"},
				})
			} else {
				resp = transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{
					Jsonrpc: "2.0",
					Id:      req.Id,
					Result:  req.Params,
				})
			}
			assert.NoError(t, tr.Send(ctx, resp))
		}()
	})
}

func TestTransport_HandleMessage(t *testing.T) {
	tr := localtransport.New()
	require.NoError(t, tr.Start(context.Background()))
	echoServer(t, tr)

	ctx := context.Background()

	resp, err := tr.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":42,"method":"echo","params":{"v":1}}`))
	require.NoError(t, err)
	require.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, resp.Type)
	assert.Equal(t, transport.IntID(42), resp.JsonRpcResponse.Id)
	assert.JSONEq(t, `{"v":1}`, string(resp.JsonRpcResponse.Result))

	resp, err = tr.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":43,"method":"fail"}`))
	require.NoError(t, err)
	require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, resp.Type)
	assert.Equal(t, transport.IntID(43), resp.JsonRpcError.Id)

	resp, err = tr.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":"req-1","method":"echo","params":{"v":2}}`))
	require.NoError(t, err)
	require.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, resp.Type)
	assert.Equal(t, transport.StringID("req-1"), resp.JsonRpcResponse.Id)
	bs, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"req-1","result":{"v":2}}`, string(bs))

	resp, err = tr.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestTransport_CancelByCallerID(t *testing.T) {
	tr := localtransport.New()
	p := protocol.NewProtocol()
	started := make(chan struct{}, 1)
	p.SetRequestHandler("slow", func(ctx context.Context, req *transport.BaseJSONRPCRequest, extra protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, p.Connect(context.Background(), tr))

	tcases := []struct {
		id     string
		cancel string
	}{
		{id: `"req-1"`, cancel: `{"requestId":"req-1","reason":"user"}`},
		{id: `7`, cancel: `{"requestId":7}`},
	}
	for _, tc := range tcases {
		t.Run(tc.id, func(t *testing.T) {
			type result struct {
				resp *transport.BaseJsonRpcMessage
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := tr.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":`+tc.id+`,"method":"slow"}`))
				done <- result{resp: resp, err: err}
			}()
			<-started

			resp, err := tr.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":`+tc.cancel+`}`))
			require.NoError(t, err)
			assert.Nil(t, resp)

			select {
			case res := <-done:
				require.NoError(t, res.err)
				require.Equal(t, transport.BaseMessageTypeJSONRPCErrorType, res.resp.Type)
				bs, err := json.Marshal(res.resp.JsonRpcError.Id)
				require.NoError(t, err)
				assert.JSONEq(t, tc.id, string(bs))
				assert.Contains(t, res.resp.JsonRpcError.Error.Message, "context canceled")
			case <-time.After(time.Second):
				t.Fatal("request was not cancelled")
			}
		})
	}
}

func TestTransport_HandleMessageConcurrentSameID(t *testing.T) {
	tr := localtransport.New()
	echoServer(t, tr)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"n":%d}}`, i)
			resp, err := tr.HandleMessage(context.Background(), []byte(body))
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, transport.IntID(1), resp.JsonRpcResponse.Id)
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(resp.JsonRpcResponse.Result))
		}(i)
	}
	wg.Wait()
}

func TestTransport_HandleMessageErrors(t *testing.T) {
	tr := localtransport.New()

	_, err := tr.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"echo"}`))
	assert.EqualError(t, err, "not connected")

	var reported error
	tr.SetErrorHandler(func(err error) { reported = err })
	_, err = tr.HandleMessage(context.Background(), []byte(`invalid json`))
	require.Error(t, err)
	assert.Equal(t, err, reported)

	// a handler that never answers
	tr.SetMessageHandler(func(ctx context.Context, msg *transport.BaseJsonRpcMessage) {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.HandleMessage(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"echo"}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_Send(t *testing.T) {
	tr := localtransport.New()

	err := tr.Send(context.Background(), transport.NewBaseMessageResponse(&transport.BaseJSONRPCResponse{Id: transport.IntID(99)}))
	assert.EqualError(t, err, "no response channel found for key: 99")

	err = tr.Send(context.Background(), transport.NewBaseMessageNotification(&transport.BaseJSONRPCNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/tools/list_changed",
	}))
	assert.NoError(t, err)
}

func TestTransport_Close(t *testing.T) {
	tr := localtransport.New()
	assert.NoError(t, tr.Close())

	count := 0
	tr.SetCloseHandler(func() { count++ })
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
	assert.Equal(t, 2, count)
}

func TestTransport_HandleMCP(t *testing.T) {
	tr := localtransport.New()
	echoServer(t, tr)
	ctx := context.Background()

	resp, err := tr.HandleMCP(ctx, &localtransport.McpProxyRequest{
		Body: []byte(`{"jsonrpc":"2.0","id":3,"method":"echo","params":{"ok":true}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, resp.Type)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, float64(3), body["id"])
	assert.Equal(t, map[string]any{"ok": true}, body["result"])

	resp, err = tr.HandleMCP(ctx, &localtransport.McpProxyRequest{
		Body: []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Status)

	resp, err = tr.HandleMCP(ctx, &localtransport.McpProxyRequest{Body: []byte(`{`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}
