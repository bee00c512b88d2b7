package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/deritrader/internal/rpcerr"
	"github.com/betbot/deritrader/internal/transport"
)

// rpcRequest 是测试端解析出的请求，数字保留为 json.Number
type rpcRequest struct {
	ID     uint64                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

// reply 描述测试交易所对一次请求的应答
type reply struct {
	Result interface{}
	Raw    string // 非空时原样作为 result
	Err    *rpcerr.RPCError
	Skip   bool // 不应答
}

type handlerFunc func(req rpcRequest) reply

// fakeExchange 是进程内的 JSON-RPC WebSocket 服务端
type fakeExchange struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	received []rpcRequest
	handlers map[string]handlerFunc
	writeMu  sync.Mutex

	requests chan rpcRequest
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	fx := &fakeExchange{
		t:        t,
		handlers: make(map[string]handlerFunc),
		requests: make(chan rpcRequest, 256),
	}
	fx.handle("public/auth", func(req rpcRequest) reply {
		if req.Params["grant_type"] == "refresh_token" {
			return reply{Result: map[string]interface{}{
				"access_token": "tok-2", "refresh_token": "ref-2", "expires_in": 900, "scope": "connection", "token_type": "bearer",
			}}
		}
		return reply{Result: map[string]interface{}{
			"access_token": "tok-1", "refresh_token": "ref-1", "expires_in": 900, "scope": "connection", "token_type": "bearer",
		}}
	})
	fx.handle("public/subscribe", func(req rpcRequest) reply { return reply{Result: req.Params["channels"]} })
	fx.handle("private/subscribe", func(req rpcRequest) reply { return reply{Result: req.Params["channels"]} })
	fx.handle("public/unsubscribe", func(req rpcRequest) reply { return reply{Result: req.Params["channels"]} })
	fx.handle("public/test", func(rpcRequest) reply { return reply{Result: map[string]string{"version": "1.2.26"}} })
	fx.handle("public/set_heartbeat", func(rpcRequest) reply { return reply{Result: "ok"} })

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fx.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fx.mu.Lock()
		fx.conn = conn
		fx.mu.Unlock()
		fx.serve(conn)
	}))
	t.Cleanup(fx.srv.Close)
	return fx
}

func (fx *fakeExchange) url() string {
	return "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws/api/v2"
}

func (fx *fakeExchange) config() Config {
	return Config{
		Transport:   transport.Config{URL: fx.url()},
		CallTimeout: 2 * time.Second,
	}
}

func (fx *fakeExchange) handle(method string, h handlerFunc) {
	fx.mu.Lock()
	fx.handlers[method] = h
	fx.mu.Unlock()
}

func (fx *fakeExchange) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var req rpcRequest
		if err := dec.Decode(&req); err != nil {
			fx.t.Errorf("fake exchange: bad frame %s", data)
			continue
		}

		fx.mu.Lock()
		fx.received = append(fx.received, req)
		h := fx.handlers[req.Method]
		fx.mu.Unlock()
		fx.requests <- req

		rep := reply{Err: &rpcerr.RPCError{Code: -32601, Message: "Method not found"}}
		if h != nil {
			rep = h(req)
		}
		if rep.Skip {
			continue
		}
		fx.write(conn, responseFrame(req.ID, rep))
	}
}

func responseFrame(id uint64, rep reply) []byte {
	if rep.Err != nil {
		errBody, _ := json.Marshal(rep.Err)
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":%s}`, id, errBody))
	}
	result := rep.Raw
	if result == "" {
		b, _ := json.Marshal(rep.Result)
		result = string(b)
	}
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s,"usIn":1,"usOut":2,"usDiff":1,"testnet":true}`, id, result))
}

func (fx *fakeExchange) write(conn *websocket.Conn, frame []byte) {
	fx.writeMu.Lock()
	defer fx.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, frame)
}

// push 发送一条订阅推送
func (fx *fakeExchange) push(channel, data string) {
	fx.notify(fmt.Sprintf(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":%q,"data":%s}}`, channel, data))
}

func (fx *fakeExchange) notify(frame string) {
	fx.mu.Lock()
	conn := fx.conn
	fx.mu.Unlock()
	if conn == nil {
		fx.t.Fatal("fake exchange: no connection")
	}
	fx.write(conn, []byte(frame))
}

// drop 不发关闭帧直接断开
func (fx *fakeExchange) drop() {
	fx.mu.Lock()
	conn := fx.conn
	fx.mu.Unlock()
	if conn != nil {
		_ = conn.UnderlyingConn().Close()
	}
}

func (fx *fakeExchange) receivedCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.received)
}

func (fx *fakeExchange) next(t *testing.T) rpcRequest {
	t.Helper()
	select {
	case req := <-fx.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("fake exchange: no request received")
		return rpcRequest{}
	}
}

// nextMethod 跳过其他请求直到 method
func (fx *fakeExchange) nextMethod(t *testing.T, method string) rpcRequest {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case req := <-fx.requests:
			if req.Method == method {
				return req
			}
		case <-deadline:
			t.Fatalf("fake exchange: %s not received", method)
			return rpcRequest{}
		}
	}
}
