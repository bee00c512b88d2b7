package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/deritrader/internal/rpcerr"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsServer 启动一个测试 WebSocket 服务端，handle 在每个连接上运行
func wsServer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/api/v2"
}

func TestTransport_SendAndReceive(t *testing.T) {
	_, url := wsServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(mt, data)
		}
	})

	tr := New(Config{URL: url})
	require.NoError(t, tr.Connect(context.Background()))

	frames := make(chan string, 1)
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- tr.ReceiveLoop(func(frame []byte) { frames <- string(frame) })
	}()

	require.NoError(t, tr.Send([]byte(`{"jsonrpc":"2.0","id":1,"method":"public/test"}`)))
	select {
	case got := <-frames:
		assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"public/test"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("echo frame not received")
	}

	require.NoError(t, tr.Close())
	select {
	case err := <-loopErr:
		assert.NoError(t, err, "loop ends cleanly after Close")
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop after Close")
	}

	assert.NoError(t, tr.Close(), "Close is idempotent")
	assert.True(t, errors.Is(tr.Send([]byte("{}")), rpcerr.ErrNotConnected))
}

func TestTransport_ConcurrentSendsAreWholeFrames(t *testing.T) {
	const senders = 32
	received := make(chan string, senders)
	_, url := wsServer(t, func(conn *websocket.Conn) {
		for i := 0; i < senders; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	tr := New(Config{URL: url})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := fmt.Sprintf(`{"id":%d,"params":{"pad":%q}}`, i, strings.Repeat("x", 4096))
			assert.NoError(t, tr.Send([]byte(payload)))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < senders; i++ {
		select {
		case frame := <-received:
			var msg struct {
				ID int `json:"id"`
			}
			require.NoError(t, json.Unmarshal([]byte(frame), &msg), "frame must be complete JSON")
			seen[msg.ID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d frames received", i)
		}
	}
	assert.Len(t, seen, senders)
}

func TestTransport_ServerDropFailsLoop(t *testing.T) {
	_, url := wsServer(t, func(conn *websocket.Conn) {
		// 不发送关闭帧，直接断开底层连接
		_ = conn.UnderlyingConn().Close()
	})

	tr := New(Config{URL: url})
	require.NoError(t, tr.Connect(context.Background()))

	err := tr.ReceiveLoop(func([]byte) {})
	require.Error(t, err)
	assert.True(t, tr.Failed())
	assert.True(t, errors.Is(tr.Send([]byte("{}")), rpcerr.ErrNotConnected))
	assert.NoError(t, tr.Close())
}

func TestTransport_ConnectErrors(t *testing.T) {
	t.Run("invalid url", func(t *testing.T) {
		err := New(Config{URL: "::bad"}).Connect(context.Background())
		var ce *rpcerr.ConnectError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, rpcerr.StageDial, ce.Stage)
	})

	t.Run("refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		srv.Close()

		err := New(Config{URL: url, HandshakeTimeout: time.Second}).Connect(context.Background())
		var ce *rpcerr.ConnectError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, rpcerr.StageDial, ce.Stage)
	})

	t.Run("not a websocket endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		tr := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
		err := tr.Connect(context.Background())
		var ce *rpcerr.ConnectError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, rpcerr.StageHandshake, ce.Stage)
		assert.NoError(t, tr.Close(), "Close after failed connect is safe")
	})
}

func TestTransport_ConnectTwiceRejected(t *testing.T) {
	_, url := wsServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	tr := New(Config{URL: url})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()
	assert.Error(t, tr.Connect(context.Background()))
}

func TestTransport_PingLoopStopsOnClose(t *testing.T) {
	pings := make(chan struct{}, 8)
	_, url := wsServer(t, func(conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error {
			select {
			case pings <- struct{}{}:
			default:
			}
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	tr := New(Config{URL: url, PingInterval: 20 * time.Millisecond})
	require.NoError(t, tr.Connect(context.Background()))

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
	require.NoError(t, tr.Close())
	// Close 等待 ping 循环退出，之后不会再有 ping
	select {
	case <-pings:
	default:
	}
	select {
	case <-pings:
		t.Fatal("ping sent after Close")
	case <-time.After(100 * time.Millisecond):
	}
}
