package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/deritrader/internal/rpcerr"
	"github.com/betbot/deritrader/pkg/ratelimit"
)

const bookChannel = "book.BTC-PERPETUAL.100ms"

// holdSubscribe 让 public/subscribe 阻塞到 release 被调用，然后返回 rep
func holdSubscribe(t *testing.T, fx *fakeExchange, rep func(rpcRequest) reply) (release func()) {
	gate := make(chan struct{})
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	fx.handle("public/subscribe", func(req rpcRequest) reply {
		<-gate
		return rep(req)
	})
	return release
}

func countMethod(fx *fakeExchange, method string) int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	n := 0
	for _, req := range fx.received {
		if req.Method == method {
			n++
		}
	}
	return n
}

type subResult struct {
	err error
}

func TestSession_StatusReportsRateLimit(t *testing.T) {
	fx := newFakeExchange(t)
	s := connected(t, fx)

	st := s.Status()
	assert.Contains(t, st.RateLimit, ratelimit.ClassMatching)
	assert.Contains(t, st.RateLimit, ratelimit.ClassNonMatching)
}

func TestSession_ConcurrentSubscribeSharesRejection(t *testing.T) {
	fx := newFakeExchange(t)
	release := holdSubscribe(t, fx, func(rpcRequest) reply {
		return reply{Err: &rpcerr.RPCError{Code: 11050, Message: "bad_request"}}
	})
	s := connected(t, fx)
	noop := func(string, json.RawMessage) error { return nil }

	first := make(chan subResult, 1)
	go func() {
		_, err := s.Subscribe(context.Background(), bookChannel, noop)
		first <- subResult{err}
	}()
	fx.nextMethod(t, "public/subscribe")

	second := make(chan subResult, 1)
	go func() {
		_, err := s.Subscribe(context.Background(), bookChannel, noop)
		second <- subResult{err}
	}()
	// 第二个订阅者已登记并在等待第一个请求的结果
	require.Eventually(t, func() bool { return s.registry.Count(bookChannel) == 2 }, 2*time.Second, 5*time.Millisecond)
	release()

	for name, c := range map[string]chan subResult{"first": first, "second": second} {
		select {
		case r := <-c:
			var rpcErr *rpcerr.RPCError
			require.True(t, errors.As(r.err, &rpcErr), "%s subscribe: %v", name, r.err)
			assert.Equal(t, 11050, rpcErr.Code)
		case <-time.After(2 * time.Second):
			t.Fatalf("%s subscribe did not return", name)
		}
	}
	assert.Empty(t, s.Status().Channels, "no registration survives a rejected subscribe")
	assert.Equal(t, 1, countMethod(fx, "public/subscribe"))
}

func TestSession_ConcurrentSubscribeSharesAck(t *testing.T) {
	fx := newFakeExchange(t)
	release := holdSubscribe(t, fx, func(req rpcRequest) reply { return reply{Result: req.Params["channels"]} })
	s := connected(t, fx)

	var wg sync.WaitGroup
	got := make(chan string, 4)
	cb := func(_ string, payload json.RawMessage) error {
		got <- string(payload)
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Subscribe(context.Background(), bookChannel, cb)
		assert.NoError(t, err)
	}()
	fx.nextMethod(t, "public/subscribe")
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Subscribe(context.Background(), bookChannel, cb)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return s.registry.Count(bookChannel) == 2 }, 2*time.Second, 5*time.Millisecond)
	release()
	wg.Wait()

	// 确认之后的订阅者直接追加回调
	_, err := s.Subscribe(context.Background(), bookChannel, cb)
	require.NoError(t, err)
	assert.Equal(t, 1, countMethod(fx, "public/subscribe"))

	fx.push(bookChannel, `{"change_id":1}`)
	for i := 0; i < 3; i++ {
		select {
		case p := <-got:
			assert.Equal(t, `{"change_id":1}`, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 callbacks invoked", i)
		}
	}
}

func TestSession_PushBeforeSubscribeAckIsDelivered(t *testing.T) {
	fx := newFakeExchange(t)
	const first = `{"change_id":1,"bids":[],"asks":[]}`
	fx.handle("public/subscribe", func(req rpcRequest) reply {
		// 交易所可能在应答之前就开始推送
		fx.push(bookChannel, first)
		return reply{Result: req.Params["channels"]}
	})
	s := connected(t, fx)

	got := make(chan string, 1)
	_, err := s.Subscribe(context.Background(), bookChannel, func(_ string, payload json.RawMessage) error {
		got <- string(payload)
		return nil
	})
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, first, p)
	case <-time.After(2 * time.Second):
		t.Fatal("push sent before the subscribe result was lost")
	}
}

func TestSession_UnsubscribeChecksAuthBeforeRemoving(t *testing.T) {
	fx := newFakeExchange(t)
	s := authenticated(t, fx)
	const private = "user.orders.BTC-PERPETUAL.raw"

	_, err := s.Subscribe(context.Background(), private, func(string, json.RawMessage) error { return nil })
	require.NoError(t, err)
	fx.nextMethod(t, "private/subscribe")

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	err = s.Unsubscribe(context.Background(), private)
	assert.True(t, errors.Is(err, rpcerr.ErrNotAuthenticated))
	assert.Equal(t, []string{private}, s.Status().Channels, "callbacks stay while the exchange still streams")
	assert.Equal(t, 0, countMethod(fx, "private/unsubscribe"))
}

func TestSession_DropSignalsWhileCallbackBusy(t *testing.T) {
	fx := newFakeExchange(t)
	s := connected(t, fx)

	entered := make(chan struct{})
	release := make(chan struct{})
	closed := make(chan error, 1)
	_, err := s.Subscribe(context.Background(), bookChannel, func(string, json.RawMessage) error {
		close(entered)
		<-release
		closed <- s.Close()
		return nil
	})
	require.NoError(t, err)

	fx.push(bookChannel, `{"change_id":1}`)
	<-entered
	fx.drop()

	select {
	case <-s.ConnectionLost():
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectionLost waited for a running callback")
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close from a callback deadlocked")
	}
	assert.Equal(t, StateClosed, s.State())
}
