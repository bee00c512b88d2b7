// Package jsonrpc 把调用与响应按 id 关联，并把无 id 的推送分流出去
//
// 同一条 WebSocket 上同时跑交易响应和行情推送，Correlator 是唯一区分两者的地方：
// 带 id 的帧交给对应的等待者，subscription 通知交给推送回调，其余通知交给通知回调。
package jsonrpc

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/betbot/deritrader/internal/metrics"
	"github.com/betbot/deritrader/internal/rpcerr"
)

var log = logrus.WithField("component", "jsonrpc")

const (
	// Version is the JSON-RPC protocol version carried in every envelope.
	Version = "2.0"

	// MethodSubscription is the notification method of streamed channel data.
	MethodSubscription = "subscription"

	DefaultTimeout = 10 * time.Second
)

// Sender writes one complete frame.
type Sender interface {
	Send(frame []byte) error
}

// PushHandler receives channel data. It runs on the receive loop and must not block.
type PushHandler func(channel string, data json.RawMessage)

// NotificationHandler receives any other server notification (e.g. heartbeat).
// It runs on the receive loop and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// Config configures a Correlator.
type Config struct {
	DefaultTimeout time.Duration
	OnPush         PushHandler
	OnNotification NotificationHandler
}

// Request is the outbound envelope.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method      string
	submittedAt time.Time
	done        chan outcome // 容量为 1，只写一次
}

// Correlator owns the pending-call table. Whoever removes an entry from the
// table (Dispatch, the timed-out caller, or Close) is the one that resolves it,
// so every call ends exactly once.
type Correlator struct {
	sender Sender
	cfg    Config

	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	closed   bool
	closeErr error
}

// New creates a Correlator writing through sender.
func New(sender Sender, cfg Config) *Correlator {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Correlator{
		sender:  sender,
		cfg:     cfg,
		pending: make(map[uint64]*pendingCall),
	}
}

// Call sends method with params and waits for the matching response, the
// timeout (0 uses the default), ctx cancellation or connection loss.
// On timeout the request may still have been executed by the server.
func (c *Correlator) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if params == nil {
		params = struct{}{}
	}

	id := c.nextID.Add(1)
	frame, err := json.Marshal(Request{JSONRPC: Version, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", method)
	}

	call := &pendingCall{method: method, submittedAt: time.Now(), done: make(chan outcome, 1)}
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = call
	c.mu.Unlock()

	metrics.RPCCalls.Add(1)
	if err := c.sender.Send(frame); err != nil {
		if c.take(id) != nil {
			metrics.RPCErrors.Add(1)
			if errors.Is(err, rpcerr.ErrNotConnected) {
				return nil, errors.Wrapf(rpcerr.ErrConnectionLost, "%s: %v", method, err)
			}
			return nil, errors.Wrapf(err, "send %s", method)
		}
		// 已被 Dispatch 或 Close 取走，以它的结果为准
		return c.finish(call, <-call.done)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-call.done:
		return c.finish(call, out)
	case <-timer.C:
		if c.take(id) != nil {
			metrics.RPCTimeouts.Add(1)
			log.Warnf("⏱️ %s (id=%d) timed out after %s", method, id, timeout)
			return nil, errors.Wrapf(rpcerr.ErrTimeout, "%s (id=%d)", method, id)
		}
		return c.finish(call, <-call.done)
	case <-ctx.Done():
		if c.take(id) != nil {
			return nil, errors.Wrapf(ctx.Err(), "%s (id=%d)", method, id)
		}
		return c.finish(call, <-call.done)
	}
}

func (c *Correlator) finish(call *pendingCall, out outcome) (json.RawMessage, error) {
	if out.err != nil {
		metrics.RPCErrors.Add(1)
		return nil, errors.WithMessage(out.err, call.method)
	}
	return out.result, nil
}

// take removes and returns the pending call, or nil if it is already gone.
func (c *Correlator) take(id uint64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

// Dispatch routes one inbound frame. Malformed frames are logged and dropped.
func (c *Correlator) Dispatch(frame []byte) {
	metrics.FramesReceived.Add(1)

	if !gjson.ValidBytes(frame) {
		c.protocolError(rpcerr.NewProtocolError("invalid json", frame))
		return
	}
	msg := gjson.ParseBytes(frame)
	if !msg.IsObject() {
		c.protocolError(rpcerr.NewProtocolError("frame is not an object", frame))
		return
	}

	id := msg.Get("id")
	method := msg.Get("method")
	switch {
	case id.Exists() && id.Type != gjson.Null:
		if id.Type != gjson.Number {
			c.protocolError(rpcerr.NewProtocolError("non-numeric id", frame))
			return
		}
		n, err := strconv.ParseUint(id.Raw, 10, 64)
		if err != nil {
			c.protocolError(rpcerr.NewProtocolError("id is not a non-negative integer", frame))
			return
		}
		c.resolve(n, msg, frame)

	case method.Type == gjson.String && method.Str == MethodSubscription:
		channel := msg.Get("params.channel")
		if channel.Type != gjson.String || channel.Str == "" {
			c.protocolError(rpcerr.NewProtocolError("subscription without channel", frame))
			return
		}
		if c.cfg.OnPush != nil {
			c.cfg.OnPush(channel.Str, rawOf(msg.Get("params.data")))
		}

	case method.Type == gjson.String:
		if c.cfg.OnNotification != nil {
			c.cfg.OnNotification(method.Str, rawOf(msg.Get("params")))
		} else {
			log.Debugf("notification %s ignored", method.Str)
		}

	default:
		if e := msg.Get("error"); e.Exists() {
			c.protocolError(rpcerr.NewProtocolError("error response without id: "+e.Raw, frame))
			return
		}
		c.protocolError(rpcerr.NewProtocolError("neither response nor notification", frame))
	}
}

func (c *Correlator) resolve(id uint64, msg gjson.Result, frame []byte) {
	call := c.take(id)
	if call == nil {
		metrics.LateResponses.Add(1)
		log.Warnf("response for unknown or expired id=%d discarded", id)
		return
	}

	var out outcome
	if e := msg.Get("error"); e.Exists() && e.Type != gjson.Null {
		rpcErr := &rpcerr.RPCError{}
		if err := json.Unmarshal([]byte(e.Raw), rpcErr); err != nil {
			out.err = rpcerr.NewProtocolError("undecodable error object", frame)
		} else {
			out.err = rpcErr
		}
	} else if r := msg.Get("result"); r.Exists() {
		out.result = rawOf(r)
	} else {
		out.err = rpcerr.NewProtocolError("response without result or error", frame)
	}

	log.Debugf("%s (id=%d) answered in %s", call.method, id, time.Since(call.submittedAt))
	call.done <- out
}

func (c *Correlator) protocolError(perr *rpcerr.ProtocolError) {
	metrics.ProtocolErrors.Add(1)
	log.Warn(perr.Error())
}

// Close fails every outstanding call with ErrConnectionLost and rejects new
// calls. cause is attached to the error message when not nil.
func (c *Correlator) Close(cause error) {
	lost := rpcerr.ErrConnectionLost
	if cause != nil {
		lost = errors.WithMessage(rpcerr.ErrConnectionLost, cause.Error())
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = lost
	calls := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	if len(calls) > 0 {
		log.Warnf("connection closed with %d pending calls", len(calls))
	}
	for _, call := range calls {
		call.done <- outcome{err: lost}
	}
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Closed reports whether Close was called.
func (c *Correlator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func rawOf(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}
