// Package session 是交易所会话：连接、认证、交易调用和订阅都经过这里
//
// 每次 Connect 创建新的 Transport 与 Correlator；认证状态随连接一起失效。
// 私有方法在本地检查 AuthState，未认证时不向连接写任何字节。
package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/betbot/deritrader/internal/jsonrpc"
	"github.com/betbot/deritrader/internal/latency"
	"github.com/betbot/deritrader/internal/metrics"
	"github.com/betbot/deritrader/internal/rpcerr"
	"github.com/betbot/deritrader/internal/subscription"
	"github.com/betbot/deritrader/internal/transport"
	"github.com/betbot/deritrader/pkg/ratelimit"
	"github.com/betbot/deritrader/pkg/sigchan"
)

var log = logrus.WithField("component", "session")

// Config configures a Session.
type Config struct {
	Transport     transport.Config
	CallTimeout   time.Duration // 单次调用的默认超时
	QueueSize     int           // 每个订阅频道的推送队列长度
	LatencyWindow int
	RateLimits    ratelimit.Limits
}

// Session is safe for concurrent use by any number of callers.
type Session struct {
	cfg Config

	mu       sync.RWMutex
	state    State
	tr       *transport.Transport
	corr     *jsonrpc.Correlator
	auth     *AuthState
	loopDone chan struct{}

	registry *subscription.Registry
	latency  *latency.Recorder
	limiter  *ratelimit.Manager

	lost          *sigchan.Chan

	subMu    sync.Mutex
	inflight map[string]*subAttempt // 正在等待交易所确认的订阅
	heartbeatBusy atomic.Bool
	now           func() time.Time
}

// New creates a disconnected session.
func New(cfg Config) *Session {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = jsonrpc.DefaultTimeout
	}
	return &Session{
		cfg:      cfg,
		state:    StateDisconnected,
		registry: subscription.NewRegistry(cfg.QueueSize),
		latency:  latency.NewRecorder(cfg.LatencyWindow),
		limiter:  ratelimit.NewManager(cfg.RateLimits),
		lost:     sigchan.New(1),
		inflight: make(map[string]*subAttempt),
		now:      time.Now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Latency returns the per-operation latency recorder.
func (s *Session) Latency() *latency.Recorder { return s.latency }

// Auth returns a copy of the current auth state, or nil.
func (s *Session) Auth() *AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.auth == nil {
		return nil
	}
	a := *s.auth
	return &a
}

// setStateLocked 记录状态迁移，非法迁移只告警
func (s *Session) setStateLocked(to State) {
	if s.state == to && to != StateAuthenticated {
		return
	}
	if !CanTransition(s.state, to) {
		log.Warnf("unexpected transition %s -> %s", s.state, to)
	}
	log.Debugf("state %s -> %s", s.state, to)
	s.state = to
}

// Connect opens a new connection. Allowed from Disconnected, Closed and Failed;
// any previous auth state is discarded. Returns *rpcerr.ConnectError on failure.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected && !s.state.Ended() {
		st := s.state
		s.mu.Unlock()
		return errors.Errorf("connect not allowed in state %s", st)
	}
	s.setStateLocked(StateConnecting)
	s.auth = nil
	s.mu.Unlock()
	s.lost.Drain()

	tr := transport.New(s.cfg.Transport)
	if err := tr.Connect(ctx); err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.setStateLocked(StateFailed)
		}
		s.mu.Unlock()
		log.Errorf("❌ connect failed: %v", err)
		return err
	}

	corr := jsonrpc.New(tr, jsonrpc.Config{
		DefaultTimeout: s.cfg.CallTimeout,
		OnPush:         s.onPush,
		OnNotification: s.onNotification,
	})
	done := make(chan struct{})

	s.mu.Lock()
	if s.state != StateConnecting {
		// Close 在连接过程中被调用
		s.mu.Unlock()
		_ = tr.Close()
		return rpcerr.ErrNotConnected
	}
	s.tr, s.corr, s.loopDone = tr, corr, done
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	go s.receive(tr, corr, done)
	log.Infof("✅ session connected to %s", tr.URL())
	return nil
}

// receive 是唯一读取连接的 goroutine
func (s *Session) receive(tr *transport.Transport, corr *jsonrpc.Correlator, done chan struct{}) {
	defer close(done)

	err := tr.ReceiveLoop(corr.Dispatch)
	if !tr.Failed() {
		// 本地 Close，挂起调用由 Close 负责
		if err != nil {
			log.Debugf("receive loop ended: %v", err)
		}
		corr.Close(nil)
		return
	}

	metrics.ConnectionsLost.Add(1)
	corr.Close(err)

	s.mu.Lock()
	current := s.tr == tr
	if current && s.state.Connected() {
		s.setStateLocked(StateFailed)
		s.auth = nil
	}
	s.mu.Unlock()

	if current {
		// Clear 不等待 worker，回调里调用 Close 不会互相等待
		s.registry.Clear()
		log.Errorf("❌ connection lost: %v", err)
		s.lost.Emit()
	}
}

// ConnectionLost fires after the receive loop of the current connection ends
// with an error. Reconnecting is left to the caller.
func (s *Session) ConnectionLost() <-chan struct{} {
	return s.lost.C()
}

// Close cancels outstanding calls with ConnectionLost, sends a close frame
// and waits for the receive loop to stop. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateDisconnected:
		s.setStateLocked(StateClosed)
		s.mu.Unlock()
		return nil
	case StateClosing:
		done := s.loopDone
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	s.setStateLocked(StateClosing)
	tr, corr, done := s.tr, s.corr, s.loopDone
	s.mu.Unlock()

	if corr != nil {
		corr.Close(errors.New("session closed"))
	}
	var err error
	if tr != nil {
		err = tr.Close()
	}
	if done != nil {
		<-done
	}
	s.registry.Clear()

	s.mu.Lock()
	s.setStateLocked(StateClosed)
	s.auth = nil
	s.mu.Unlock()
	log.Info("session closed")
	return err
}

// call 是所有操作的公共路径：状态检查、限速、计时、关联
func (s *Session) call(ctx context.Context, label, method string, params interface{}, private bool) (json.RawMessage, error) {
	s.mu.RLock()
	state, corr, auth := s.state, s.corr, s.auth
	s.mu.RUnlock()

	switch {
	case state == StateFailed:
		return nil, errors.Wrap(rpcerr.ErrConnectionLost, label)
	case !state.Connected() || corr == nil:
		return nil, errors.Wrapf(rpcerr.ErrNotConnected, "%s (state=%s)", label, state)
	case corr.Closed():
		// 接收循环已结束，状态还没来得及切到 Failed
		return nil, errors.Wrap(rpcerr.ErrConnectionLost, label)
	case private && !auth.Valid(s.now()):
		return nil, errors.Wrap(rpcerr.ErrNotAuthenticated, label)
	}

	if err := s.limiter.Wait(ctx, method); err != nil {
		return nil, errors.Wrapf(err, "%s rate limit", label)
	}

	h := s.latency.Start(label)
	raw, err := corr.Call(ctx, method, params, s.cfg.CallTimeout)
	s.latency.Stop(h)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Call issues an arbitrary method. Methods under private/ need authentication.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return s.call(ctx, method, method, params, strings.HasPrefix(method, "private/"))
}

func (s *Session) onPush(channel string, data json.RawMessage) {
	s.registry.Dispatch(channel, data)
}

// onNotification 在接收循环中运行，心跳应答交给独立 goroutine
func (s *Session) onNotification(method string, params json.RawMessage) {
	if method != "heartbeat" {
		log.Debugf("notification %s: %s", method, string(params))
		return
	}
	if gjson.GetBytes(params, "type").String() != "test_request" {
		return
	}
	if !s.heartbeatBusy.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.heartbeatBusy.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()
		if _, err := s.call(ctx, "heartbeat", "public/test", nil, false); err != nil {
			log.Warnf("heartbeat reply failed: %v", err)
		}
	}()
}
