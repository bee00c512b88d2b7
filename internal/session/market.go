package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/deritrader/internal/rpcerr"
	"github.com/betbot/deritrader/internal/subscription"
)

// MinHeartbeatInterval is the smallest interval the exchange accepts.
const MinHeartbeatInterval = 10 * time.Second

// isPrivateChannel user.* 频道需要认证并走 private/subscribe
func isPrivateChannel(channel string) bool {
	return strings.HasPrefix(channel, "user.")
}

func subscribeMethod(channel string, op string) string {
	if isPrivateChannel(channel) {
		return "private/" + op
	}
	return "public/" + op
}

// subAttempt 是某个频道正在进行的订阅请求，后来者等待它的结果
type subAttempt struct {
	done    chan struct{}
	err     error
	handles []subscription.Handle // 请求失败时一并回滚
}

func (s *Session) checkChannel(op, channel string) error {
	s.mu.RLock()
	state, auth := s.state, s.auth
	s.mu.RUnlock()
	if !state.Connected() {
		return errors.Wrapf(rpcerr.ErrNotConnected, "%s (state=%s)", op, state)
	}
	if isPrivateChannel(channel) && !auth.Valid(s.now()) {
		return errors.Wrap(rpcerr.ErrNotAuthenticated, op)
	}
	return nil
}

// Subscribe registers cb for channel, then asks the exchange to stream it.
// The callback is in place before the request is sent, so no push is missed.
// Concurrent subscribers of the same channel share one request and its outcome;
// on failure every one of their registrations is rolled back.
func (s *Session) Subscribe(ctx context.Context, channel string, cb subscription.Callback) (subscription.Handle, error) {
	if channel == "" || cb == nil {
		return subscription.Handle{}, errors.New("subscribe: channel and callback are required")
	}
	if err := s.checkChannel("subscribe", channel); err != nil {
		return subscription.Handle{}, err
	}

	s.subMu.Lock()
	if att, ok := s.inflight[channel]; ok {
		h := s.registry.Register(channel, cb)
		att.handles = append(att.handles, h)
		s.subMu.Unlock()
		select {
		case <-att.done:
		case <-ctx.Done():
			s.registry.Remove(h)
			return subscription.Handle{}, errors.Wrap(ctx.Err(), "subscribe")
		}
		if att.err != nil {
			return subscription.Handle{}, att.err
		}
		return h, nil
	}
	if s.registry.Count(channel) > 0 {
		// 已确认的频道只追加回调，不重复请求
		h := s.registry.Register(channel, cb)
		s.subMu.Unlock()
		return h, nil
	}
	h := s.registry.Register(channel, cb)
	att := &subAttempt{done: make(chan struct{}), handles: []subscription.Handle{h}}
	s.inflight[channel] = att
	s.subMu.Unlock()

	att.err = s.sendSubscribe(ctx, channel)

	s.subMu.Lock()
	if att.err != nil {
		for _, ah := range att.handles {
			s.registry.Remove(ah)
		}
	}
	delete(s.inflight, channel)
	close(att.done)
	s.subMu.Unlock()

	if att.err != nil {
		return subscription.Handle{}, att.err
	}
	log.Infof("📡 subscribed %s", channel)
	return h, nil
}

func (s *Session) sendSubscribe(ctx context.Context, channel string) error {
	raw, err := s.call(ctx, "subscribe", subscribeMethod(channel, "subscribe"), map[string]interface{}{"channels": []string{channel}}, isPrivateChannel(channel))
	if err != nil {
		return err
	}
	var accepted []string
	if err := json.Unmarshal(raw, &accepted); err != nil {
		return errors.Wrap(err, "decode subscribe result")
	}
	for _, ch := range accepted {
		if ch == channel {
			return nil
		}
	}
	return errors.Errorf("subscribe: exchange did not accept channel %s (got %v)", channel, accepted)
}

// Unsubscribe drops every local callback of channel and asks the exchange to
// stop streaming it. Nothing is removed when the request cannot be sent.
func (s *Session) Unsubscribe(ctx context.Context, channel string) error {
	if err := s.checkChannel("unsubscribe", channel); err != nil {
		return err
	}
	n := s.registry.Unregister(channel)
	log.Debugf("removed %d callbacks of %s", n, channel)

	_, err := s.call(ctx, "unsubscribe", subscribeMethod(channel, "unsubscribe"), map[string]interface{}{"channels": []string{channel}}, isPrivateChannel(channel))
	return err
}

// RemoveCallback drops a single registration. The exchange keeps streaming
// the channel until Unsubscribe.
func (s *Session) RemoveCallback(h subscription.Handle) bool {
	return s.registry.Remove(h)
}

// EnableHeartbeat asks the exchange to send heartbeats every interval.
// test_request heartbeats are answered automatically.
func (s *Session) EnableHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval < MinHeartbeatInterval {
		return errors.Errorf("heartbeat interval %s below minimum %s", interval, MinHeartbeatInterval)
	}
	params := map[string]interface{}{"interval": int(interval / time.Second)}
	_, err := s.call(ctx, "setHeartbeat", "public/set_heartbeat", params, false)
	return err
}

// Test sends public/test and returns the server version.
func (s *Session) Test(ctx context.Context) (string, error) {
	raw, err := s.call(ctx, "test", "public/test", nil, false)
	if err != nil {
		return "", err
	}
	var res struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", errors.Wrap(err, "decode test result")
	}
	return res.Version, nil
}
