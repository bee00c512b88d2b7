// Package subscription 维护频道到回调的映射，并按频道顺序投递推送事件
package subscription

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/betbot/deritrader/internal/metrics"
)

var log = logrus.WithField("component", "subscription")

const defaultQueueSize = 1024

// Callback receives the data payload of a push event, unmodified.
// A returned error (or panic) is logged and never reaches the receive loop.
type Callback func(channel string, payload json.RawMessage) error

// Handle identifies one registration.
type Handle struct {
	ID      uuid.UUID
	Channel string
}

type handler struct {
	id uuid.UUID
	cb Callback
}

// channelWorker 每个频道一个 goroutine，保证同频道内按到达顺序回调
type channelWorker struct {
	channel  string
	handlers []handler
	queue    chan json.RawMessage
}

// Registry maps channel names to callbacks. Dispatch never blocks: each
// channel has a bounded queue drained by its own worker.
type Registry struct {
	mu        sync.RWMutex
	channels  map[string]*channelWorker
	queueSize int
}

// NewRegistry creates an empty registry; queueSize <= 0 uses the default.
func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Registry{
		channels:  make(map[string]*channelWorker),
		queueSize: queueSize,
	}
}

// Register appends cb to the channel's callbacks.
func (r *Registry) Register(channel string, cb Callback) Handle {
	h := Handle{ID: uuid.New(), Channel: channel}

	r.mu.Lock()
	w, ok := r.channels[channel]
	if !ok {
		w = &channelWorker{channel: channel, queue: make(chan json.RawMessage, r.queueSize)}
		r.channels[channel] = w
		go r.run(w)
	}
	w.handlers = append(w.handlers, handler{id: h.ID, cb: cb})
	n := len(w.handlers)
	r.mu.Unlock()

	log.Debugf("registered callback %s on %s (%d total)", h.ID, channel, n)
	return h
}

// Remove drops one registration. The channel worker stops when its last
// callback is removed. Returns false for unknown handles.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.channels[h.Channel]
	if !ok {
		return false
	}
	for i, hd := range w.handlers {
		if hd.id != h.ID {
			continue
		}
		w.handlers = append(w.handlers[:i:i], w.handlers[i+1:]...)
		if len(w.handlers) == 0 {
			r.stopLocked(w)
		}
		return true
	}
	return false
}

// Unregister drops every callback of channel and returns how many there were.
func (r *Registry) Unregister(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.channels[channel]
	if !ok {
		return 0
	}
	n := len(w.handlers)
	r.stopLocked(w)
	return n
}

func (r *Registry) stopLocked(w *channelWorker) {
	delete(r.channels, w.channel)
	w.handlers = nil
	// Dispatch 只在读锁下发送，这里持写锁关闭是安全的
	close(w.queue)
}

// Dispatch hands payload to the channel's worker. Returns false when no
// callback is registered or the queue is full (the event is dropped).
func (r *Registry) Dispatch(channel string, payload json.RawMessage) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.channels[channel]
	if !ok {
		log.Debugf("push for unsubscribed channel %s dropped", channel)
		return false
	}
	select {
	case w.queue <- payload:
		metrics.PushEvents.Add(1)
		return true
	default:
		metrics.PushDropped.Add(1)
		log.Warnf("⚠️ channel %s queue full (%d), push dropped", channel, cap(w.queue))
		return false
	}
}

func (r *Registry) run(w *channelWorker) {
	for payload := range w.queue {
		for _, hd := range r.snapshot(w) {
			r.invoke(w.channel, hd, payload)
		}
	}
	log.Debugf("channel %s worker stopped", w.channel)
}

// snapshot 复制回调列表，回调执行时不持锁
func (r *Registry) snapshot(w *channelWorker) []handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]handler, len(w.handlers))
	copy(out, w.handlers)
	return out
}

func (r *Registry) invoke(channel string, hd handler, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CallbackFailures.Add(1)
			log.Errorf("callback %s on %s panic: %v", hd.id, channel, rec)
		}
	}()
	if err := hd.cb(channel, payload); err != nil {
		metrics.CallbackFailures.Add(1)
		log.Errorf("callback %s on %s failed: %v", hd.id, channel, err)
	}
}

// Channels returns the subscribed channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the number of callbacks registered for channel.
func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.channels[channel]; ok {
		return len(w.handlers)
	}
	return 0
}

// Clear removes every registration without waiting for the workers, so it is
// safe to reach from inside a callback. A worker finishes the callback it is
// running and then exits; queued events are discarded.
func (r *Registry) Clear() {
	r.mu.Lock()
	for _, w := range r.channels {
		r.stopLocked(w)
	}
	r.mu.Unlock()
}
