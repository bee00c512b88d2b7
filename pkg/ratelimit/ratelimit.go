package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
	Remaining() int
}

// TokenBucket 令牌桶：容量 burst，每秒补充 rate 个
type TokenBucket struct {
	burst      float64
	tokens     float64
	rate       float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建满桶。rate <= 0 表示不限速
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	tb := &TokenBucket{
		burst: float64(burst),
		rate:  rate,
		now:   time.Now,
	}
	tb.tokens = tb.burst
	tb.lastRefill = tb.now()
	return tb
}

// refill 按流逝时间补充令牌（允许小数，避免整秒截断）
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	tb.lastRefill = now
}

// Allow 尝试取一个令牌
func (tb *TokenBucket) Allow() bool {
	if tb.rate <= 0 {
		return true
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// reserveWait 返回下一个令牌可用前需要等待的时间
func (tb *TokenBucket) reserveWait() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}

// Wait 阻塞直到取得令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if tb.Allow() {
			return nil
		}
		wait := tb.reserveWait()
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining 当前可用的整令牌数
func (tb *TokenBucket) Remaining() int {
	if tb.rate <= 0 {
		return int(tb.burst)
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return int(tb.tokens)
}

// 交易所按撮合引擎请求和非撮合请求分别限速
const (
	ClassMatching    = "matching_engine"
	ClassNonMatching = "non_matching_engine"
)

var matchingMethods = map[string]bool{
	"buy":            true,
	"sell":           true,
	"edit":           true,
	"cancel":         true,
	"cancel_all":     true,
	"close_position": true,
}

// ClassOf 返回方法所属的限速类别，例如 private/buy -> matching_engine
func ClassOf(method string) string {
	name := method
	if i := strings.LastIndexByte(method, '/'); i >= 0 {
		name = method[i+1:]
	}
	if matchingMethods[name] {
		return ClassMatching
	}
	return ClassNonMatching
}

// Limits 两类请求的速率与突发
type Limits struct {
	MatchingRate     float64
	MatchingBurst    int
	NonMatchingRate  float64
	NonMatchingBurst int
}

// Manager 按类别持有限速器，创建后不再修改
type Manager struct {
	limiters map[string]RateLimiter
}

// NewManager 按 Limits 创建两类令牌桶
func NewManager(l Limits) *Manager {
	return &Manager{
		limiters: map[string]RateLimiter{
			ClassMatching:    NewTokenBucket(l.MatchingRate, l.MatchingBurst),
			ClassNonMatching: NewTokenBucket(l.NonMatchingRate, l.NonMatchingBurst),
		},
	}
}

// Limiter 获取方法对应的限速器
func (m *Manager) Limiter(method string) RateLimiter {
	return m.limiters[ClassOf(method)]
}

// Wait 在发送 method 之前等待配额
func (m *Manager) Wait(ctx context.Context, method string) error {
	if l := m.Limiter(method); l != nil {
		return l.Wait(ctx)
	}
	return nil
}

// Remaining 返回每个类别当前可用的令牌数
func (m *Manager) Remaining() map[string]int {
	out := make(map[string]int, len(m.limiters))
	for class, l := range m.limiters {
		out[class] = l.Remaining()
	}
	return out
}
