package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tb := NewTokenBucket(10, 3)
	tb.now = func() time.Time { return now }
	tb.lastRefill = now

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "burst exhausted")
	assert.Equal(t, 0, tb.Remaining())

	now = now.Add(150 * time.Millisecond) // 补充 1.5 个
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())

	now = now.Add(time.Hour)
	assert.Equal(t, 3, tb.Remaining(), "never exceeds burst")
}

func TestTokenBucket_WaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(0.001, 1)
	require.NoError(t, tb.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucket_WaitUntilRefill(t *testing.T) {
	tb := NewTokenBucket(100, 1)
	require.True(t, tb.Allow())

	start := time.Now()
	require.NoError(t, tb.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestTokenBucket_Unlimited(t *testing.T) {
	tb := NewTokenBucket(0, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, tb.Allow())
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ClassMatching, ClassOf("private/buy"))
	assert.Equal(t, ClassMatching, ClassOf("private/sell"))
	assert.Equal(t, ClassMatching, ClassOf("private/edit"))
	assert.Equal(t, ClassMatching, ClassOf("private/cancel"))
	assert.Equal(t, ClassNonMatching, ClassOf("public/get_order_book"))
	assert.Equal(t, ClassNonMatching, ClassOf("private/get_positions"))
	assert.Equal(t, ClassNonMatching, ClassOf("public/auth"))
}

func TestManager(t *testing.T) {
	m := NewManager(Limits{MatchingRate: 0.001, MatchingBurst: 1, NonMatchingRate: 0, NonMatchingBurst: 1})

	require.NoError(t, m.Wait(context.Background(), "private/buy"))
	assert.Equal(t, 0, m.Remaining()[ClassMatching], "buy and sell share the matching bucket")
	assert.Equal(t, 1, m.Remaining()[ClassNonMatching])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, m.Wait(ctx, "private/cancel"))

	for i := 0; i < 10; i++ {
		assert.NoError(t, m.Wait(context.Background(), "public/get_order_book"), "non-matching is unlimited")
	}
	assert.Same(t, m.Limiter("private/buy"), m.Limiter("private/cancel"))
}
