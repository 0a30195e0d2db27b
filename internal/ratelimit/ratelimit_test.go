// ABOUTME: Tests for the per-user token bucket limiter
// ABOUTME: Covers burst exhaustion, retry-after math, lazy refill, unsatisfiable cost, and sweeping

package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gatekeeper/internal/userlock"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, rpw, burst int, window time.Duration) (*Limiter, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l, err := New(Config{
		RequestsPerWindow: rpw,
		Window:            window,
		Burst:             burst,
		Now:               clock.Now,
	}, userlock.New())
	require.NoError(t, err)
	return l, clock
}

func TestNew_Validation(t *testing.T) {
	cases := []Config{
		{RequestsPerWindow: 0, Window: time.Minute, Burst: 1},
		{RequestsPerWindow: 1, Window: 0, Burst: 1},
		{RequestsPerWindow: 1, Window: time.Minute, Burst: 0},
		{RequestsPerWindow: 1, Window: time.Minute, Burst: 1, IdleTTL: -time.Second},
	}
	for _, cfg := range cases {
		_, err := New(cfg, nil)
		assert.Error(t, err, "config %+v", cfg)
	}
}

func TestTryConsume_BurstThenRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(t, 10, 20, 60*time.Second)

	for i := 0; i < 20; i++ {
		res := l.TryConsume("alice", 1)
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res := l.TryConsume("alice", 1)
	assert.False(t, res.Allowed)
	assert.False(t, res.Unsatisfiable)
	assert.Equal(t, 6*time.Second, res.RetryAfter)
	assert.InDelta(t, 0, res.Remaining, 1e-9)

	var limited *LimitedError
	require.ErrorAs(t, res.Err(), &limited)
	assert.Equal(t, 6*time.Second, limited.RetryAfter)
	assert.True(t, errors.Is(res.Err(), ErrRateLimited))
}

func TestTryConsume_LazyRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 10, 20, 10*time.Second)

	for i := 0; i < 20; i++ {
		require.True(t, l.TryConsume("alice", 1).Allowed)
	}
	assert.False(t, l.TryConsume("alice", 1).Allowed)

	clock.Advance(time.Second)
	assert.True(t, l.TryConsume("alice", 1).Allowed)
	assert.False(t, l.TryConsume("alice", 1).Allowed)

	clock.Advance(time.Hour)
	assert.InDelta(t, 20, l.Tokens("alice"), 1e-9, "refill caps at burst")
}

func TestTryConsume_PartialDeficit(t *testing.T) {
	l, clock := newTestLimiter(t, 10, 20, 10*time.Second)

	for i := 0; i < 20; i++ {
		require.True(t, l.TryConsume("alice", 1).Allowed)
	}
	clock.Advance(500 * time.Millisecond) // half a token

	res := l.TryConsume("alice", 1)
	assert.False(t, res.Allowed)
	assert.InDelta(t, 0.5, res.Remaining, 1e-9)
	assert.Equal(t, 500*time.Millisecond, res.RetryAfter)
}

func TestTryConsume_CostBelowOneCountsAsOne(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 2, time.Minute)

	assert.True(t, l.TryConsume("alice", 0).Allowed)
	assert.True(t, l.TryConsume("alice", -3).Allowed)
	assert.False(t, l.TryConsume("alice", 0).Allowed)
}

func TestTryConsume_CostAboveBurstUnsatisfiable(t *testing.T) {
	l, _ := newTestLimiter(t, 10, 5, time.Minute)

	res := l.TryConsume("alice", 6)
	assert.False(t, res.Allowed)
	assert.True(t, res.Unsatisfiable)
	assert.Equal(t, time.Duration(0), res.RetryAfter)
	assert.InDelta(t, 5, res.Remaining, 1e-9, "unsatisfiable request must not consume")
}

func TestTryConsume_UsersIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 1, time.Minute)

	assert.True(t, l.TryConsume("alice", 1).Allowed)
	assert.False(t, l.TryConsume("alice", 1).Allowed)
	assert.True(t, l.TryConsume("bob", 1).Allowed)
}

func TestTryConsume_ConcurrentNeverOverdraws(t *testing.T) {
	l, _ := newTestLimiter(t, 10, 20, time.Minute)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := l.TryConsume("alice", 1)
			assert.GreaterOrEqual(t, res.Remaining, 0.0)
			assert.LessOrEqual(t, res.Remaining, 20.0)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, allowed)
	tokens := l.Tokens("alice")
	assert.GreaterOrEqual(t, tokens, 0.0)
	assert.LessOrEqual(t, tokens, 20.0)
}

func TestTokens_UnknownUserIsFull(t *testing.T) {
	l, _ := newTestLimiter(t, 10, 7, time.Minute)
	assert.InDelta(t, 7, l.Tokens("nobody"), 1e-9)
	assert.Equal(t, 0, l.Len())
}

func TestSweep_RemovesOnlyIdleFullBuckets(t *testing.T) {
	l, clock := newTestLimiter(t, 1, 100, time.Minute) // idle TTL 10m, full refill 100m

	require.True(t, l.TryConsume("drained", 100).Allowed)
	require.True(t, l.TryConsume("light", 50).Allowed)

	clock.Advance(11 * time.Minute)
	require.True(t, l.TryConsume("fresh", 1).Allowed)

	removed := l.Sweep()
	assert.Equal(t, 0, removed, "no bucket is full yet")
	assert.Equal(t, 3, l.Len())

	clock.Advance(100 * time.Minute)
	removed = l.Sweep()
	assert.Equal(t, 3, removed)
	assert.Equal(t, 0, l.Len())

	assert.Equal(t, 0, l.Sweep(), "sweep is idempotent")
}

func TestSweep_KeepsRecentlySeen(t *testing.T) {
	l, clock := newTestLimiter(t, 10, 10, time.Minute)

	require.True(t, l.TryConsume("alice", 1).Allowed)
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, l.Sweep())
	assert.Equal(t, 1, l.Len())
}
