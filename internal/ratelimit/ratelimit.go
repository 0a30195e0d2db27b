// ABOUTME: Per-user token bucket rate limiter built on golang.org/x/time/rate
// ABOUTME: Refill is computed lazily at each check; idle full buckets are reclaimed by Sweep

package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-gatekeeper/internal/userlock"
)

// ErrRateLimited is matched by LimitedError via errors.Is.
var ErrRateLimited = errors.New("rate limited")

// LimitedError carries the suggested wait before retrying.
type LimitedError struct {
	RetryAfter    time.Duration
	Unsatisfiable bool
}

func (e *LimitedError) Error() string {
	if e.Unsatisfiable {
		return "rate limited: cost exceeds bucket capacity"
	}
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// Is reports ErrRateLimited equivalence.
func (e *LimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Config configures the limiter.
type Config struct {
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
	IdleTTL           time.Duration // 0 means 10 × Window
	Now               func() time.Time
}

// Result is the outcome of TryConsume.
type Result struct {
	Allowed       bool
	RetryAfter    time.Duration
	Remaining     float64 // tokens left after the decision
	Unsatisfiable bool    // cost can never fit in the bucket
}

// Err returns a *LimitedError for denials and nil otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &LimitedError{RetryAfter: r.RetryAfter, Unsatisfiable: r.Unsatisfiable}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one bucket per user.
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	locks   *userlock.Table

	mu      sync.Mutex // guards buckets map only
	buckets map[string]*bucket
}

// New validates cfg and creates a Limiter. locks is the per-user lock table
// shared with the session manager; nil allocates a private one.
func New(cfg Config, locks *userlock.Table) (*Limiter, error) {
	if cfg.RequestsPerWindow <= 0 {
		return nil, fmt.Errorf("requests_per_window must be positive, got %d", cfg.RequestsPerWindow)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", cfg.Window)
	}
	if cfg.Burst <= 0 {
		return nil, fmt.Errorf("burst must be positive, got %d", cfg.Burst)
	}
	if cfg.IdleTTL < 0 {
		return nil, fmt.Errorf("idle_ttl must not be negative, got %s", cfg.IdleTTL)
	}

	idle := cfg.IdleTTL
	if idle == 0 {
		idle = 10 * cfg.Window
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if locks == nil {
		locks = userlock.New()
	}

	return &Limiter{
		limit:   rate.Limit(float64(cfg.RequestsPerWindow) / cfg.Window.Seconds()),
		burst:   cfg.Burst,
		idleTTL: idle,
		now:     now,
		locks:   locks,
		buckets: make(map[string]*bucket),
	}, nil
}

// getBucket returns the user's bucket, creating a full one. Caller holds the user lock.
func (l *Limiter) getBucket(userID string, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	return b
}

// TryConsume takes cost tokens from the user's bucket if available.
// cost below 1 counts as 1; cost above the burst is never satisfiable.
func (l *Limiter) TryConsume(userID string, cost int) Result {
	if cost < 1 {
		cost = 1
	}

	unlock := l.locks.Lock(userID)
	defer unlock()

	now := l.now()
	b := l.getBucket(userID, now)

	if cost > l.burst {
		return Result{Remaining: b.lim.TokensAt(now), Unsatisfiable: true}
	}

	if b.lim.AllowN(now, cost) {
		return Result{Allowed: true, Remaining: b.lim.TokensAt(now)}
	}

	tokens := b.lim.TokensAt(now)
	return Result{
		RetryAfter: l.retryAfter(float64(cost) - tokens),
		Remaining:  tokens,
	}
}

// retryAfter converts a token deficit to a wait, rounded up to the millisecond.
func (l *Limiter) retryAfter(deficit float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	secs := deficit / float64(l.limit)
	ms := math.Ceil(secs*1000 - 1e-6)
	return time.Duration(ms) * time.Millisecond
}

// Tokens reports the user's current token count without consuming.
func (l *Limiter) Tokens(userID string) float64 {
	unlock := l.locks.Lock(userID)
	defer unlock()

	l.mu.Lock()
	b, ok := l.buckets[userID]
	l.mu.Unlock()
	if !ok {
		return float64(l.burst)
	}
	return b.lim.TokensAt(l.now())
}

// Len reports how many buckets are held.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep drops buckets idle longer than the idle TTL that have refilled to
// capacity, so a dropped bucket is indistinguishable from a new one.
// It returns the number of buckets removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	var candidates []string
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			candidates = append(candidates, id)
		}
	}
	l.mu.Unlock()

	removed := 0
	for _, id := range candidates {
		unlock := l.locks.Lock(id)
		l.mu.Lock()
		b, ok := l.buckets[id]
		if ok && now.Sub(b.lastSeen) > l.idleTTL && b.lim.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, id)
			removed++
		}
		l.mu.Unlock()
		unlock()
	}
	return removed
}
