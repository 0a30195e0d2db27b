// ABOUTME: Session types, errors, and configuration for the per-user session manager
// ABOUTME: Sessions move active -> expired (idle or evicted) or active -> terminated, never back

package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-gatekeeper/internal/money"
)

// Session errors
var (
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	ErrBudgetExceeded       = errors.New("budget exceeded")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionClosed        = errors.New("session closed")
	ErrInvalidCost          = errors.New("invalid cost")
	ErrInvalidUser          = errors.New("invalid user")
	ErrSpendUnavailable     = errors.New("spend unavailable")
)

// Status is a session lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

// Close reasons recorded on non-active sessions.
const (
	CloseIdle       = "idle"
	CloseEvicted    = "evicted"
	CloseTerminated = "terminated"
)

// EvictionPolicy decides what happens when a user is at the session cap.
type EvictionPolicy string

const (
	// EvictLRU expires the least recently active session to make room.
	EvictLRU EvictionPolicy = "lru"
	// EvictReject refuses the new session with ErrSessionLimitExceeded.
	EvictReject EvictionPolicy = "reject"
)

// DefaultClosedRetention is how long closed sessions stay queryable.
const DefaultClosedRetention = time.Hour

// Session is a copy of a session's state. The manager owns the original.
type Session struct {
	ID              string
	UserID          string
	CreatedAt       time.Time
	LastActivity    time.Time
	TurnCount       int
	AccumulatedCost money.Amount
	Status          Status
	ClosedAt        *time.Time
	CloseReason     string
}

// Active reports whether the session can still be used for new work.
func (s Session) Active() bool {
	return s.Status == StatusActive
}

// Duration is the session's age at now, or its lifetime once closed.
func (s Session) Duration(now time.Time) time.Duration {
	if s.ClosedAt != nil {
		return s.ClosedAt.Sub(s.CreatedAt)
	}
	return now.Sub(s.CreatedAt)
}

// Config configures a Manager.
type Config struct {
	MaxSessionsPerUser int
	IdleTimeout        time.Duration
	CostCeiling        money.Amount // 0 means unlimited
	EvictionPolicy     EvictionPolicy
	ClosedRetention    time.Duration // 0 means DefaultClosedRetention
	// OnEvict runs after an LRU eviction, outside any lock. Evicted work is
	// not cancelled; it may still report cost through RecordTurn.
	OnEvict func(Session)
	Now     func() time.Time
}

func (c *Config) validate() error {
	if c.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("max_sessions_per_user must be positive, got %d", c.MaxSessionsPerUser)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.CostCeiling < 0 {
		return fmt.Errorf("cost_ceiling must not be negative, got %s", c.CostCeiling)
	}
	if c.ClosedRetention < 0 {
		return fmt.Errorf("closed_retention must not be negative, got %s", c.ClosedRetention)
	}
	switch c.EvictionPolicy {
	case "", EvictLRU, EvictReject:
	default:
		return fmt.Errorf("unknown eviction policy %q", c.EvictionPolicy)
	}
	return nil
}

// SweepStats summarizes one Sweep pass.
type SweepStats struct {
	Expired      int
	Pruned       int
	Flushed      int
	FlushErrors  int
	UsersDropped int
}
