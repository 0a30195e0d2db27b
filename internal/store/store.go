// ABOUTME: Store interface and data types for coven-gatekeeper persistence
// ABOUTME: Defines User, AccessToken, UsageRecord and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-gatekeeper/internal/money"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnavailable wraps driver and connection failures. Callers treat it as
// "the store of record could not answer" and fail closed where required.
var ErrUnavailable = errors.New("store unavailable")

// ErrDuplicateToken is returned when a token ID collides with an existing one
var ErrDuplicateToken = errors.New("token already exists")

// UserClass is the access class of a user or the class a token grants.
type UserClass string

const (
	ClassWhitelisted UserClass = "whitelisted"
	ClassToken       UserClass = "token"
	ClassDenied      UserClass = "denied"
)

// Valid reports whether c is a known class.
func (c UserClass) Valid() bool {
	switch c {
	case ClassWhitelisted, ClassToken, ClassDenied:
		return true
	}
	return false
}

// User is a remote caller known to the gatekeeper. Users are created on first
// successful authorization and never deleted.
type User struct {
	UserID       string
	Class        UserClass
	TotalSpend   money.Amount
	CreatedAt    time.Time
	LastSeenAt   time.Time
	SpendResetAt *time.Time
}

// AccessToken is the stored form of an issued token. The plaintext secret is
// never persisted; only its hash.
type AccessToken struct {
	ID         string
	SecretHash string
	Class      UserClass
	UserID     string // empty: usable by any user
	SingleUse  bool
	ExpiresAt  *time.Time
	UsedAt     *time.Time
	RevokedAt  *time.Time
	Note       string
	CreatedAt  time.Time
}

// Usable reports whether the token can still authorize at now.
func (t *AccessToken) Usable(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	if t.SingleUse && t.UsedAt != nil {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// UsageRecord is one row of the spend ledger, produced per recorded turn.
type UsageRecord struct {
	ID        string
	UserID    string
	SessionID string
	Cost      money.Amount
	CreatedAt time.Time
}

// UserStore persists user records and their accumulated spend.
type UserStore interface {
	// TouchUser creates the user with class if absent and bumps last_seen_at.
	TouchUser(ctx context.Context, userID string, class UserClass, now time.Time) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	ListUsers(ctx context.Context, limit int) ([]*User, error)
	SetUserClass(ctx context.Context, userID string, class UserClass, now time.Time) error
}

// TokenStore persists access tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, tok *AccessToken) error
	GetToken(ctx context.Context, id string) (*AccessToken, error)
	ListTokens(ctx context.Context) ([]*AccessToken, error)
	RevokeToken(ctx context.Context, id string, now time.Time) error
	// ConsumeToken marks a single-use token used. It reports false when another
	// caller consumed or revoked it first.
	ConsumeToken(ctx context.Context, id string, now time.Time) (bool, error)
	DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error)
}

// SpendStore persists the spend ledger.
type SpendStore interface {
	// AddSpend appends rec and increments the user's total in one transaction.
	// Re-adding a record with the same ID is a no-op.
	AddSpend(ctx context.Context, rec *UsageRecord) error
	GetUserSpend(ctx context.Context, userID string) (money.Amount, error)
	ResetSpend(ctx context.Context, userID string, now time.Time) error
	ListUsage(ctx context.Context, userID string, limit int) ([]UsageRecord, error)
}

// AuditStore persists the append-only audit log.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store aggregates every persistence concern of the gatekeeper.
type Store interface {
	UserStore
	TokenStore
	SpendStore
	AuditStore

	// Ping checks the connection for readiness probes
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
