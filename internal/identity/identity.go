// ABOUTME: IdentityStore deciding whether a user identifier is permitted to use the backend
// ABOUTME: Whitelist first, then access tokens checked against the store of record; fails closed

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/2389/coven-gatekeeper/internal/store"
)

// Identity errors
var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTokenNotFound   = errors.New("token not found")
	ErrInvalidClass    = errors.New("invalid token class")
	ErrInvalidTTL      = errors.New("invalid token ttl")
)

// Reason codes reported in AuthResult.
const (
	ReasonInvalidIdentity = "invalid_identity"
	ReasonUnauthorized    = "unauthorized"
)

// Causes explain a denial internally. They go to logs and audit detail,
// never to the caller.
const (
	CauseStorageUnavailable = "storage_unavailable"
	CauseTokenAuthDisabled  = "token_auth_disabled"
	CauseMissingToken       = "missing_token"
	CauseMalformedToken     = "malformed_token"
	CauseUnknownToken       = "unknown_token"
	CauseSecretMismatch     = "secret_mismatch"
	CauseTokenRevoked       = "token_revoked"
	CauseTokenExpired       = "token_expired"
	CauseTokenUsed          = "token_used"
	CauseTokenUserMismatch  = "token_user_mismatch"
	CauseUserDenied         = "user_denied"
)

// MaxUserIDLen bounds user identifiers in bytes.
const MaxUserIDLen = 128

// Default TTL for tokens: 30 days.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Maximum TTL for tokens: 365 days.
const MaxTokenTTL = 365 * 24 * time.Hour

// Store is the persistence IdentityStore depends on.
type Store interface {
	store.UserStore
	store.TokenStore
}

// Config configures an IdentityStore.
type Config struct {
	Whitelist        []string
	TokenAuthEnabled bool
	Now              func() time.Time
}

// AuthResult is the outcome of Authorize.
type AuthResult struct {
	Allowed bool
	Class   store.UserClass
	Reason  string // empty when allowed
	Cause   string // internal detail for audit
	TokenID string // public token ID when a token was presented
}

// Err maps a denial to its sentinel error; nil when allowed.
func (r AuthResult) Err() error {
	switch {
	case r.Allowed:
		return nil
	case r.Reason == ReasonInvalidIdentity:
		return ErrInvalidIdentity
	default:
		return ErrUnauthorized
	}
}

// IdentityStore answers "who may use the backend".
type IdentityStore struct {
	store            Store
	whitelist        map[string]struct{}
	tokenAuthEnabled bool
	now              func() time.Time
	logger           *slog.Logger
}

// New creates an IdentityStore.
func New(cfg Config, st Store, logger *slog.Logger) *IdentityStore {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, id := range cfg.Whitelist {
		wl[id] = struct{}{}
	}
	return &IdentityStore{
		store:            st,
		whitelist:        wl,
		tokenAuthEnabled: cfg.TokenAuthEnabled,
		now:              now,
		logger:           logger.With("component", "identity"),
	}
}

// ValidateUserID checks that id is non-empty, at most MaxUserIDLen bytes,
// valid UTF-8, and free of whitespace and control characters.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(id) > MaxUserIDLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, MaxUserIDLen)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidIdentity)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidIdentity)
		}
	}
	return nil
}

// Whitelisted reports whether userID is on the configured whitelist.
func (s *IdentityStore) Whitelisted(userID string) bool {
	_, ok := s.whitelist[userID]
	return ok
}

// Authorize decides whether userID may proceed. It never returns an error:
// every failure, including storage failure, resolves to a denial.
func (s *IdentityStore) Authorize(ctx context.Context, userID, presentedToken string) AuthResult {
	return s.authorize(ctx, userID, presentedToken, false)
}

// Reauthorize repeats every check of Authorize for a retried request that
// was already admitted. The one difference: a single-use token that has
// been consumed still passes, since the retry is the use that consumed it.
// Revocation, expiry, bans and user binding all apply.
func (s *IdentityStore) Reauthorize(ctx context.Context, userID, presentedToken string) AuthResult {
	return s.authorize(ctx, userID, presentedToken, true)
}

func (s *IdentityStore) authorize(ctx context.Context, userID, presentedToken string, retry bool) AuthResult {
	if err := ValidateUserID(userID); err != nil {
		return AuthResult{Reason: ReasonInvalidIdentity}
	}

	if s.Whitelisted(userID) {
		if _, err := s.store.TouchUser(ctx, userID, store.ClassWhitelisted, s.now()); err != nil {
			s.logger.Warn("failed to record whitelisted user", "user_id", userID, "error", err)
		}
		return AuthResult{Allowed: true, Class: store.ClassWhitelisted}
	}

	if !s.tokenAuthEnabled {
		return s.deny(userID, "", CauseTokenAuthDisabled)
	}
	if presentedToken == "" {
		return s.deny(userID, "", CauseMissingToken)
	}

	id, secret, err := parseToken(presentedToken)
	if err != nil {
		return s.deny(userID, "", CauseMalformedToken)
	}

	tok, err := s.store.GetToken(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return s.deny(userID, id, CauseUnknownToken)
	}
	if err != nil {
		s.logger.Error("token lookup failed", "user_id", userID, "token_id", id, "error", err)
		return s.deny(userID, id, CauseStorageUnavailable)
	}

	if !secretMatches(secret, tok.SecretHash) {
		return s.deny(userID, id, CauseSecretMismatch)
	}

	now := s.now()
	switch {
	case tok.RevokedAt != nil:
		return s.deny(userID, id, CauseTokenRevoked)
	case tok.ExpiresAt != nil && !now.Before(*tok.ExpiresAt):
		return s.deny(userID, id, CauseTokenExpired)
	case tok.SingleUse && tok.UsedAt != nil && !retry:
		return s.deny(userID, id, CauseTokenUsed)
	case tok.UserID != "" && tok.UserID != userID:
		return s.deny(userID, id, CauseTokenUserMismatch)
	}

	user, err := s.store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.logger.Error("user lookup failed", "user_id", userID, "error", err)
		return s.deny(userID, id, CauseStorageUnavailable)
	case user.Class == store.ClassDenied:
		return s.deny(userID, id, CauseUserDenied)
	}

	if tok.SingleUse && tok.UsedAt == nil {
		ok, err := s.store.ConsumeToken(ctx, id, now)
		if err != nil {
			s.logger.Error("token consume failed", "user_id", userID, "token_id", id, "error", err)
			return s.deny(userID, id, CauseStorageUnavailable)
		}
		if !ok {
			return s.deny(userID, id, CauseTokenUsed)
		}
	}

	class := tok.Class
	if class == "" {
		class = store.ClassToken
	}
	if _, err := s.store.TouchUser(ctx, userID, class, now); err != nil {
		s.logger.Error("failed to record user", "user_id", userID, "error", err)
		return s.deny(userID, id, CauseStorageUnavailable)
	}

	s.logger.Debug("authorized by token", "user_id", userID, "token_id", id)
	return AuthResult{Allowed: true, Class: class, TokenID: id}
}

func (s *IdentityStore) deny(userID, tokenID, cause string) AuthResult {
	s.logger.Debug("authorization denied", "user_id", userID, "token_id", tokenID, "cause", cause)
	return AuthResult{Reason: ReasonUnauthorized, Cause: cause, TokenID: tokenID}
}
