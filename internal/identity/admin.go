// ABOUTME: Administrative identity operations: token issue/revoke/list/sweep and user bans
// ABOUTME: Plaintext tokens are returned once from IssueToken and never stored or logged

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-gatekeeper/internal/store"
)

// IssueParams describes a token to issue.
type IssueParams struct {
	Class     store.UserClass // defaults to token; denied is rejected
	TTL       time.Duration   // 0 means DefaultTokenTTL
	NoExpiry  bool            // issue a token that never expires; TTL must be 0
	SingleUse bool
	UserID    string // optional binding
	Note      string
}

// IssuedToken is returned once at issue time.
type IssuedToken struct {
	Token     string // plaintext; show it to the operator and drop it
	ID        string
	Class     store.UserClass
	UserID    string
	SingleUse bool
	ExpiresAt *time.Time // nil for tokens that never expire
}

// IssueToken creates and stores a new access token.
func (s *IdentityStore) IssueToken(ctx context.Context, p IssueParams) (IssuedToken, error) {
	class := p.Class
	if class == "" {
		class = store.ClassToken
	}
	if class != store.ClassToken && class != store.ClassWhitelisted {
		return IssuedToken{}, fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}

	ttl := p.TTL
	switch {
	case p.NoExpiry && ttl != 0:
		return IssuedToken{}, fmt.Errorf("%w: a ttl cannot be combined with no expiry", ErrInvalidTTL)
	case p.NoExpiry:
	case ttl < 0:
		return IssuedToken{}, fmt.Errorf("%w: negative", ErrInvalidTTL)
	case ttl == 0:
		ttl = DefaultTokenTTL
	case ttl > MaxTokenTTL:
		return IssuedToken{}, fmt.Errorf("%w: exceeds maximum of %s", ErrInvalidTTL, MaxTokenTTL)
	}

	if p.UserID != "" {
		if err := ValidateUserID(p.UserID); err != nil {
			return IssuedToken{}, err
		}
	}

	id, secret, plaintext, err := generateToken()
	if err != nil {
		return IssuedToken{}, err
	}

	now := s.now().UTC()
	var expiresAt *time.Time
	if !p.NoExpiry {
		at := now.Add(ttl)
		expiresAt = &at
	}
	tok := &store.AccessToken{
		ID:         id,
		SecretHash: hashSecret(secret),
		Class:      class,
		UserID:     p.UserID,
		SingleUse:  p.SingleUse,
		ExpiresAt:  expiresAt,
		Note:       p.Note,
		CreatedAt:  now,
	}
	if err := s.store.CreateToken(ctx, tok); err != nil {
		return IssuedToken{}, fmt.Errorf("storing token: %w", err)
	}

	s.logger.Info("issued token",
		"token_id", id,
		"class", class,
		"single_use", p.SingleUse,
		"bound_user", p.UserID,
		"expires_at", expiresAt,
	)

	return IssuedToken{
		Token:     plaintext,
		ID:        id,
		Class:     class,
		UserID:    p.UserID,
		SingleUse: p.SingleUse,
		ExpiresAt: expiresAt,
	}, nil
}

// RevokeToken revokes a token. The store update completes before return, and
// Authorize always reads the store, so the next check observes it.
func (s *IdentityStore) RevokeToken(ctx context.Context, tokenID string) error {
	err := s.store.RevokeToken(ctx, tokenID, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	s.logger.Info("revoked token", "token_id", tokenID)
	return nil
}

// ListTokens returns stored tokens, newest first.
func (s *IdentityStore) ListTokens(ctx context.Context) ([]*store.AccessToken, error) {
	return s.store.ListTokens(ctx)
}

// SweepTokens deletes tokens that can no longer authorize.
func (s *IdentityStore) SweepTokens(ctx context.Context) (int64, error) {
	return s.store.DeleteStaleTokens(ctx, s.now())
}

// DenyUser bans a user; token authorization fails until AllowUser.
func (s *IdentityStore) DenyUser(ctx context.Context, userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	if s.Whitelisted(userID) {
		s.logger.Warn("denying whitelisted user has no effect while whitelisted", "user_id", userID)
	}
	return s.store.SetUserClass(ctx, userID, store.ClassDenied, s.now())
}

// AllowUser lifts a ban, restoring class token.
func (s *IdentityStore) AllowUser(ctx context.Context, userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}
	return s.store.SetUserClass(ctx, userID, store.ClassToken, s.now())
}

// GetUser returns the stored user record.
func (s *IdentityStore) GetUser(ctx context.Context, userID string) (*store.User, error) {
	return s.store.GetUser(ctx, userID)
}

// ListUsers returns stored users ordered by ID.
func (s *IdentityStore) ListUsers(ctx context.Context, limit int) ([]*store.User, error) {
	return s.store.ListUsers(ctx, limit)
}
