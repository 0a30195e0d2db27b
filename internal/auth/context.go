// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated caller extracted from a request.
type AuthContext struct {
	Subject string // "sub" claim, e.g. "telegram-bridge" or an operator name
	Role    string // RoleService or RoleAdmin
}

// IsAdmin returns true if the caller has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// HasRole reports whether the caller holds one of roles. Admins hold every role.
func (a *AuthContext) HasRole(roles ...string) bool {
	if a == nil {
		return false
	}
	if a.IsAdmin() {
		return true
	}
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
