// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token, verifies it, and gates routes by role

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware verifies the bearer JWT and adds the caller to the
// request context. logger may be nil.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				if logger != nil {
					logger.Warn("auth failure", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", err)
				}
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			authCtx := &AuthContext{Subject: claims.Subject, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// NoAuthMiddleware injects an anonymous admin caller. It is used when no
// jwt secret is configured.
func NoAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := &AuthContext{Subject: "anonymous", Role: RoleAdmin}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireRole rejects callers that hold none of roles. Admins pass every check.
// Must be used after HTTPAuthMiddleware or NoAuthMiddleware.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !authCtx.HasRole(roles...) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdminHTTP is RequireRole(RoleAdmin).
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return RequireRole(RoleAdmin)
}
