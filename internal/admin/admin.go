// ABOUTME: Admin handler wiring: dependencies, route registration, and JSON helpers
// ABOUTME: Routes are wrapped by caller authentication and an admin role check

package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/coven-gatekeeper/internal/auth"
	"github.com/2389/coven-gatekeeper/internal/identity"
	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/session"
	"github.com/2389/coven-gatekeeper/internal/store"
)

const maxBodyBytes = 64 << 10

// Identity is the identity store surface the handlers use.
type Identity interface {
	IssueToken(ctx context.Context, p identity.IssueParams) (identity.IssuedToken, error)
	RevokeToken(ctx context.Context, tokenID string) error
	ListTokens(ctx context.Context) ([]*store.AccessToken, error)
	DenyUser(ctx context.Context, userID string) error
	AllowUser(ctx context.Context, userID string) error
	GetUser(ctx context.Context, userID string) (*store.User, error)
	ListUsers(ctx context.Context, limit int) ([]*store.User, error)
}

// Sessions is the session manager surface the handlers use.
type Sessions interface {
	UserSessions(userID string) []session.Session
	Spend(ctx context.Context, userID string) (money.Amount, error)
	ResetSpend(ctx context.Context, userID string) error
	RemainingBudget(userID string) (money.Amount, bool)
	PendingSpend(userID string) int
}

// UsageReader lists persisted usage records.
type UsageReader interface {
	ListUsage(ctx context.Context, userID string, limit int) ([]store.UsageRecord, error)
}

// AuditLog records admin actions and answers audit queries.
type AuditLog interface {
	Record(e store.AuditEntry) (string, error)
	List(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error)
}

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	ExpiredSessions    int   `json:"expired_sessions"`
	PrunedSessions     int   `json:"pruned_sessions"`
	SpendFlushed       int   `json:"spend_flushed"`
	SpendFlushErrors   int   `json:"spend_flush_errors"`
	UsersDropped       int   `json:"users_dropped"`
	RateBucketsDropped int   `json:"rate_buckets_dropped"`
	TokensDeleted      int64 `json:"tokens_deleted"`
}

// Sweeper runs a maintenance pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// Deps holds the components the admin handlers operate on. Usage is
// optional; without it user detail omits recent usage.
type Deps struct {
	Identity Identity
	Sessions Sessions
	Usage    UsageReader
	Audit    AuditLog
	Sweeper  Sweeper
}

// Handler serves the admin endpoints.
type Handler struct {
	identity Identity
	sessions Sessions
	usage    UsageReader
	audit    AuditLog
	sweeper  Sweeper
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Handler.
func New(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		identity: deps.Identity,
		sessions: deps.Sessions,
		usage:    deps.Usage,
		audit:    deps.Audit,
		sweeper:  deps.Sweeper,
		now:      time.Now,
		logger:   logger.With("component", "admin"),
	}
}

// Register adds the admin routes to mux. authn authenticates the caller;
// the admin role check is applied after it.
func (h *Handler) Register(mux *http.ServeMux, authn func(http.Handler) http.Handler) {
	if authn == nil {
		authn = func(next http.Handler) http.Handler { return next }
	}
	requireAdmin := auth.RequireAdminHTTP()
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authn(requireAdmin(fn)))
	}

	route("GET /api/admin/tokens", h.handleListTokens)
	route("POST /api/admin/tokens", h.handleIssueToken)
	route("DELETE /api/admin/tokens/{id}", h.handleRevokeToken)

	route("GET /api/admin/users", h.handleListUsers)
	route("GET /api/admin/users/{id}", h.handleGetUser)
	route("POST /api/admin/users/{id}/reset-spend", h.handleResetSpend)
	route("POST /api/admin/users/{id}/deny", h.handleDenyUser)
	route("POST /api/admin/users/{id}/allow", h.handleAllowUser)

	route("GET /api/admin/audit", h.handleListAudit)
	route("POST /api/admin/sweep", h.handleSweep)
}

// actor names the authenticated operator for audit detail.
func actor(ctx context.Context) string {
	if a := auth.FromContext(ctx); a != nil {
		return a.Subject
	}
	return ""
}

// recordAction appends an admin audit entry. Audit failure never fails the
// action; it is logged.
func (h *Handler) recordAction(ctx context.Context, action store.AuditAction, userID string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["actor"] = actor(ctx)
	if _, err := h.audit.Record(store.AuditEntry{
		UserID: userID,
		Action: action,
		Detail: detail,
	}); err != nil {
		h.logger.Error("failed to audit admin action", "action", action, "user_id", userID, "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

func (h *Handler) sendJSONError(w http.ResponseWriter, status int, msg string) {
	h.sendJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
}
