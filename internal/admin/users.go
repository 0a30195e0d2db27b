// ABOUTME: Admin handlers for users: listing, detail with spend and sessions, bans and spend resets
// ABOUTME: Detail reads spend through the session manager so unpersisted turns are included

package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/coven-gatekeeper/internal/identity"
	"github.com/2389/coven-gatekeeper/internal/session"
	"github.com/2389/coven-gatekeeper/internal/store"
)

const (
	defaultUserLimit = 100
	maxUserLimit     = 1000
	recentUsageLimit = 20
)

// UserResponse describes a user.
type UserResponse struct {
	UserID       string  `json:"user_id"`
	Class        string  `json:"class"`
	TotalSpend   float64 `json:"total_spend"`
	CreatedAt    string  `json:"created_at"`
	LastSeenAt   string  `json:"last_seen_at"`
	SpendResetAt *string `json:"spend_reset_at,omitempty"`
}

// SessionSummary is a session as shown to operators.
type SessionSummary struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	CloseReason     string  `json:"close_reason,omitempty"`
	TurnCount       int     `json:"turn_count"`
	AccumulatedCost float64 `json:"accumulated_cost"`
	CreatedAt       string  `json:"created_at"`
	LastActivity    string  `json:"last_activity"`
}

// UsageSummary is one persisted turn charge.
type UsageSummary struct {
	SessionID string  `json:"session_id"`
	Cost      float64 `json:"cost"`
	CreatedAt string  `json:"created_at"`
}

// UserDetailResponse is the response for GET /api/admin/users/{id}.
// PendingSpendRecords counts charges not yet persisted; they are included in
// TotalSpend but not in RecentUsage.
type UserDetailResponse struct {
	UserResponse
	RemainingBudget     *float64         `json:"remaining_budget,omitempty"`
	PendingSpendRecords int              `json:"pending_spend_records"`
	Sessions            []SessionSummary `json:"sessions"`
	RecentUsage         []UsageSummary   `json:"recent_usage,omitempty"`
}

// ListUsersResponse is the response for GET /api/admin/users.
type ListUsersResponse struct {
	Users []UserResponse `json:"users"`
}

func userResponse(u *store.User) UserResponse {
	return UserResponse{
		UserID:       u.UserID,
		Class:        string(u.Class),
		TotalSpend:   u.TotalSpend.Float(),
		CreatedAt:    formatTime(u.CreatedAt),
		LastSeenAt:   formatTime(u.LastSeenAt),
		SpendResetAt: formatTimePtr(u.SpendResetAt),
	}
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := defaultUserLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxUserLimit)
	}

	users, err := h.identity.ListUsers(r.Context(), limit)
	if err != nil {
		h.internalError(w, "failed to list users", err)
		return
	}

	resp := ListUsersResponse{Users: make([]UserResponse, 0, len(users))}
	for _, u := range users {
		resp.Users = append(resp.Users, userResponse(u))
	}
	h.sendJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	u, err := h.identity.GetUser(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		h.sendJSONError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.internalError(w, "failed to get user", err)
		return
	}

	resp := UserDetailResponse{UserResponse: userResponse(u), Sessions: []SessionSummary{}}

	spend, err := h.sessions.Spend(r.Context(), userID)
	if err != nil {
		h.internalError(w, "failed to read spend", err)
		return
	}
	resp.TotalSpend = spend.Float()
	if remaining, ok := h.sessions.RemainingBudget(userID); ok {
		v := remaining.Float()
		resp.RemainingBudget = &v
	}
	resp.PendingSpendRecords = h.sessions.PendingSpend(userID)

	for _, s := range h.sessions.UserSessions(userID) {
		resp.Sessions = append(resp.Sessions, SessionSummary{
			ID:              s.ID,
			Status:          string(s.Status),
			CloseReason:     s.CloseReason,
			TurnCount:       s.TurnCount,
			AccumulatedCost: s.AccumulatedCost.Float(),
			CreatedAt:       formatTime(s.CreatedAt),
			LastActivity:    formatTime(s.LastActivity),
		})
	}

	if h.usage != nil {
		records, err := h.usage.ListUsage(r.Context(), userID, recentUsageLimit)
		if err != nil {
			h.internalError(w, "failed to list usage", err)
			return
		}
		for _, rec := range records {
			resp.RecentUsage = append(resp.RecentUsage, UsageSummary{
				SessionID: rec.SessionID,
				Cost:      rec.Cost.Float(),
				CreatedAt: formatTime(rec.CreatedAt),
			})
		}
	}
	h.sendJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleResetSpend(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := identity.ValidateUserID(userID); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	previous, err := h.sessions.Spend(r.Context(), userID)
	if err != nil {
		h.internalError(w, "failed to read spend", err)
		return
	}
	err = h.sessions.ResetSpend(r.Context(), userID)
	if errors.Is(err, session.ErrInvalidUser) {
		h.sendJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err != nil {
		h.internalError(w, "failed to reset spend", err)
		return
	}

	h.recordAction(r.Context(), store.AuditResetSpend, userID, map[string]any{
		"previous_spend": previous.Float(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDenyUser(w http.ResponseWriter, r *http.Request) {
	h.setClass(w, r, h.identity.DenyUser, store.AuditDenyUser)
}

func (h *Handler) handleAllowUser(w http.ResponseWriter, r *http.Request) {
	h.setClass(w, r, h.identity.AllowUser, store.AuditAllowUser)
}

func (h *Handler) setClass(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, userID string) error, action store.AuditAction) {
	userID := r.PathValue("id")
	err := apply(r.Context(), userID)
	if errors.Is(err, identity.ErrInvalidIdentity) {
		h.sendJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err != nil {
		h.internalError(w, "failed to change user class", err)
		return
	}

	h.recordAction(r.Context(), action, userID, nil)
	w.WriteHeader(http.StatusNoContent)
}
