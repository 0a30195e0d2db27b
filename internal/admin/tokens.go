// ABOUTME: Admin handlers for access token management
// ABOUTME: Issue returns the plaintext exactly once; list and revoke work by token ID

package admin

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/coven-gatekeeper/internal/identity"
	"github.com/2389/coven-gatekeeper/internal/store"
)

// IssueTokenRequest is the JSON body for POST /api/admin/tokens.
type IssueTokenRequest struct {
	Class     string `json:"class,omitempty"`
	TTL       string `json:"ttl,omitempty"` // Go duration, e.g. "72h"
	NoExpiry  bool   `json:"no_expiry,omitempty"`
	SingleUse bool   `json:"single_use,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Note      string `json:"note,omitempty"`
}

// IssueTokenResponse carries the only copy of the plaintext token.
type IssueTokenResponse struct {
	Token     string  `json:"token"`
	ID        string  `json:"id"`
	Class     string  `json:"class"`
	UserID    string  `json:"user_id,omitempty"`
	SingleUse bool    `json:"single_use"`
	ExpiresAt *string `json:"expires_at,omitempty"` // absent for tokens that never expire
}

// TokenResponse describes a stored token.
type TokenResponse struct {
	ID        string  `json:"id"`
	Class     string  `json:"class"`
	UserID    string  `json:"user_id,omitempty"`
	SingleUse bool    `json:"single_use"`
	Usable    bool    `json:"usable"`
	Note      string  `json:"note,omitempty"`
	CreatedAt string  `json:"created_at"`
	ExpiresAt *string `json:"expires_at,omitempty"`
	UsedAt    *string `json:"used_at,omitempty"`
	RevokedAt *string `json:"revoked_at,omitempty"`
}

// ListTokensResponse is the response for GET /api/admin/tokens.
type ListTokensResponse struct {
	Tokens []TokenResponse `json:"tokens"`
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.identity.ListTokens(r.Context())
	if err != nil {
		h.internalError(w, "failed to list tokens", err)
		return
	}

	now := h.now()
	resp := ListTokensResponse{Tokens: make([]TokenResponse, 0, len(tokens))}
	for _, t := range tokens {
		resp.Tokens = append(resp.Tokens, TokenResponse{
			ID:        t.ID,
			Class:     string(t.Class),
			UserID:    t.UserID,
			SingleUse: t.SingleUse,
			Usable:    t.Usable(now),
			Note:      t.Note,
			CreatedAt: formatTime(t.CreatedAt),
			ExpiresAt: formatTimePtr(t.ExpiresAt),
			UsedAt:    formatTimePtr(t.UsedAt),
			RevokedAt: formatTimePtr(t.RevokedAt),
		})
	}
	h.sendJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			h.sendJSONError(w, http.StatusBadRequest, "ttl must be a duration such as 72h")
			return
		}
		ttl = d
	}

	issued, err := h.identity.IssueToken(r.Context(), identity.IssueParams{
		Class:     store.UserClass(req.Class),
		TTL:       ttl,
		NoExpiry:  req.NoExpiry,
		SingleUse: req.SingleUse,
		UserID:    req.UserID,
		Note:      req.Note,
	})
	switch {
	case errors.Is(err, identity.ErrInvalidClass),
		errors.Is(err, identity.ErrInvalidTTL),
		errors.Is(err, identity.ErrInvalidIdentity):
		h.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.internalError(w, "failed to issue token", err)
		return
	}

	detail := map[string]any{
		"token_id":   issued.ID,
		"class":      string(issued.Class),
		"single_use": issued.SingleUse,
	}
	if issued.ExpiresAt != nil {
		detail["expires_at"] = formatTime(*issued.ExpiresAt)
	} else {
		detail["no_expiry"] = true
	}
	h.recordAction(r.Context(), store.AuditIssueToken, issued.UserID, detail)

	h.sendJSON(w, http.StatusCreated, IssueTokenResponse{
		Token:     issued.Token,
		ID:        issued.ID,
		Class:     string(issued.Class),
		UserID:    issued.UserID,
		SingleUse: issued.SingleUse,
		ExpiresAt: formatTimePtr(issued.ExpiresAt),
	})
}

func (h *Handler) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.identity.RevokeToken(r.Context(), id)
	if errors.Is(err, identity.ErrTokenNotFound) {
		h.sendJSONError(w, http.StatusNotFound, "token not found")
		return
	}
	if err != nil {
		h.internalError(w, "failed to revoke token", err)
		return
	}

	h.recordAction(r.Context(), store.AuditRevokeToken, "", map[string]any{"token_id": id})
	w.WriteHeader(http.StatusNoContent)
}
