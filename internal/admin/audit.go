// ABOUTME: Admin handler for querying the audit log with time, user, action and outcome filters
// ABOUTME: Query parameters map onto store.AuditFilter; results are newest first

package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-gatekeeper/internal/store"
)

// AuditEntryResponse is one audit log entry.
type AuditEntryResponse struct {
	ID              string         `json:"id"`
	Timestamp       string         `json:"timestamp"`
	UserID          string         `json:"user_id"`
	Action          string         `json:"action"`
	Decision        string         `json:"decision,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	Cost            float64        `json:"cost,omitempty"`
	RemainingBudget *float64       `json:"remaining_budget,omitempty"`
	RemainingTokens *float64       `json:"remaining_tokens,omitempty"`
	Detail          map[string]any `json:"detail,omitempty"`
}

// ListAuditResponse is the response for GET /api/admin/audit.
type ListAuditResponse struct {
	Entries []AuditEntryResponse `json:"entries"`
}

// auditFilter parses query parameters. It returns a message on bad input.
func auditFilter(r *http.Request) (store.AuditFilter, string) {
	q := r.URL.Query()
	var f store.AuditFilter

	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := q.Get(p.key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, p.key + " must be an RFC3339 time"
			}
			*p.dst = &t
		}
	}

	if v := q.Get("user_id"); v != "" {
		f.UserID = &v
	}
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		f.Action = &action
	}
	if v := q.Get("decision"); v != "" {
		f.Decision = &v
	}
	if v := q.Get("reason"); v != "" {
		f.Reason = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, "limit must be a positive integer"
		}
		f.Limit = n
	}
	return f, ""
}

func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	f, msg := auditFilter(r)
	if msg != "" {
		h.sendJSONError(w, http.StatusBadRequest, msg)
		return
	}

	entries, err := h.audit.List(r.Context(), f)
	if err != nil {
		h.internalError(w, "failed to list audit log", err)
		return
	}

	resp := ListAuditResponse{Entries: make([]AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		out := AuditEntryResponse{
			ID:              e.ID,
			Timestamp:       e.Timestamp.UTC().Format(time.RFC3339Nano),
			UserID:          e.UserID,
			Action:          string(e.Action),
			Decision:        e.Decision,
			Reason:          e.Reason,
			SessionID:       e.SessionID,
			Cost:            e.Cost.Float(),
			RemainingTokens: e.RemainingTokens,
			Detail:          e.Detail,
		}
		if e.RemainingBudget != nil {
			v := e.RemainingBudget.Float()
			out.RemainingBudget = &v
		}
		resp.Entries = append(resp.Entries, out)
	}
	h.sendJSON(w, http.StatusOK, resp)
}
