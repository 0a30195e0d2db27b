// ABOUTME: JSON request and response bodies for the admission and session endpoints
// ABOUTME: Costs travel as dollar floats and are converted to micro-dollars at the edge

package api

import (
	"time"

	"github.com/2389/coven-gatekeeper/internal/gatekeeper"
	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/session"
)

// AdmitRequest is the JSON request body for POST /api/admit.
type AdmitRequest struct {
	UserID        string  `json:"user_id"`
	Token         string  `json:"token,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	RequestID     string  `json:"request_id,omitempty"`
	NewSession    bool    `json:"new_session,omitempty"`
}

// AdmitResponse is the JSON response for POST /api/admit.
type AdmitResponse struct {
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason,omitempty"`
	Message         string   `json:"message"`
	RetryAfterMs    int64    `json:"retry_after_ms,omitempty"`
	SessionID       string   `json:"session_id,omitempty"`
	Class           string   `json:"class,omitempty"`
	RemainingBudget *float64 `json:"remaining_budget,omitempty"`
	RemainingTokens float64  `json:"remaining_tokens"`
	Replayed        bool     `json:"replayed,omitempty"`
	AuditID         string   `json:"audit_id,omitempty"`
}

// RecordTurnRequest is the JSON request body for POST /api/sessions/{id}/turns.
type RecordTurnRequest struct {
	Cost float64 `json:"cost"`
}

// SessionResponse describes one session.
type SessionResponse struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
	LastActivity    string  `json:"last_activity"`
	ClosedAt        *string `json:"closed_at,omitempty"`
	CloseReason     string  `json:"close_reason,omitempty"`
	TurnCount       int     `json:"turn_count"`
	AccumulatedCost float64 `json:"accumulated_cost"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewAdmitResponse converts a decision for the wire.
func NewAdmitResponse(d gatekeeper.Decision) AdmitResponse {
	resp := AdmitResponse{
		Allowed:         d.Allowed,
		Reason:          string(d.Reason),
		Message:         d.Reason.Message(),
		RetryAfterMs:    d.RetryAfter.Milliseconds(),
		SessionID:       d.SessionID,
		Class:           string(d.Class),
		RemainingTokens: d.RemainingTokens,
		Replayed:        d.Replayed,
		AuditID:         d.AuditID,
	}
	if d.RemainingBudget != nil {
		v := d.RemainingBudget.Float()
		resp.RemainingBudget = &v
	}
	return resp
}

// NewSessionResponse converts a session for the wire.
func NewSessionResponse(s session.Session, now time.Time) SessionResponse {
	resp := SessionResponse{
		ID:              s.ID,
		UserID:          s.UserID,
		Status:          string(s.Status),
		CreatedAt:       s.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity:    s.LastActivity.UTC().Format(time.RFC3339),
		CloseReason:     s.CloseReason,
		TurnCount:       s.TurnCount,
		AccumulatedCost: s.AccumulatedCost.Float(),
		DurationSeconds: s.Duration(now).Seconds(),
	}
	if s.ClosedAt != nil {
		closed := s.ClosedAt.UTC().Format(time.RFC3339)
		resp.ClosedAt = &closed
	}
	return resp
}

// costFromFloat converts a wire cost, rejecting negatives and non-finite values.
func costFromFloat(v float64) (money.Amount, bool) {
	if v < 0 || v != v || v > 1e9 {
		return 0, false
	}
	return money.Dollars(v), true
}
