// ABOUTME: HTTP handlers for admission and session lifecycle reporting
// ABOUTME: Routes are registered on a Go 1.22 ServeMux behind caller authentication

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-gatekeeper/internal/gatekeeper"
	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Gatekeeper is the admission surface the handlers drive.
type Gatekeeper interface {
	Admit(ctx context.Context, req gatekeeper.Request) gatekeeper.Decision
	RecordTurn(ctx context.Context, sessionID string, cost money.Amount) (session.Session, error)
	Terminate(sessionID string) error
}

// SessionReader looks up sessions.
type SessionReader interface {
	Get(sessionID string) (session.Session, error)
}

// Handler serves the transport and backend endpoints.
type Handler struct {
	gk       Gatekeeper
	sessions SessionReader
	now      func() time.Time
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(gk Gatekeeper, sessions SessionReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gk:       gk,
		sessions: sessions,
		now:      time.Now,
		logger:   logger.With("component", "api"),
	}
}

// Register adds the routes to mux, each wrapped by mw.
func (h *Handler) Register(mux *http.ServeMux, mw func(http.Handler) http.Handler) {
	if mw == nil {
		mw = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /api/admit", mw(http.HandlerFunc(h.handleAdmit)))
	mux.Handle("GET /api/sessions/{id}", mw(http.HandlerFunc(h.handleGetSession)))
	mux.Handle("POST /api/sessions/{id}/turns", mw(http.HandlerFunc(h.handleRecordTurn)))
	mux.Handle("DELETE /api/sessions/{id}", mw(http.HandlerFunc(h.handleTerminate)))
}

// handleAdmit handles POST /api/admit. Denials answer 200 with the decision.
func (h *Handler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cost, ok := costFromFloat(req.EstimatedCost)
	if !ok {
		h.sendJSONError(w, http.StatusBadRequest, "estimated_cost must be a non-negative number")
		return
	}

	d := h.gk.Admit(r.Context(), gatekeeper.Request{
		UserID:        req.UserID,
		Token:         req.Token,
		EstimatedCost: cost,
		RequestID:     req.RequestID,
		NewSession:    req.NewSession,
	})

	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt((d.RetryAfter.Milliseconds()+999)/1000, 10))
	}
	h.sendJSON(w, http.StatusOK, NewAdmitResponse(d))
}

// handleGetSession handles GET /api/sessions/{id}.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		h.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get session", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.sendJSON(w, http.StatusOK, NewSessionResponse(s, h.now()))
}

// handleRecordTurn handles POST /api/sessions/{id}/turns.
func (h *Handler) handleRecordTurn(w http.ResponseWriter, r *http.Request) {
	var req RecordTurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cost, ok := costFromFloat(req.Cost)
	if !ok {
		h.sendJSONError(w, http.StatusBadRequest, "cost must be a non-negative number")
		return
	}

	s, err := h.gk.RecordTurn(r.Context(), r.PathValue("id"), cost)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		h.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidCost):
		h.sendJSONError(w, http.StatusBadRequest, "cost must be a non-negative number")
	case errors.Is(err, session.ErrBudgetExceeded):
		h.send(w, http.StatusPaymentRequired, ErrorResponse{
			Error:   string(gatekeeper.ReasonBudgetExceeded),
			Message: gatekeeper.ReasonBudgetExceeded.Message(),
		})
	case err != nil:
		h.logger.Error("failed to record turn", "session_id", r.PathValue("id"), "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		h.sendJSON(w, http.StatusOK, NewSessionResponse(s, h.now()))
	}
}

// handleTerminate handles DELETE /api/sessions/{id}. Repeats are no-ops.
func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	err := h.gk.Terminate(r.PathValue("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		h.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to terminate session", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, v any) {
	h.send(w, status, v)
}

func (h *Handler) sendJSONError(w http.ResponseWriter, status int, msg string) {
	h.send(w, status, ErrorResponse{Error: msg})
}

func (h *Handler) send(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}
