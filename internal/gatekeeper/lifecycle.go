// ABOUTME: Audited session lifecycle operations reported by the backend and transport layers
// ABOUTME: Turn costs, terminations and evictions all land in the audit trail

package gatekeeper

import (
	"context"
	"errors"

	"github.com/2389/coven-gatekeeper/internal/metrics"
	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/session"
	"github.com/2389/coven-gatekeeper/internal/store"
)

// RecordTurn charges a completed turn to its session and audits the outcome.
// A turn rejected by the ceiling is audited as a deny with budget_exceeded.
// The usage record is persisted after the audit entry is queued.
func (g *Gatekeeper) RecordTurn(ctx context.Context, sessionID string, cost money.Amount) (session.Session, error) {
	owner, err := g.sessions.Get(sessionID)
	if err != nil {
		return owner, err
	}

	unlock := g.lockOrder(owner.UserID)
	sess, err := g.sessions.Charge(sessionID, cost)
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrInvalidCost) {
		unlock()
		return sess, err
	}

	e := store.AuditEntry{
		UserID:          sess.UserID,
		Action:          store.AuditRecordTurn,
		SessionID:       sessionID,
		Cost:            cost,
		RemainingBudget: g.remaining(sess.UserID),
		Detail:          map[string]any{"turn": sess.TurnCount, "status": string(sess.Status)},
	}
	if errors.Is(err, session.ErrBudgetExceeded) {
		e.Decision = store.DecisionDeny
		e.Reason = string(ReasonBudgetExceeded)
	} else if err == nil {
		e.Decision = store.DecisionAllow
		g.metrics.CostRecorded(cost)
	}
	g.write(e)
	unlock()

	if err != nil {
		return sess, err
	}
	if ferr := g.sessions.Flush(ctx, sess.UserID); ferr != nil {
		g.logger.Warn("spend not persisted, will retry", "user_id", sess.UserID, "session_id", sessionID, "error", ferr)
	}
	return sess, nil
}

// Terminate ends a session and audits it. Closed sessions are left alone.
func (g *Gatekeeper) Terminate(sessionID string) error {
	before, err := g.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	unlock := g.lockOrder(before.UserID)
	defer unlock()

	if err := g.sessions.Terminate(sessionID); err != nil {
		return err
	}
	if before.Active() {
		g.write(store.AuditEntry{
			UserID:    before.UserID,
			Action:    store.AuditTerminateSession,
			SessionID: sessionID,
			Cost:      before.AccumulatedCost,
			Detail:    map[string]any{"turns": before.TurnCount},
		})
	}
	return nil
}

// EvictionRecorder returns a session.Config OnEvict hook that audits and
// counts LRU evictions. It is built before the Gatekeeper because the
// session manager needs it at construction.
func EvictionRecorder(audit Auditor, m *metrics.Metrics) func(session.Session) {
	return func(s session.Session) {
		m.SessionEvicted()
		if audit == nil {
			return
		}
		if _, err := audit.Record(store.AuditEntry{
			UserID:    s.UserID,
			Action:    store.AuditSessionEvicted,
			SessionID: s.ID,
			Cost:      s.AccumulatedCost,
			Detail:    map[string]any{"turns": s.TurnCount},
		}); err != nil {
			m.AuditFailure("dropped")
		}
	}
}
