// ABOUTME: Gatekeeper composes identity, rate limiting and session budget checks into one decision
// ABOUTME: Every decision is audited in per-user order; retried request IDs keep their session

package gatekeeper

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/coven-gatekeeper/internal/dedupe"
	"github.com/2389/coven-gatekeeper/internal/identity"
	"github.com/2389/coven-gatekeeper/internal/metrics"
	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/ratelimit"
	"github.com/2389/coven-gatekeeper/internal/session"
	"github.com/2389/coven-gatekeeper/internal/store"
	"github.com/2389/coven-gatekeeper/internal/userlock"
)

// Authorizer answers identity questions.
type Authorizer interface {
	Authorize(ctx context.Context, userID, presentedToken string) identity.AuthResult
	Reauthorize(ctx context.Context, userID, presentedToken string) identity.AuthResult
}

// Limiter meters request rate per user.
type Limiter interface {
	TryConsume(userID string, cost int) ratelimit.Result
}

// Sessions is the part of the session manager the gatekeeper drives.
type Sessions interface {
	Begin(ctx context.Context, userID string, estimatedCost money.Amount) (session.Session, error)
	BeginNew(ctx context.Context, userID string, estimatedCost money.Amount) (session.Session, error)
	Resume(ctx context.Context, sessionID string, estimatedCost money.Amount) (session.Session, error)
	Charge(sessionID string, costDelta money.Amount) (session.Session, error)
	Flush(ctx context.Context, userID string) error
	Terminate(sessionID string) error
	Get(sessionID string) (session.Session, error)
	RemainingBudget(userID string) (money.Amount, bool)
}

// Auditor accepts audit entries without blocking.
type Auditor interface {
	Record(e store.AuditEntry) (string, error)
}

// Deps wires a Gatekeeper. Metrics and Replay are optional.
type Deps struct {
	Identity Authorizer
	Limiter  Limiter
	Sessions Sessions
	Audit    Auditor
	Metrics  *metrics.Metrics
	Replay   *dedupe.Cache[Decision]
	Now      func() time.Time
}

// Request is one inbound unit of work.
type Request struct {
	UserID        string
	Token         string // presented access token; never logged
	EstimatedCost money.Amount
	RequestID     string // optional; a retry rejoins the session of the original allow
	NewSession    bool   // start a fresh session instead of continuing the current one
}

// Decision is the outcome of Admit. It never carries token values or
// storage error text.
type Decision struct {
	Allowed         bool
	Reason          Reason
	RetryAfter      time.Duration
	SessionID       string
	Class           store.UserClass
	RemainingBudget *money.Amount // nil when unlimited or unknown
	RemainingTokens float64
	Replayed        bool
	AuditID         string
}

// Gatekeeper is the admission orchestrator.
type Gatekeeper struct {
	identity Authorizer
	limiter  Limiter
	sessions Sessions
	audit    Auditor
	metrics  *metrics.Metrics
	replay   *dedupe.Cache[Decision]
	order    *userlock.Table
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Gatekeeper.
func New(deps Deps, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Gatekeeper{
		identity: deps.Identity,
		limiter:  deps.Limiter,
		sessions: deps.Sessions,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		replay:   deps.Replay,
		order:    userlock.New(),
		now:      now,
		logger:   logger.With("component", "gatekeeper"),
	}
}

// Admit decides whether a unit of work may reach the backend. Checks run
// cheapest first: identity, then rate, then session and budget. The final
// decision is always audited; audit failures never change it.
//
// A retry of an allowed request ID is checked again in full and charged
// quota again. It differs from a fresh request only in that a consumed
// single-use token still passes and the original session is resumed.
func (g *Gatekeeper) Admit(ctx context.Context, req Request) Decision {
	start := g.now()

	key := g.replayKey(req)
	var prev *Decision
	if key != "" {
		if d, ok := g.replay.Get(key); ok {
			prev = &d
		}
	}

	var auth identity.AuthResult
	if prev != nil {
		auth = g.identity.Reauthorize(ctx, req.UserID, req.Token)
	} else {
		auth = g.identity.Authorize(ctx, req.UserID, req.Token)
	}

	// Token and user writes are done; everything from here to the audit
	// enqueue is in memory. Holding the user's order lock across both keeps
	// the audit trail in the order the limiter and sessions saw requests.
	unlock := g.lockOrder(req.UserID)
	d, cause := g.decide(ctx, req, auth, prev)
	if d.Allowed && key != "" {
		g.remember(key, prev, d)
	}
	d.AuditID = g.record(req, d, cause)
	unlock()

	if !d.Allowed {
		g.logger.Info("admission denied", "user_id", req.UserID, "reason", d.Reason, "cause", cause)
	}
	g.metrics.ObserveAdmission(d.Allowed, string(d.Reason), d.Replayed, g.now().Sub(start))
	return d
}

func (g *Gatekeeper) lockOrder(userID string) func() {
	if userID == "" {
		return func() {}
	}
	return g.order.Lock(userID)
}

// remember binds the request ID to the session it was admitted into. The
// first binding wins unless the bound session has since closed.
func (g *Gatekeeper) remember(key string, prev *Decision, d Decision) {
	if prev != nil && prev.SessionID != d.SessionID {
		g.replay.Put(key, d)
		return
	}
	g.replay.PutIfAbsent(key, d)
}

// decide runs the checks after identity. cause is internal detail for the
// audit trail.
func (g *Gatekeeper) decide(ctx context.Context, req Request, auth identity.AuthResult, prev *Decision) (Decision, string) {
	if !auth.Allowed {
		reason := ReasonUnauthorized
		if auth.Reason == identity.ReasonInvalidIdentity {
			reason = ReasonInvalidIdentity
		}
		return Decision{Reason: reason}, auth.Cause
	}

	if req.EstimatedCost < 0 {
		return Decision{Reason: ReasonInvalidRequest, Class: auth.Class}, "negative_cost"
	}

	rl := g.limiter.TryConsume(req.UserID, 1)
	if !rl.Allowed {
		cause := ""
		if rl.Unsatisfiable {
			cause = "unsatisfiable"
		}
		return Decision{
			Reason:          ReasonRateLimited,
			RetryAfter:      rl.RetryAfter,
			Class:           auth.Class,
			RemainingTokens: rl.Remaining,
		}, cause
	}

	d := Decision{Class: auth.Class, RemainingTokens: rl.Remaining}

	sess, resumed, err := g.begin(ctx, req, prev)
	if err != nil {
		reason, cause := sessionReason(err)
		d.Reason = reason
		if reason == ReasonStorageUnavailable {
			g.logger.Error("session admission failed", "user_id", req.UserID, "error", err)
		}
		d.RemainingBudget = g.remaining(req.UserID)
		return d, cause
	}

	d.Allowed = true
	d.SessionID = sess.ID
	d.Replayed = resumed
	d.RemainingBudget = g.remaining(req.UserID)
	return d, ""
}

// begin resumes the session a retried request was admitted into, falling
// back to a normal start when that session has closed.
func (g *Gatekeeper) begin(ctx context.Context, req Request, prev *Decision) (session.Session, bool, error) {
	if prev != nil && prev.SessionID != "" {
		sess, err := g.sessions.Resume(ctx, prev.SessionID, req.EstimatedCost)
		if err == nil {
			return sess, true, nil
		}
		if !errors.Is(err, session.ErrSessionClosed) && !errors.Is(err, session.ErrSessionNotFound) {
			return sess, false, err
		}
	}

	begin := g.sessions.Begin
	if req.NewSession && prev == nil {
		begin = g.sessions.BeginNew
	}
	sess, err := begin(ctx, req.UserID, req.EstimatedCost)
	return sess, false, err
}

func sessionReason(err error) (Reason, string) {
	switch {
	case errors.Is(err, session.ErrBudgetExceeded):
		return ReasonBudgetExceeded, ""
	case errors.Is(err, session.ErrSessionLimitExceeded):
		return ReasonSessionLimitExceeded, ""
	case errors.Is(err, session.ErrInvalidUser):
		return ReasonInvalidIdentity, ""
	case errors.Is(err, session.ErrInvalidCost):
		return ReasonInvalidRequest, "negative_cost"
	case errors.Is(err, session.ErrSpendUnavailable):
		return ReasonStorageUnavailable, identity.CauseStorageUnavailable
	default:
		return ReasonStorageUnavailable, "internal"
	}
}

func (g *Gatekeeper) remaining(userID string) *money.Amount {
	r, ok := g.sessions.RemainingBudget(userID)
	if !ok {
		return nil
	}
	return &r
}

// replayKey binds a request ID to its user and presented token so a replay
// cannot borrow another caller's decision.
func (g *Gatekeeper) replayKey(req Request) string {
	if g.replay == nil || req.RequestID == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(req.Token))
	return req.UserID + "\x00" + req.RequestID + "\x00" + hex.EncodeToString(sum[:8])
}

func (g *Gatekeeper) record(req Request, d Decision, cause string) string {
	decision := store.DecisionDeny
	if d.Allowed {
		decision = store.DecisionAllow
	}
	remainingTokens := d.RemainingTokens

	detail := map[string]any{}
	if d.Class != "" {
		detail["class"] = string(d.Class)
	}
	if cause != "" {
		detail["cause"] = cause
	}
	if id := identity.TokenID(req.Token); id != "" {
		detail["token_id"] = id
	}
	if req.RequestID != "" {
		detail["request_id"] = req.RequestID
	}
	if req.NewSession {
		detail["new_session"] = true
	}
	if d.RetryAfter > 0 {
		detail["retry_after_ms"] = d.RetryAfter.Milliseconds()
	}
	if d.Replayed {
		detail["replayed"] = true
	}

	return g.write(store.AuditEntry{
		UserID:          req.UserID,
		Action:          store.AuditAdmit,
		Decision:        decision,
		Reason:          string(d.Reason),
		SessionID:       d.SessionID,
		Cost:            req.EstimatedCost,
		RemainingBudget: d.RemainingBudget,
		RemainingTokens: &remainingTokens,
		Detail:          detail,
	})
}

func (g *Gatekeeper) write(e store.AuditEntry) string {
	id, err := g.audit.Record(e)
	if err != nil {
		g.logger.Warn("audit entry not queued", "user_id", e.UserID, "action", e.Action, "error", err)
		g.metrics.AuditFailure("dropped")
	}
	return id
}
