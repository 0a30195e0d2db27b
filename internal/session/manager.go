// ABOUTME: SessionManager owning per-user sessions, the concurrency cap, and cost accounting
// ABOUTME: All per-user state changes happen inside the shared per-user critical section

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/store"
	"github.com/2389/coven-gatekeeper/internal/userlock"
)

// SpendStore persists per-user spend.
type SpendStore interface {
	AddSpend(ctx context.Context, rec *store.UsageRecord) error
	GetUserSpend(ctx context.Context, userID string) (money.Amount, error)
	ResetSpend(ctx context.Context, userID string, now time.Time) error
}

type userState struct {
	sessions map[string]*Session
	current  string
	spend    money.Amount // persisted total plus pending deltas
	loaded   bool
	pending  []store.UsageRecord
	flushing int
}

// Manager is the SessionManager.
type Manager struct {
	cfg        Config
	spend      SpendStore
	locks      *userlock.Table
	flushLocks *userlock.Table
	now        func() time.Time
	logger     *slog.Logger
	active     atomic.Int64

	mu    sync.Mutex // guards users and index maps, not their contents
	users map[string]*userState
	index map[string]string // session ID -> user ID
}

// NewManager validates cfg and creates a Manager. locks is shared with the
// rate limiter; nil allocates a private table.
func NewManager(cfg Config, spend SpendStore, locks *userlock.Table, logger *slog.Logger) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = EvictLRU
	}
	if cfg.ClosedRetention == 0 {
		cfg.ClosedRetention = DefaultClosedRetention
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if locks == nil {
		locks = userlock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:        cfg,
		spend:      spend,
		locks:      locks,
		flushLocks: userlock.New(),
		now:        now,
		logger:     logger.With("component", "sessions"),
		users:      make(map[string]*userState),
		index:      make(map[string]string),
	}, nil
}

// state returns the user's state. Caller holds the user lock.
func (m *Manager) state(userID string, create bool) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.users[userID]
	if !ok && create {
		st = &userState{sessions: make(map[string]*Session)}
		m.users[userID] = st
	}
	return st
}

func (m *Manager) owner(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.index[sessionID]
	return userID, ok
}

// withLoadedUser runs fn inside the user's critical section once prior spend
// is loaded. The store read happens outside the lock.
func (m *Manager) withLoadedUser(ctx context.Context, userID string, fn func(st *userState, now time.Time) error) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidUser)
	}

	for attempt := 0; attempt < 3; attempt++ {
		if err := m.ensureLoaded(ctx, userID); err != nil {
			return err
		}

		unlock := m.locks.Lock(userID)
		st := m.state(userID, true)
		if !st.loaded {
			// Swept between load and lock.
			unlock()
			continue
		}
		err := fn(st, m.now())
		unlock()
		return err
	}
	return fmt.Errorf("%w: user state kept disappearing", ErrSpendUnavailable)
}

// GetOrCreate returns the user's current active session, touching it, or
// creates one subject to the concurrency cap.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (Session, error) {
	var out Session
	var evicted []Session
	err := m.withLoadedUser(ctx, userID, func(st *userState, now time.Time) error {
		m.expireIdleLocked(st, now)
		var err error
		out, evicted, err = m.currentOrCreateLocked(userID, st, now)
		return err
	})
	m.notifyEvicted(evicted)
	return out, err
}

// Begin is the admission form of GetOrCreate: lazy expiry, then the budget
// pre-check with the RecordTurn rule, then GetOrCreate. Nothing is created
// when the budget check fails.
func (m *Manager) Begin(ctx context.Context, userID string, estimatedCost money.Amount) (Session, error) {
	return m.begin(ctx, userID, estimatedCost, false)
}

// BeginNew is Begin for a caller that asked for a fresh session; it always
// creates one, subject to the cap.
func (m *Manager) BeginNew(ctx context.Context, userID string, estimatedCost money.Amount) (Session, error) {
	return m.begin(ctx, userID, estimatedCost, true)
}

func (m *Manager) begin(ctx context.Context, userID string, estimatedCost money.Amount, fresh bool) (Session, error) {
	if estimatedCost < 0 {
		return Session{}, fmt.Errorf("%w: negative estimate", ErrInvalidCost)
	}

	var out Session
	var evicted []Session
	err := m.withLoadedUser(ctx, userID, func(st *userState, now time.Time) error {
		m.expireIdleLocked(st, now)
		if m.overBudget(st, estimatedCost) {
			return ErrBudgetExceeded
		}
		var err error
		if fresh {
			out, evicted, err = m.createLocked(userID, st, now)
		} else {
			out, evicted, err = m.currentOrCreateLocked(userID, st, now)
		}
		return err
	})
	m.notifyEvicted(evicted)
	return out, err
}

// Resume makes an active session the user's current one, applying the
// same budget pre-check as Begin. Closed sessions are never revived.
func (m *Manager) Resume(ctx context.Context, sessionID string, estimatedCost money.Amount) (Session, error) {
	if estimatedCost < 0 {
		return Session{}, fmt.Errorf("%w: negative estimate", ErrInvalidCost)
	}
	userID, ok := m.owner(sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	var out Session
	err := m.withLoadedUser(ctx, userID, func(st *userState, now time.Time) error {
		m.expireIdleLocked(st, now)
		sess, ok := st.sessions[sessionID]
		if !ok {
			return ErrSessionNotFound
		}
		out = *sess
		if !sess.Active() {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sess.Status)
		}
		if m.overBudget(st, estimatedCost) {
			return ErrBudgetExceeded
		}
		sess.LastActivity = now
		st.current = sessionID
		out = *sess
		return nil
	})
	return out, err
}

func (m *Manager) overBudget(st *userState, delta money.Amount) bool {
	return m.cfg.CostCeiling > 0 && st.spend+delta > m.cfg.CostCeiling
}

func (m *Manager) currentOrCreateLocked(userID string, st *userState, now time.Time) (Session, []Session, error) {
	if cur, ok := st.sessions[st.current]; ok && cur.Active() {
		cur.LastActivity = now
		return *cur, nil, nil
	}
	return m.createLocked(userID, st, now)
}

func (m *Manager) createLocked(userID string, st *userState, now time.Time) (Session, []Session, error) {
	var evicted []Session

	active := activeSessions(st)
	for len(active) >= m.cfg.MaxSessionsPerUser {
		if m.cfg.EvictionPolicy == EvictReject {
			return Session{}, nil, ErrSessionLimitExceeded
		}
		victim := active[0]
		m.closeLocked(st, victim, StatusExpired, CloseEvicted, now)
		evicted = append(evicted, *victim)
		active = active[1:]
	}

	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Status:       StatusActive,
	}
	st.sessions[sess.ID] = sess
	st.current = sess.ID
	m.active.Add(1)

	m.mu.Lock()
	m.index[sess.ID] = userID
	m.mu.Unlock()

	m.logger.Debug("session created", "user_id", userID, "session_id", sess.ID)
	return *sess, evicted, nil
}

// activeSessions returns active sessions, least recently active first.
func activeSessions(st *userState) []*Session {
	var active []*Session
	for _, s := range st.sessions {
		if s.Active() {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.Before(b.LastActivity)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return active
}

func (m *Manager) closeLocked(st *userState, sess *Session, status Status, reason string, now time.Time) {
	if !sess.Active() {
		return
	}
	closedAt := now
	sess.Status = status
	sess.ClosedAt = &closedAt
	sess.CloseReason = reason
	if st.current == sess.ID {
		st.current = ""
	}
	m.active.Add(-1)
}

// expireIdleLocked transitions idle active sessions to expired.
func (m *Manager) expireIdleLocked(st *userState, now time.Time) int {
	n := 0
	for _, s := range st.sessions {
		if s.Active() && now.Sub(s.LastActivity) > m.cfg.IdleTimeout {
			m.closeLocked(st, s, StatusExpired, CloseIdle, now)
			n++
		}
	}
	return n
}

func (m *Manager) notifyEvicted(evicted []Session) {
	for _, s := range evicted {
		m.logger.Info("session evicted", "user_id", s.UserID, "session_id", s.ID, "turns", s.TurnCount)
		if m.cfg.OnEvict != nil {
			m.cfg.OnEvict(s)
		}
	}
}

// RecordTurn charges costDelta to the session and its user. When the user's
// spend would exceed the ceiling the turn is rejected and nothing changes.
// Closed sessions, including ones that just went idle, still accept cost for
// work already in flight but stay closed. The usage record is persisted
// before returning; a failed write is kept for the next flush.
func (m *Manager) RecordTurn(ctx context.Context, sessionID string, costDelta money.Amount) (Session, error) {
	out, err := m.Charge(sessionID, costDelta)
	if err != nil {
		return out, err
	}
	if err := m.Flush(ctx, out.UserID); err != nil {
		m.logger.Warn("spend not persisted, will retry", "user_id", out.UserID, "session_id", sessionID, "error", err)
	}
	return out, nil
}

// Charge applies RecordTurn's accounting in memory only. The usage record
// waits for Flush.
func (m *Manager) Charge(sessionID string, costDelta money.Amount) (Session, error) {
	if costDelta < 0 {
		return Session{}, fmt.Errorf("%w: negative cost", ErrInvalidCost)
	}

	userID, ok := m.owner(sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	unlock := m.locks.Lock(userID)
	st := m.state(userID, false)
	if st == nil {
		unlock()
		return Session{}, ErrSessionNotFound
	}
	now := m.now()
	m.expireIdleLocked(st, now)
	sess, ok := st.sessions[sessionID]
	if !ok {
		unlock()
		return Session{}, ErrSessionNotFound
	}
	if m.overBudget(st, costDelta) {
		out := *sess
		unlock()
		return out, ErrBudgetExceeded
	}

	sess.TurnCount++
	sess.AccumulatedCost += costDelta
	if sess.Active() {
		sess.LastActivity = now
	}
	st.spend += costDelta
	if costDelta > 0 {
		st.pending = append(st.pending, store.UsageRecord{
			ID:        uuid.NewString(),
			UserID:    userID,
			SessionID: sessionID,
			Cost:      costDelta,
			CreatedAt: now,
		})
	}
	out := *sess
	unlock()
	return out, nil
}

// Terminate ends a session. Terminating a closed session is a no-op.
func (m *Manager) Terminate(sessionID string) error {
	userID, ok := m.owner(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	st := m.state(userID, false)
	if st == nil {
		return ErrSessionNotFound
	}
	now := m.now()
	m.expireIdleLocked(st, now)
	sess, ok := st.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Active() {
		m.closeLocked(st, sess, StatusTerminated, CloseTerminated, now)
		m.logger.Debug("session terminated", "user_id", userID, "session_id", sessionID)
	}
	return nil
}

// Get returns a copy of a session. Idle sessions are expired first.
func (m *Manager) Get(sessionID string) (Session, error) {
	userID, ok := m.owner(sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	unlock := m.locks.Lock(userID)
	defer unlock()

	st := m.state(userID, false)
	if st == nil {
		return Session{}, ErrSessionNotFound
	}
	m.expireIdleLocked(st, m.now())
	sess, ok := st.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

// UserSessions returns the user's retained sessions, oldest first.
func (m *Manager) UserSessions(userID string) []Session {
	unlock := m.locks.Lock(userID)
	defer unlock()

	st := m.state(userID, false)
	if st == nil {
		return []Session{}
	}
	m.expireIdleLocked(st, m.now())
	out := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveCount returns the number of active sessions across all users.
func (m *Manager) ActiveCount() int {
	return int(m.active.Load())
}
