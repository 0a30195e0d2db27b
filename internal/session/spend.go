// ABOUTME: Per-user spend loading, persistence with retry, and administrative reset
// ABOUTME: Store I/O never runs inside the per-user critical section

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/store"
)

// ensureLoaded reads prior spend from the store the first time a user is seen.
func (m *Manager) ensureLoaded(ctx context.Context, userID string) error {
	unlock := m.locks.Lock(userID)
	st := m.state(userID, false)
	loaded := st != nil && st.loaded
	unlock()
	if loaded {
		return nil
	}

	amount, err := m.spend.GetUserSpend(ctx, userID)
	if err != nil {
		m.logger.Error("loading spend failed", "user_id", userID, "error", err)
		return fmt.Errorf("%w: %w", ErrSpendUnavailable, err)
	}

	unlock = m.locks.Lock(userID)
	st = m.state(userID, true)
	if !st.loaded {
		st.spend = amount
		st.loaded = true
	}
	unlock()
	return nil
}

// Flush writes pending usage records. Flushes for one user are serialized so
// a reset never interleaves with an in-flight write. Failed records go back
// to pending for the next attempt.
func (m *Manager) Flush(ctx context.Context, userID string) error {
	unlockFlush := m.flushLocks.Lock(userID)
	defer unlockFlush()

	unlock := m.locks.Lock(userID)
	st := m.state(userID, false)
	if st == nil || len(st.pending) == 0 {
		unlock()
		return nil
	}
	batch := st.pending
	st.pending = nil
	st.flushing++
	unlock()

	var failed []store.UsageRecord
	var firstErr error
	for i := range batch {
		if err := m.spend.AddSpend(ctx, &batch[i]); err != nil {
			failed = batch[i:]
			firstErr = err
			break
		}
	}

	unlock = m.locks.Lock(userID)
	st.flushing--
	if len(failed) > 0 {
		st.pending = append(failed, st.pending...)
	}
	unlock()

	if firstErr != nil {
		return fmt.Errorf("persisting spend: %w", firstErr)
	}
	return nil
}

// PendingSpend reports how many usage records await persistence for a user.
func (m *Manager) PendingSpend(userID string) int {
	unlock := m.locks.Lock(userID)
	defer unlock()
	st := m.state(userID, false)
	if st == nil {
		return 0
	}
	return len(st.pending)
}

// Spend returns the user's cumulative spend, loading it if needed.
func (m *Manager) Spend(ctx context.Context, userID string) (money.Amount, error) {
	var out money.Amount
	err := m.withLoadedUser(ctx, userID, func(st *userState, _ time.Time) error {
		out = st.spend
		return nil
	})
	return out, err
}

// RemainingBudget returns ceiling minus in-memory spend. ok is false when
// the ceiling is unlimited or the user is not loaded.
func (m *Manager) RemainingBudget(userID string) (remaining money.Amount, ok bool) {
	if m.cfg.CostCeiling == 0 {
		return 0, false
	}

	unlock := m.locks.Lock(userID)
	defer unlock()
	st := m.state(userID, false)
	if st == nil || !st.loaded {
		return 0, false
	}
	remaining = m.cfg.CostCeiling - st.spend
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// ResetSpend zeroes a user's cumulative spend. It is the only operation
// that decreases spend. Turns recorded while the reset runs are kept.
func (m *Manager) ResetSpend(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidUser)
	}

	unlockFlush := m.flushLocks.Lock(userID)
	defer unlockFlush()

	unlock := m.locks.Lock(userID)
	st := m.state(userID, true)
	batch := st.pending
	st.pending = nil
	st.flushing++
	snapshot := st.spend
	wasLoaded := st.loaded
	unlock()

	restore := func(unwritten []store.UsageRecord) {
		unlock := m.locks.Lock(userID)
		st.flushing--
		st.pending = append(unwritten, st.pending...)
		unlock()
	}

	for i := range batch {
		if err := m.spend.AddSpend(ctx, &batch[i]); err != nil {
			restore(batch[i:])
			return fmt.Errorf("persisting spend before reset: %w", err)
		}
	}

	err := m.spend.ResetSpend(ctx, userID, m.now())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		restore(nil)
		return fmt.Errorf("resetting spend: %w", err)
	}

	unlock = m.locks.Lock(userID)
	st.flushing--
	if wasLoaded {
		st.spend -= snapshot
	} else {
		// Anything loaded meanwhile predates the reset.
		st.spend = 0
		st.loaded = true
	}
	unlock()

	m.logger.Info("spend reset", "user_id", userID, "previous", snapshot)
	return nil
}
