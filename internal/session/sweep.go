// ABOUTME: Periodic maintenance for the session manager
// ABOUTME: Expires idle sessions, prunes old closed ones, retries pending spend, drops empty users

package session

import (
	"context"
	"time"
)

// Sweep expires idle sessions, forgets closed sessions past retention,
// retries unpersisted spend, and releases state for users with nothing left.
func (m *Manager) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats

	m.mu.Lock()
	userIDs := make([]string, 0, len(m.users))
	for id := range m.users {
		userIDs = append(userIDs, id)
	}
	m.mu.Unlock()

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			break
		}

		unlock := m.locks.Lock(userID)
		st := m.state(userID, false)
		if st == nil {
			unlock()
			continue
		}
		now := m.now()
		stats.Expired += m.expireIdleLocked(st, now)
		stats.Pruned += m.pruneClosedLocked(st, now)
		hasPending := len(st.pending) > 0
		unlock()

		if hasPending {
			if err := m.Flush(ctx, userID); err != nil {
				stats.FlushErrors++
				m.logger.Warn("spend retry failed", "user_id", userID, "error", err)
			} else {
				stats.Flushed++
			}
		}

		unlock = m.locks.Lock(userID)
		if st := m.state(userID, false); st != nil && len(st.sessions) == 0 && len(st.pending) == 0 && st.flushing == 0 {
			m.mu.Lock()
			delete(m.users, userID)
			m.mu.Unlock()
			stats.UsersDropped++
		}
		unlock()
	}

	if stats.Expired > 0 || stats.Pruned > 0 || stats.FlushErrors > 0 {
		m.logger.Info("session sweep",
			"expired", stats.Expired,
			"pruned", stats.Pruned,
			"flushed", stats.Flushed,
			"flush_errors", stats.FlushErrors,
			"users_dropped", stats.UsersDropped,
		)
	}
	return stats
}

// pruneClosedLocked removes closed sessions older than the retention window.
func (m *Manager) pruneClosedLocked(st *userState, now time.Time) int {
	n := 0
	for id, s := range st.sessions {
		if s.Active() || s.ClosedAt == nil || now.Sub(*s.ClosedAt) <= m.cfg.ClosedRetention {
			continue
		}
		delete(st.sessions, id)
		m.mu.Lock()
		delete(m.index, id)
		m.mu.Unlock()
		n++
	}
	return n
}
