// ABOUTME: Periodic maintenance across sessions, rate buckets, and access tokens
// ABOUTME: Also refreshes the gauges that are sampled rather than counted

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-gatekeeper/internal/admin"
)

// Sweep runs one maintenance pass. Token cleanup errors are reported after
// the in-memory work is done.
func (s *Server) Sweep(ctx context.Context) (admin.SweepReport, error) {
	stats := s.sessions.Sweep(ctx)
	report := admin.SweepReport{
		ExpiredSessions:    stats.Expired,
		PrunedSessions:     stats.Pruned,
		SpendFlushed:       stats.Flushed,
		SpendFlushErrors:   stats.FlushErrors,
		UsersDropped:       stats.UsersDropped,
		RateBucketsDropped: s.limiter.Sweep(),
	}

	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SetRateBuckets(s.limiter.Len())
	s.metrics.SetSpendFlushErrors(stats.FlushErrors)
	audited := s.audit.Stats()
	s.metrics.SetAuditEntries(audited.Written, audited.Failed, audited.Dropped)
	if s.replay != nil {
		s.metrics.SetReplayKeys(s.replay.Len())
	}

	deleted, err := s.identity.SweepTokens(ctx)
	if err != nil {
		return report, fmt.Errorf("sweeping tokens: %w", err)
	}
	report.TokensDeleted = deleted
	return report, nil
}

// runSweeper calls Sweep every interval until ctx is done.
func (s *Server) runSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Warn("sweep incomplete", "error", err)
				continue
			}
			if report.RateBucketsDropped > 0 || report.TokensDeleted > 0 {
				s.logger.Debug("sweep",
					"rate_buckets_dropped", report.RateBucketsDropped,
					"tokens_deleted", report.TokensDeleted,
				)
			}
		}
	}
}
