// ABOUTME: Spend ledger persistence: per-turn usage rows plus the user's running total
// ABOUTME: Increments are commutative so retried writes can land in any order

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-gatekeeper/internal/money"
)

// AddSpend appends a usage record and increments users.total_spend in one
// transaction. A user row is created with class token if none exists.
// Adding a record whose ID already exists is a no-op, so retries are safe.
func (s *SQLStore) AddSpend(ctx context.Context, rec *UsageRecord) error {
	if rec.Cost < 0 {
		return fmt.Errorf("negative cost %d", rec.Cost)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning spend transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := formatTime(rec.CreatedAt)

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO usage_records (usage_id, user_id, session_id, cost, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), rec.ID, rec.UserID, rec.SessionID, int64(rec.Cost), ts)
	if err != nil {
		if isConstraintViolation(err) {
			s.logger.Debug("usage record already applied", "id", rec.ID)
			return nil
		}
		return unavailable("inserting usage", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO users (user_id, class, total_spend, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET total_spend = users.total_spend + excluded.total_spend
	`), rec.UserID, string(ClassToken), int64(rec.Cost), ts, ts)
	if err != nil {
		return unavailable("incrementing spend", err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing spend", err)
	}

	s.logger.Debug("recorded spend",
		"id", rec.ID,
		"user_id", rec.UserID,
		"session_id", rec.SessionID,
		"cost", rec.Cost,
	)
	return nil
}

// GetUserSpend returns the persisted total spend; zero for unknown users.
func (s *SQLStore) GetUserSpend(ctx context.Context, userID string) (money.Amount, error) {
	var spend int64
	err := s.queryRow(ctx, `SELECT total_spend FROM users WHERE user_id = ?`, userID).Scan(&spend)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("querying spend", err)
	}
	return money.Amount(spend), nil
}

// ResetSpend zeroes a user's total. Usage rows are kept for history.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLStore) ResetSpend(ctx context.Context, userID string, now time.Time) error {
	result, err := s.exec(ctx,
		`UPDATE users SET total_spend = 0, spend_reset_at = ? WHERE user_id = ?`,
		formatTime(now), userID,
	)
	if err != nil {
		return unavailable("resetting spend", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("getting rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("reset spend", "user_id", userID)
	return nil
}

// ListUsage returns a user's usage records, newest first.
func (s *SQLStore) ListUsage(ctx context.Context, userID string, limit int) ([]UsageRecord, error) {
	rows, err := s.query(ctx, `
		SELECT usage_id, user_id, session_id, cost, created_at
		FROM usage_records
		WHERE user_id = ?
		ORDER BY created_at DESC, usage_id DESC
		LIMIT ?
	`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, unavailable("querying usage", err)
	}
	defer func() { _ = rows.Close() }()

	records := []UsageRecord{}
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating usage rows", err)
	}
	return records, nil
}

// scanUsage scans a single usage row into a UsageRecord.
func scanUsage(rows *sql.Rows) (UsageRecord, error) {
	var rec UsageRecord
	var cost int64
	var createdAt string

	if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &cost, &createdAt); err != nil {
		return rec, fmt.Errorf("scanning usage row: %w", err)
	}
	rec.Cost = money.Amount(cost)

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, fmt.Errorf("parsing created_at: %w", err)
	}
	return rec, nil
}
