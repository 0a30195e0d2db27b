// ABOUTME: User record persistence: first-seen creation, last-seen touch, and class changes
// ABOUTME: Users are never deleted; an administrative ban sets class to denied

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-gatekeeper/internal/money"
)

const userColumns = `user_id, class, total_spend, created_at, last_seen_at, spend_reset_at`

// TouchUser creates the user if absent and updates last_seen_at.
// An existing user's class is left untouched.
func (s *SQLStore) TouchUser(ctx context.Context, userID string, class UserClass, now time.Time) (*User, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("invalid user class %q", class)
	}

	query := `
		INSERT INTO users (user_id, class, total_spend, created_at, last_seen_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`
	ts := formatTime(now)
	if _, err := s.exec(ctx, query, userID, string(class), ts, ts); err != nil {
		return nil, unavailable("touching user", err)
	}

	return s.GetUser(ctx, userID)
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying user", err)
	}
	return u, nil
}

// ListUsers returns users ordered by ID.
func (s *SQLStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	rows, err := s.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY user_id LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, unavailable("querying users", err)
	}
	defer func() { _ = rows.Close() }()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating users", err)
	}
	return users, nil
}

// SetUserClass changes a user's class, creating the record if needed.
func (s *SQLStore) SetUserClass(ctx context.Context, userID string, class UserClass, now time.Time) error {
	if !class.Valid() {
		return fmt.Errorf("invalid user class %q", class)
	}

	query := `
		INSERT INTO users (user_id, class, total_spend, created_at, last_seen_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET class = excluded.class
	`
	ts := formatTime(now)
	if _, err := s.exec(ctx, query, userID, string(class), ts, ts); err != nil {
		return unavailable("setting user class", err)
	}

	s.logger.Info("user class changed", "user_id", userID, "class", class)
	return nil
}

func scanUser(scanner interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	var class, createdAt, lastSeen string
	var spend int64
	var resetAt sql.NullString

	if err := scanner.Scan(&u.UserID, &class, &spend, &createdAt, &lastSeen, &resetAt); err != nil {
		return nil, err
	}

	u.Class = UserClass(class)
	u.TotalSpend = money.Amount(spend)

	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if u.SpendResetAt, err = parseNullTime(resetAt); err != nil {
		return nil, fmt.Errorf("parsing spend_reset_at: %w", err)
	}
	return &u, nil
}
