// ABOUTME: PostgreSQL query-shape tests using go-sqlmock
// ABOUTME: Verifies $n placeholders, spend transaction shape, and driver error mapping

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gatekeeper/internal/money"
)

func newMockPostgres(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStoreFromDB(db, DialectPostgres), mock
}

func TestPostgres_AddSpend(t *testing.T) {
	st, mock := newMockPostgres(t)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	ts := formatTime(now)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO usage_records .* VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
		WithArgs("u1", "alice", "s1", int64(money.Dollar), ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO users .* ON CONFLICT \(user_id\) DO UPDATE SET total_spend = users.total_spend \+ excluded.total_spend`).
		WithArgs("alice", "token", int64(money.Dollar), ts, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := st.AddSpend(context.Background(), &UsageRecord{ID: "u1", UserID: "alice", SessionID: "s1", Cost: money.Dollar, CreatedAt: now})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddSpend_DuplicateIsNoop(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO usage_records`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := st.AddSpend(context.Background(), &UsageRecord{ID: "u1", UserID: "alice", SessionID: "s1", Cost: money.Dollar, CreatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddSpend_FailureRollsBack(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO usage_records`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO users`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := st.AddSpend(context.Background(), &UsageRecord{ID: "u1", UserID: "alice", SessionID: "s1", Cost: money.Dollar, CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ConsumeToken(t *testing.T) {
	st, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE access_tokens SET used_at = \$1 WHERE token_id = \$2 AND used_at IS NULL AND revoked_at IS NULL`).
		WithArgs(formatTime(now), "tok1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE access_tokens SET used_at`).
		WithArgs(formatTime(now), "tok1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := st.ConsumeToken(context.Background(), "tok1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.ConsumeToken(context.Background(), "tok1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateToken_Duplicate(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO access_tokens`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := st.CreateToken(context.Background(), testToken("tok1", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetToken_DriverError(t *testing.T) {
	st, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT .* FROM access_tokens WHERE token_id = \$1`).
		WithArgs("tok1").
		WillReturnError(errors.New("connection refused"))

	_, err := st.GetToken(context.Background(), "tok1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListAuditLog_Placeholders(t *testing.T) {
	st, mock := newMockPostgres(t)
	user := "alice"
	reason := "rate_limited"

	mock.ExpectQuery(`FROM audit_log\s+WHERE 1=1\s+AND user_id = \$1 AND reason = \$2 ORDER BY ts DESC, audit_id DESC LIMIT \$3`).
		WithArgs("alice", "rate_limited", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"audit_id", "ts", "user_id", "action", "decision", "reason", "session_id", "cost",
			"remaining_budget", "remaining_tokens", "detail_json",
		}).AddRow("01HX", formatTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), "alice", "admit", "deny", "rate_limited", "", int64(0), nil, 0.25, nil))

	entries, err := st.ListAuditLog(context.Background(), AuditFilter{UserID: &user, Reason: &reason})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].RemainingBudget)
	require.NotNil(t, entries[0].RemainingTokens)
	assert.InDelta(t, 0.25, *entries[0].RemainingTokens, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}
