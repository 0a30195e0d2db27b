// ABOUTME: Audit log entity and store methods for admission decisions and operator actions
// ABOUTME: Append-only rows keyed by sortable IDs; listing is newest first with filters

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-gatekeeper/internal/money"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditAdmit            AuditAction = "admit"
	AuditRecordTurn       AuditAction = "record_turn"
	AuditTerminateSession AuditAction = "terminate_session"
	AuditSessionEvicted   AuditAction = "session_evicted"
	AuditIssueToken       AuditAction = "issue_token"
	AuditRevokeToken      AuditAction = "revoke_token"
	AuditDenyUser         AuditAction = "deny_user"
	AuditAllowUser        AuditAction = "allow_user"
	AuditResetSpend       AuditAction = "reset_spend"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditAdmit,
	AuditRecordTurn,
	AuditTerminateSession,
	AuditSessionEvicted,
	AuditIssueToken,
	AuditRevokeToken,
	AuditDenyUser,
	AuditAllowUser,
	AuditResetSpend,
}

// Decision values for audit entries. Lifecycle and operator entries leave it empty.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID              string         // ULID, sortable
	Timestamp       time.Time      // when it happened
	UserID          string         // subject of the decision
	Action          AuditAction    // what was attempted
	Decision        string         // allow, deny, or empty
	Reason          string         // stable reason code
	SessionID       string         // session involved, if any
	Cost            money.Amount   // estimated or recorded cost
	RemainingBudget *money.Amount  // nil when unlimited or unknown
	RemainingTokens *float64       // rate bucket level after the decision
	Detail          map[string]any // additional context; never secrets
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since    *time.Time   // entries at or after this time
	Until    *time.Time   // entries at or before this time
	UserID   *string      // filter by user
	Action   *AuditAction // filter by action type
	Decision *string      // filter by decision
	Reason   *string      // filter by reason code
	Limit    int          // max results (default 100, max 1000)
}

// AppendAuditLog appends a new entry to the audit log.
// The caller assigns ID and Timestamp.
func (s *SQLStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		return fmt.Errorf("audit entry missing id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	var remainingBudget *int64
	if e.RemainingBudget != nil {
		v := int64(*e.RemainingBudget)
		remainingBudget = &v
	}

	query := `
		INSERT INTO audit_log (audit_id, ts, user_id, action, decision, reason, session_id, cost,
			remaining_budget, remaining_tokens, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.exec(ctx, query,
		e.ID,
		formatTime(e.Timestamp),
		e.UserID,
		string(e.Action),
		e.Decision,
		e.Reason,
		e.SessionID,
		int64(e.Cost),
		remainingBudget,
		e.RemainingTokens,
		detailJSON,
	)
	if err != nil {
		return unavailable("inserting audit entry", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"user_id", e.UserID,
		"action", e.Action,
		"decision", e.Decision,
		"reason", e.Reason,
	)
	return nil
}

// buildAuditQuery assembles the filtered query and its args.
func buildAuditQuery(f AuditFilter) (string, []any) {
	query := `
		SELECT audit_id, ts, user_id, action, decision, reason, session_id, cost,
			remaining_budget, remaining_tokens, detail_json
		FROM audit_log
		WHERE 1=1
	`
	args := []any{}

	if f.Since != nil {
		query += " AND ts >= ?"
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		query += " AND ts <= ?"
		args = append(args, formatTime(*f.Until))
	}
	if f.UserID != nil {
		query += " AND user_id = ?"
		args = append(args, *f.UserID)
	}
	if f.Action != nil {
		query += " AND action = ?"
		args = append(args, string(*f.Action))
	}
	if f.Decision != nil {
		query += " AND decision = ?"
		args = append(args, *f.Decision)
	}
	if f.Reason != nil {
		query += " AND reason = ?"
		args = append(args, *f.Reason)
	}

	query += " ORDER BY ts DESC, audit_id DESC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))
	return query, args
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var action, ts string
	var cost int64
	var remainingBudget sql.NullInt64
	var remainingTokens sql.NullFloat64
	var detailJSON sql.NullString

	if err := scanner.Scan(
		&e.ID,
		&ts,
		&e.UserID,
		&action,
		&e.Decision,
		&e.Reason,
		&e.SessionID,
		&cost,
		&remainingBudget,
		&remainingTokens,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(action)
	e.Cost = money.Amount(cost)
	if remainingBudget.Valid {
		v := money.Amount(remainingBudget.Int64)
		e.RemainingBudget = &v
	}
	if remainingTokens.Valid {
		v := remainingTokens.Float64
		e.RemainingTokens = &v
	}

	var err error
	e.Timestamp, err = parseTime(ts)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON.Valid && detailJSON.String != "" {
		if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	query, args := buildAuditQuery(f)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("querying audit log", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating audit entries", err)
	}
	return entries, nil
}
