// ABOUTME: Access token persistence with atomic single-use consumption and revocation
// ABOUTME: Only secret hashes are stored; lookups are by the public token ID

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const tokenColumns = `token_id, secret_hash, class, user_id, single_use, expires_at, used_at, revoked_at, note, created_at`

// CreateToken inserts a newly issued token.
func (s *SQLStore) CreateToken(ctx context.Context, tok *AccessToken) error {
	query := `
		INSERT INTO access_tokens (token_id, secret_hash, class, user_id, single_use, expires_at, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.exec(ctx, query,
		tok.ID,
		tok.SecretHash,
		string(tok.Class),
		nullString(tok.UserID),
		tok.SingleUse,
		formatTimePtr(tok.ExpiresAt),
		tok.Note,
		formatTime(tok.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateToken
		}
		return unavailable("inserting token", err)
	}

	s.logger.Debug("created token", "token_id", tok.ID, "class", tok.Class, "single_use", tok.SingleUse)
	return nil
}

// GetToken retrieves a token by its public ID.
// Returns ErrNotFound if the token doesn't exist.
func (s *SQLStore) GetToken(ctx context.Context, id string) (*AccessToken, error) {
	row := s.queryRow(ctx, `SELECT `+tokenColumns+` FROM access_tokens WHERE token_id = ?`, id)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying token", err)
	}
	return tok, nil
}

// ListTokens returns all tokens, newest first.
func (s *SQLStore) ListTokens(ctx context.Context) ([]*AccessToken, error) {
	rows, err := s.query(ctx, `SELECT `+tokenColumns+` FROM access_tokens ORDER BY created_at DESC, token_id`)
	if err != nil {
		return nil, unavailable("querying tokens", err)
	}
	defer func() { _ = rows.Close() }()

	tokens := []*AccessToken{}
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating tokens", err)
	}
	return tokens, nil
}

// RevokeToken marks a token revoked. Revoking twice keeps the first timestamp.
// Returns ErrNotFound if the token doesn't exist.
func (s *SQLStore) RevokeToken(ctx context.Context, id string, now time.Time) error {
	result, err := s.exec(ctx,
		`UPDATE access_tokens SET revoked_at = COALESCE(revoked_at, ?) WHERE token_id = ?`,
		formatTime(now), id,
	)
	if err != nil {
		return unavailable("revoking token", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("getting rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("revoked token", "token_id", id)
	return nil
}

// ConsumeToken atomically marks an unused, unrevoked token as used.
func (s *SQLStore) ConsumeToken(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.exec(ctx,
		`UPDATE access_tokens SET used_at = ? WHERE token_id = ? AND used_at IS NULL AND revoked_at IS NULL`,
		formatTime(now), id,
	)
	if err != nil {
		return false, unavailable("consuming token", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, unavailable("getting rows affected", err)
	}
	return n == 1, nil
}

// DeleteStaleTokens removes revoked, expired and consumed single-use tokens.
func (s *SQLStore) DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.exec(ctx, `
		DELETE FROM access_tokens
		WHERE revoked_at IS NOT NULL
		   OR (expires_at IS NOT NULL AND expires_at <= ?)
		   OR (single_use AND used_at IS NOT NULL)
	`, formatTime(now))
	if err != nil {
		return 0, unavailable("deleting stale tokens", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("getting rows affected", err)
	}
	if n > 0 {
		s.logger.Info("deleted stale tokens", "count", n)
	}
	return n, nil
}

func scanToken(scanner interface{ Scan(dest ...any) error }) (*AccessToken, error) {
	var tok AccessToken
	var class, createdAt string
	var userID, expiresAt, usedAt, revokedAt sql.NullString

	if err := scanner.Scan(
		&tok.ID,
		&tok.SecretHash,
		&class,
		&userID,
		&tok.SingleUse,
		&expiresAt,
		&usedAt,
		&revokedAt,
		&tok.Note,
		&createdAt,
	); err != nil {
		return nil, err
	}

	tok.Class = UserClass(class)
	if userID.Valid {
		tok.UserID = userID.String
	}

	var err error
	if tok.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if tok.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if tok.UsedAt, err = parseNullTime(usedAt); err != nil {
		return nil, fmt.Errorf("parsing used_at: %w", err)
	}
	if tok.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	return &tok, nil
}
