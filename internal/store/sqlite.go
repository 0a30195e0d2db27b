// ABOUTME: database/sql implementation of the Store interface for SQLite and PostgreSQL
// ABOUTME: Opens the driver, applies embedded goose migrations, and maps driver errors

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps dialect and base FS in package globals.
var migrateMu sync.Mutex

// Dialect selects SQL placeholder style and migration dialect.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed width and UTC so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// Parent directories are created if needed. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	s := &SQLStore{db: db, dialect: DialectSQLite, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// NewPostgresStore connects to PostgreSQL through the pgx stdlib driver.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &SQLStore{db: db, dialect: DialectPostgres, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("PostgreSQL store initialized")
	return s, nil
}

// NewSQLStoreFromDB wraps an already opened handle without running
// migrations. Used with sqlmock and by callers that manage the schema.
func NewSQLStoreFromDB(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store"),
	}
}

func (s *SQLStore) migrate() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	gooseDialect := "sqlite3"
	if s.dialect == DialectPostgres {
		gooseDialect = "postgres"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store", "dialect", s.dialect)
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// DB returns the underlying handle for tests.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

// unavailable marks err as a store failure while keeping the driver error in the chain.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// isConstraintViolation checks for a UNIQUE/primary key violation in either dialect
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString converts empty string to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
