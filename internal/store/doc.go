// Package store provides persistent storage for the gatekeeper on SQLite or PostgreSQL.
//
// # Architecture
//
// The store package uses an interface-driven architecture with narrow
// interfaces that consumers depend on:
//
//   - UserStore: user records, class changes, last-seen touch
//   - TokenStore: access tokens, revocation, single-use consumption
//   - SpendStore: spend ledger (usage rows plus running totals)
//   - AuditStore: append-only audit log
//
// SQLStore implements all of them (the aggregate Store interface) on
// database/sql, allowing one handle to back every component.
//
// # Dialects
//
// NewSQLiteStore uses modernc.org/sqlite with WAL mode and a single open
// connection. NewPostgresStore uses the pgx stdlib driver. Queries are written
// with ? placeholders and rebound to $n for PostgreSQL. Timestamps are stored
// as fixed-width UTC text so they compare correctly as strings in both.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrUnavailable: Driver or connection failure (wraps the driver error)
//   - ErrDuplicateToken: Token ID collision
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests. Fail(op, err) injects failures:
//
//	st := store.NewMockStore()
//	st.Fail(store.OpGetToken, errors.New("disk on fire"))
//
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration
// tests with real SQLite, and NewSQLStoreFromDB with go-sqlmock for PostgreSQL
// query shapes.
//
// # Migrations
//
// Migrations are embedded and applied with goose on store initialization.
// Migration files are in internal/store/migrations/ with numeric prefixes.
package store
