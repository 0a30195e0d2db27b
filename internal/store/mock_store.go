// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database and to inject per-operation failures

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-gatekeeper/internal/money"
)

// Operation names accepted by MockStore.Fail.
const (
	OpTouchUser      = "TouchUser"
	OpGetUser        = "GetUser"
	OpSetUserClass   = "SetUserClass"
	OpCreateToken    = "CreateToken"
	OpGetToken       = "GetToken"
	OpRevokeToken    = "RevokeToken"
	OpConsumeToken   = "ConsumeToken"
	OpAddSpend       = "AddSpend"
	OpGetUserSpend   = "GetUserSpend"
	OpResetSpend     = "ResetSpend"
	OpListUsage      = "ListUsage"
	OpAppendAuditLog = "AppendAuditLog"
	OpPing           = "Ping"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*User        // keyed by user ID
	tokens   map[string]*AccessToken // keyed by token ID
	usage    map[string]UsageRecord  // keyed by usage ID
	audit    []AuditEntry            // append order
	failures map[string]error        // keyed by operation name
	calls    map[string]int          // keyed by operation name
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[string]*User),
		tokens:   make(map[string]*AccessToken),
		usage:    make(map[string]UsageRecord),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Fail makes op return err (wrapped as ErrUnavailable) until cleared with a nil err.
func (m *MockStore) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls reports how many times op was invoked.
func (m *MockStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// enter records the call and returns the injected failure, if any. Caller holds mu.
func (m *MockStore) enter(op string) error {
	m.calls[op]++
	if err, ok := m.failures[op]; ok {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return nil
}

// TouchUser creates or refreshes a user.
func (m *MockStore) TouchUser(ctx context.Context, userID string, class UserClass, now time.Time) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpTouchUser); err != nil {
		return nil, err
	}
	if !class.Valid() {
		return nil, fmt.Errorf("invalid user class %q", class)
	}

	u, ok := m.users[userID]
	if !ok {
		u = &User{UserID: userID, Class: class, CreatedAt: now.UTC()}
		m.users[userID] = u
	}
	u.LastSeenAt = now.UTC()

	result := *u
	return &result, nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetUser); err != nil {
		return nil, err
	}

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// ListUsers returns users ordered by ID.
func (m *MockStore) ListUsers(ctx context.Context, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		c := *u
		users = append(users, &c)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })

	limit = normalizeLimit(limit)
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// SetUserClass changes a user's class, creating the user if needed.
func (m *MockStore) SetUserClass(ctx context.Context, userID string, class UserClass, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSetUserClass); err != nil {
		return err
	}
	if !class.Valid() {
		return fmt.Errorf("invalid user class %q", class)
	}

	u, ok := m.users[userID]
	if !ok {
		u = &User{UserID: userID, CreatedAt: now.UTC(), LastSeenAt: now.UTC()}
		m.users[userID] = u
	}
	u.Class = class
	return nil
}

// CreateToken stores a new token.
func (m *MockStore) CreateToken(ctx context.Context, tok *AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateToken); err != nil {
		return err
	}

	if _, exists := m.tokens[tok.ID]; exists {
		return ErrDuplicateToken
	}
	c := *tok
	m.tokens[tok.ID] = &c
	return nil
}

// GetToken retrieves a token by ID.
func (m *MockStore) GetToken(ctx context.Context, id string) (*AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetToken); err != nil {
		return nil, err
	}

	tok, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *tok
	return &result, nil
}

// ListTokens returns all tokens, newest first.
func (m *MockStore) ListTokens(ctx context.Context) ([]*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tokens := make([]*AccessToken, 0, len(m.tokens))
	for _, tok := range m.tokens {
		c := *tok
		tokens = append(tokens, &c)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if !tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
		}
		return tokens[i].ID < tokens[j].ID
	})
	return tokens, nil
}

// RevokeToken marks a token revoked.
func (m *MockStore) RevokeToken(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpRevokeToken); err != nil {
		return err
	}

	tok, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if tok.RevokedAt == nil {
		t := now.UTC()
		tok.RevokedAt = &t
	}
	return nil
}

// ConsumeToken marks a token used if it is still unused and unrevoked.
func (m *MockStore) ConsumeToken(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpConsumeToken); err != nil {
		return false, err
	}

	tok, ok := m.tokens[id]
	if !ok || tok.UsedAt != nil || tok.RevokedAt != nil {
		return false, nil
	}
	t := now.UTC()
	tok.UsedAt = &t
	return true, nil
}

// DeleteStaleTokens removes tokens that can never authorize again.
func (m *MockStore) DeleteStaleTokens(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, tok := range m.tokens {
		if !tok.Usable(now) {
			delete(m.tokens, id)
			n++
		}
	}
	return n, nil
}

// AddSpend records usage and increments the user's total.
func (m *MockStore) AddSpend(ctx context.Context, rec *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpAddSpend); err != nil {
		return err
	}
	if rec.Cost < 0 {
		return fmt.Errorf("negative cost %d", rec.Cost)
	}

	if _, exists := m.usage[rec.ID]; exists {
		return nil
	}
	m.usage[rec.ID] = *rec

	u, ok := m.users[rec.UserID]
	if !ok {
		u = &User{UserID: rec.UserID, Class: ClassToken, CreatedAt: rec.CreatedAt, LastSeenAt: rec.CreatedAt}
		m.users[rec.UserID] = u
	}
	u.TotalSpend += rec.Cost
	return nil
}

// GetUserSpend returns the user's persisted total.
func (m *MockStore) GetUserSpend(ctx context.Context, userID string) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetUserSpend); err != nil {
		return 0, err
	}

	if u, ok := m.users[userID]; ok {
		return u.TotalSpend, nil
	}
	return 0, nil
}

// ResetSpend zeroes the user's total.
func (m *MockStore) ResetSpend(ctx context.Context, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpResetSpend); err != nil {
		return err
	}

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.TotalSpend = 0
	t := now.UTC()
	u.SpendResetAt = &t
	return nil
}

// ListUsage returns a user's usage records, newest first.
func (m *MockStore) ListUsage(ctx context.Context, userID string, limit int) ([]UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListUsage); err != nil {
		return nil, err
	}

	records := []UsageRecord{}
	for _, rec := range m.usage {
		if rec.UserID == userID {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})

	limit = normalizeLimit(limit)
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// AppendAuditLog appends an entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpAppendAuditLog); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("audit entry missing id")
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if !matchesAuditFilter(e, f) {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	limit := normalizeLimit(f.Limit)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// AuditEntries returns every appended entry in append order.
func (m *MockStore) AuditEntries() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func matchesAuditFilter(e AuditEntry, f AuditFilter) bool {
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	if f.UserID != nil && e.UserID != *f.UserID {
		return false
	}
	if f.Action != nil && e.Action != *f.Action {
		return false
	}
	if f.Decision != nil && e.Decision != *f.Decision {
		return false
	}
	if f.Reason != nil && e.Reason != *f.Reason {
		return false
	}
	return true
}

// Ping reports the injected failure, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(OpPing)
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
