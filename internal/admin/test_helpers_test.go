// ABOUTME: Shared test fixture for admin handler tests
// ABOUTME: Wires real identity, session and audit components over the in-memory store behind JWT auth

package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gatekeeper/internal/audit"
	"github.com/2389/coven-gatekeeper/internal/auth"
	"github.com/2389/coven-gatekeeper/internal/identity"
	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/session"
	"github.com/2389/coven-gatekeeper/internal/store"
	"github.com/2389/coven-gatekeeper/internal/userlock"
)

// testSecret is a 32-byte secret that meets MinSecretLength requirement.
var testSecret = []byte("admin-token-test-secret-32bytes!")

type fakeSweeper struct {
	report SweepReport
	err    error
	calls  int
}

func (f *fakeSweeper) Sweep(ctx context.Context) (SweepReport, error) {
	f.calls++
	return f.report, f.err
}

type fixture struct {
	mux      *http.ServeMux
	st       *store.MockStore
	ids      *identity.IdentityStore
	sessions *session.Manager
	audit    *audit.Log
	sweeper  *fakeSweeper
	verifier *auth.JWTVerifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMockStore()
	locks := userlock.New()

	sessions, err := session.NewManager(session.Config{
		MaxSessionsPerUser: 5,
		IdleTimeout:        30 * time.Minute,
		CostCeiling:        10 * money.Dollar,
	}, st, locks, nil)
	require.NoError(t, err)

	log := audit.New(st, audit.Config{}, nil)
	t.Cleanup(func() { _ = log.Close(context.Background()) })

	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)

	f := &fixture{
		mux:      http.NewServeMux(),
		st:       st,
		ids:      identity.New(identity.Config{TokenAuthEnabled: true}, st, nil),
		sessions: sessions,
		audit:    log,
		sweeper:  &fakeSweeper{},
		verifier: verifier,
	}
	h := New(Deps{Identity: f.ids, Sessions: sessions, Usage: st, Audit: log, Sweeper: f.sweeper}, nil)
	h.Register(f.mux, auth.HTTPAuthMiddleware(verifier, nil))
	return f
}

func (f *fixture) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := f.verifier.Generate(subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request as the operator "ops" with the admin role.
func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doAs(t, f.token(t, "ops", auth.RoleAdmin), method, path, body)
}

func (f *fixture) doAs(t *testing.T, bearer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

// auditEntries drains the audit log and returns what reached the store.
func (f *fixture) auditEntries(t *testing.T) []store.AuditEntry {
	t.Helper()
	require.NoError(t, f.audit.Close(context.Background()))
	return f.st.AuditEntries()
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}
