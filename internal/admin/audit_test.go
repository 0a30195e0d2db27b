// ABOUTME: Tests for the admin audit query and sweep endpoints
// ABOUTME: Seeds the store directly and checks query parameter filtering

package admin

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/store"
)

func seedAudit(t *testing.T, f *fixture) time.Time {
	t.Helper()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	budget := 5 * money.Dollar
	entries := []store.AuditEntry{
		{ID: "01", Timestamp: base, UserID: "alice", Action: store.AuditAdmit, Decision: store.DecisionAllow, RemainingBudget: &budget},
		{ID: "02", Timestamp: base.Add(time.Minute), UserID: "bob", Action: store.AuditAdmit, Decision: store.DecisionDeny, Reason: "rate_limited"},
		{ID: "03", Timestamp: base.Add(2 * time.Minute), UserID: "alice", Action: store.AuditRecordTurn, Decision: store.DecisionAllow, Cost: money.Cent},
		{ID: "04", Timestamp: base.Add(3 * time.Minute), UserID: "bob", Action: store.AuditAdmit, Decision: store.DecisionDeny, Reason: "budget_exceeded"},
	}
	for i := range entries {
		require.NoError(t, f.st.AppendAuditLog(context.Background(), &entries[i]))
	}
	return base
}

func listAudit(t *testing.T, f *fixture, query string) []AuditEntryResponse {
	t.Helper()
	rec := f.do(t, http.MethodGet, "/api/admin/audit"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[ListAuditResponse](t, rec).Entries
}

func ids(entries []AuditEntryResponse) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestListAudit_Filters(t *testing.T) {
	f := newFixture(t)
	base := seedAudit(t, f)

	all := listAudit(t, f, "")
	assert.Equal(t, []string{"04", "03", "02", "01"}, ids(all))
	require.NotNil(t, all[3].RemainingBudget)
	assert.InDelta(t, 5.0, *all[3].RemainingBudget, 1e-9)
	assert.InDelta(t, 0.01, all[1].Cost, 1e-9)

	assert.Equal(t, []string{"03", "01"}, ids(listAudit(t, f, "?user_id=alice")))
	assert.Equal(t, []string{"04", "02"}, ids(listAudit(t, f, "?decision=deny")))
	assert.Equal(t, []string{"02"}, ids(listAudit(t, f, "?reason=rate_limited")))
	assert.Equal(t, []string{"03"}, ids(listAudit(t, f, "?action=record_turn")))
	assert.Equal(t, []string{"04"}, ids(listAudit(t, f, "?limit=1")))

	since := base.Add(time.Minute).Format(time.RFC3339)
	until := base.Add(2 * time.Minute).Format(time.RFC3339)
	assert.Equal(t, []string{"03", "02"}, ids(listAudit(t, f, "?since="+since+"&until="+until)))
}

func TestListAudit_BadParams(t *testing.T) {
	f := newFixture(t)

	for _, q := range []string{"?since=yesterday", "?until=1", "?limit=-3"} {
		rec := f.do(t, http.MethodGet, "/api/admin/audit"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	f.sweeper.report = SweepReport{ExpiredSessions: 2, TokensDeleted: 3}

	rec := f.do(t, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SweepReport](t, rec)
	assert.Equal(t, 2, resp.ExpiredSessions)
	assert.Equal(t, int64(3), resp.TokensDeleted)
	assert.Equal(t, 1, f.sweeper.calls)

	f.sweeper.err = errors.New("boom")
	rec = f.do(t, http.MethodPost, "/api/admin/sweep", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
