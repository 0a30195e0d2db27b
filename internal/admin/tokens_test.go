// ABOUTME: Tests for the admin token endpoints
// ABOUTME: Covers issue, list, revoke, validation, role enforcement, and auditing

package admin

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gatekeeper/internal/auth"
	"github.com/2389/coven-gatekeeper/internal/store"
)

func TestIssueToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/tokens", IssueTokenRequest{
		TTL:       "72h",
		SingleUse: true,
		UserID:    "bob",
		Note:      "invite",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[IssueTokenResponse](t, rec)
	assert.NotEmpty(t, resp.Token)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "token", resp.Class)
	assert.Equal(t, "bob", resp.UserID)
	assert.True(t, resp.SingleUse)

	// The issued token authorizes bob.
	res := f.ids.Authorize(context.Background(), "bob", resp.Token)
	assert.True(t, res.Allowed)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditIssueToken, entries[0].Action)
	assert.Equal(t, "bob", entries[0].UserID)
	assert.Equal(t, "ops", entries[0].Detail["actor"])
	assert.Equal(t, resp.ID, entries[0].Detail["token_id"])
	for _, v := range entries[0].Detail {
		assert.NotEqual(t, resp.Token, v, "plaintext token must not be audited")
	}
}

func TestIssueToken_EmptyBodyUsesDefaults(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/tokens", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[IssueTokenResponse](t, rec)
	assert.Equal(t, "token", resp.Class)
	assert.False(t, resp.SingleUse)
	assert.NotEmpty(t, resp.ExpiresAt)
}

func TestIssueToken_NoExpiry(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/tokens", IssueTokenRequest{NoExpiry: true})
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[IssueTokenResponse](t, rec)
	assert.Nil(t, resp.ExpiresAt)
	assert.NotContains(t, rec.Body.String(), "expires_at")

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].Detail["no_expiry"])
	assert.NotContains(t, entries[0].Detail, "expires_at")
}

func TestIssueToken_Validation(t *testing.T) {
	f := newFixture(t)

	cases := map[string]IssueTokenRequest{
		"denied class":  {Class: "denied"},
		"unknown class": {Class: "root"},
		"bad ttl":       {TTL: "forever"},
		"negative ttl":  {TTL: "-1h"},
		"ttl too long":  {TTL: "100000h"},
		"bad user":      {UserID: "has spaces"},
		"ttl and never": {TTL: "1h", NoExpiry: true},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/admin/tokens", req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestListTokens(t *testing.T) {
	f := newFixture(t)

	for range 2 {
		rec := f.do(t, http.MethodPost, "/api/admin/tokens", IssueTokenRequest{Note: "n"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/admin/tokens", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListTokensResponse](t, rec)
	require.Len(t, resp.Tokens, 2)
	for _, tok := range resp.Tokens {
		assert.True(t, tok.Usable)
		assert.NotNil(t, tok.ExpiresAt)
		assert.Nil(t, tok.RevokedAt)
	}
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestRevokeToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/tokens", IssueTokenRequest{})
	require.Equal(t, http.StatusCreated, rec.Code)
	issued := decode[IssueTokenResponse](t, rec)

	rec = f.do(t, http.MethodDelete, "/api/admin/tokens/"+issued.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	res := f.ids.Authorize(context.Background(), "carol", issued.Token)
	assert.False(t, res.Allowed)

	rec = f.do(t, http.MethodDelete, "/api/admin/tokens/doesnotexist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var actions []store.AuditAction
	for _, e := range f.auditEntries(t) {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []store.AuditAction{store.AuditIssueToken, store.AuditRevokeToken}, actions)
}

func TestAdminRoutes_RequireAdmin(t *testing.T) {
	f := newFixture(t)

	rec := f.doAs(t, "", http.MethodGet, "/api/admin/tokens", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.doAs(t, "not-a-jwt", http.MethodGet, "/api/admin/tokens", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.doAs(t, f.token(t, "bridge", auth.RoleService), http.MethodGet, "/api/admin/tokens", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.doAs(t, f.token(t, "bridge", auth.RoleService), http.MethodPost, "/api/admin/sweep", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, f.sweeper.calls)
}
