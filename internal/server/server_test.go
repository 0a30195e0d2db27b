// ABOUTME: Tests for server wiring: health, auth, admission over HTTP and gRPC, sweep, and shutdown
// ABOUTME: Uses the in-memory store for most cases and a real SQLite file for startup

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/coven-gatekeeper/internal/admin"
	"github.com/2389/coven-gatekeeper/internal/api"
	"github.com/2389/coven-gatekeeper/internal/auth"
	"github.com/2389/coven-gatekeeper/internal/config"
	"github.com/2389/coven-gatekeeper/internal/gatekeeper"
	"github.com/2389/coven-gatekeeper/internal/identity"
	"github.com/2389/coven-gatekeeper/internal/store"
)

const testJWTSecret = "server-test-secret-at-least-32-bytes"

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse(`
server:
  grpc_addr: "127.0.0.1:0"
  http_addr: "127.0.0.1:0"
database:
  path: ":memory:"
metrics:
  enabled: true
auth:
  whitelist: ["alice"]
`+extra, false)
	require.NoError(t, err)
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	srv, err := NewWithStore(cfg, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, st
}

func serve(t *testing.T, srv *Server, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func mintToken(t *testing.T, subject, role string) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	tok, err := v.Generate(subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))

	rec := serve(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReady_FollowsStore(t *testing.T) {
	srv, st := newTestServer(t, testConfig(t, ""))

	rec := serve(t, srv, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	st.Fail(store.OpPing, store.ErrUnavailable)
	rec = serve(t, srv, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmitOverHTTP_NoAuthConfigured(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))

	rec := serve(t, srv, http.MethodPost, "/api/admit", "", api.AdmitRequest{UserID: "alice", EstimatedCost: 0.5})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.AdmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Allowed)
	assert.NotEmpty(t, resp.SessionID)

	rec = serve(t, srv, http.MethodPost, "/api/sessions/"+resp.SessionID+"/turns", "", api.RecordTurnRequest{Cost: 0.25})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuth_Roles(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, "  jwt_secret: \""+testJWTSecret+"\"\n"))
	service := mintToken(t, "telegram-bridge", auth.RoleService)
	operator := mintToken(t, "ops", auth.RoleAdmin)

	rec := serve(t, srv, http.MethodPost, "/api/admit", "", api.AdmitRequest{UserID: "alice"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, srv, http.MethodPost, "/api/admit", service, api.AdmitRequest{UserID: "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/api/admin/tokens", service, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/api/admin/tokens", operator, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health and metrics stay open.
	rec = serve(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(t, srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))

	serve(t, srv, http.MethodPost, "/api/admit", "", api.AdmitRequest{UserID: "alice"})
	serve(t, srv, http.MethodPost, "/api/admit", "", api.AdmitRequest{UserID: "mallory"})

	rec := serve(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `gatekeeper_admissions_total{decision="allow",reason="ok"} 1`)
	assert.Contains(t, text, `gatekeeper_admissions_total{decision="deny",reason="unauthorized"} 1`)
	assert.Contains(t, text, "gatekeeper_http_requests_total")
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Metrics.Enabled = false
	srv, _ := newTestServer(t, cfg)

	rec := serve(t, srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweep_DeletesStaleTokens(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, ""))
	ctx := context.Background()

	issued, err := srv.Identity().IssueToken(ctx, identity.IssueParams{})
	require.NoError(t, err)
	_, err = srv.Identity().IssueToken(ctx, identity.IssueParams{})
	require.NoError(t, err)
	require.NoError(t, srv.Identity().RevokeToken(ctx, issued.ID))

	rec := serve(t, srv, http.MethodPost, "/api/admin/sweep", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report admin.SweepReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, int64(1), report.TokensDeleted)

	tokens, err := srv.Identity().ListTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}

func TestSweep_RefreshesSampledGauges(t *testing.T) {
	srv, st := newTestServer(t, testConfig(t, ""))
	ctx := context.Background()

	st.Fail(store.OpAppendAuditLog, store.ErrUnavailable)
	rec := serve(t, srv, http.MethodPost, "/api/admit", "", api.AdmitRequest{UserID: "alice", RequestID: "msg-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return srv.audit.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err := srv.Sweep(ctx)
	require.NoError(t, err)

	rec = serve(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, `gatekeeper_audit_entries{outcome="failed"} 1`)
	assert.Contains(t, text, "gatekeeper_replay_cache_entries 1")
}

func TestShutdown_DrainsAuditAndFlushesSpend(t *testing.T) {
	cfg := testConfig(t, "")
	st := store.NewMockStore()
	srv, err := NewWithStore(cfg, st, nil)
	require.NoError(t, err)

	rec := serve(t, srv, http.MethodPost, "/api/admit", "", api.AdmitRequest{UserID: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.AdmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	// Spend that failed to persist is retried at shutdown.
	st.Fail(store.OpAddSpend, store.ErrUnavailable)
	rec = serve(t, srv, http.MethodPost, "/api/sessions/"+resp.SessionID+"/turns", "", api.RecordTurnRequest{Cost: 1})
	require.Equal(t, http.StatusOK, rec.Code)
	st.Fail(store.OpAddSpend, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	var actions []store.AuditAction
	for _, e := range st.AuditEntries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []store.AuditAction{store.AuditAdmit, store.AuditRecordTurn}, actions)

	spend, err := st.GetUserSpend(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "$1.00", spend.String())
}

func dialBufconn(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.GRPCServer().Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPC_HealthBypassesAdmission(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t, "  jwt_secret: \""+testJWTSecret+"\"\n"))
	conn := dialBufconn(t, srv)

	srv.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPC_CallerAuthBeforeAdmission(t *testing.T) {
	srv, st := newTestServer(t, testConfig(t, "  jwt_secret: \""+testJWTSecret+"\"\n"))

	decisions := make(chan gatekeeper.Decision, 4)
	srv.GRPCServer().RegisterService(&grpc.ServiceDesc{
		ServiceName: "test.Relay",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Send",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(_ any, ss grpc.ServerStream) error {
				d, _ := gatekeeper.DecisionFromContext(ss.Context())
				decisions <- d
				return nil
			},
		}},
	}, struct{}{})
	conn := dialBufconn(t, srv)

	call := func(kv ...string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctx = metadata.AppendToOutgoingContext(ctx, kv...)
		stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true, ClientStreams: true}, "/test.Relay/Send")
		if err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}
		err = stream.RecvMsg(&healthpb.HealthCheckResponse{})
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	err := call(gatekeeper.MetadataUserID, "alice")
	assert.Equal(t, codes.Unauthenticated, status.Code(err), "callers without a service token are rejected")
	assert.Empty(t, decisions)

	service := mintToken(t, "telegram-bridge", auth.RoleService)
	require.NoError(t, call("authorization", "Bearer "+service, gatekeeper.MetadataUserID, "alice"))
	d := <-decisions
	assert.True(t, d.Allowed)
	assert.NotEmpty(t, d.SessionID)

	err = call("authorization", "Bearer "+service, gatekeeper.MetadataUserID, "mallory")
	assert.Equal(t, codes.Unauthenticated, status.Code(err), "admission still applies to authenticated callers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.audit.Close(ctx))
	assert.Len(t, st.AuditEntries(), 2, "the unauthenticated call never reached admission")
}

func TestNew_SQLite(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Database.Path = filepath.Join(t.TempDir(), "gatekeeper.db")

	srv, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	rec := serve(t, srv, http.MethodPost, "/api/admit", "", api.AdmitRequest{UserID: "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"allowed":true`))

	rec = serve(t, srv, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestNew_PostgresUnreachable(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Database.Driver = config.DriverPostgres
	cfg.Database.DSN = "postgres://127.0.0.1:1/none?connect_timeout=1"

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
