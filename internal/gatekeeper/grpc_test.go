// ABOUTME: Tests for the admission gRPC interceptors
// ABOUTME: Checks metadata parsing, status code mapping, health bypass, and decision propagation

package gatekeeper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-gatekeeper/internal/identity"
	"github.com/2389/coven-gatekeeper/internal/money"
	"github.com/2389/coven-gatekeeper/internal/store"
)

// mockServerStream implements grpc.ServerStream for testing the stream interceptor.
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	return m.ctx
}

func incoming(kv ...string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(kv...))
}

func TestUnaryInterceptor_AdmitsAndPropagatesDecision(t *testing.T) {
	h := newHarness(t, nil)
	interceptor := h.gk.UnaryServerInterceptor()

	var got Decision
	handler := func(ctx context.Context, req any) (any, error) {
		d, ok := DecisionFromContext(ctx)
		require.True(t, ok)
		got = d
		return "ok", nil
	}

	ctx := incoming(MetadataUserID, "admin", MetadataEstimatedCost, "0.25", MetadataRequestID, "r-1")
	resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/assistant.v1.Assistant/Prompt"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.True(t, got.Allowed)
	assert.NotEmpty(t, got.SessionID)
	assert.Equal(t, store.ClassWhitelisted, got.Class)
	require.NotNil(t, got.RemainingBudget)
	assert.Equal(t, 10*money.Dollar, *got.RemainingBudget)

	entries := h.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, got.AuditID, entries[0].ID, "handler sees the audited decision")
	assert.Equal(t, got.SessionID, entries[0].SessionID)
	assert.Equal(t, 25*money.Cent, entries[0].Cost)
	assert.Equal(t, "r-1", entries[0].Detail["request_id"])
}

func TestUnaryInterceptor_DeniedCallSkipsHandler(t *testing.T) {
	h := newHarness(t, nil)
	interceptor := h.gk.UnaryServerInterceptor()

	called := false
	handler := func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	}

	_, err := interceptor(incoming(MetadataUserID, "stranger"), nil, &grpc.UnaryServerInfo{FullMethod: "/assistant.v1.Assistant/Prompt"}, handler)
	assert.Error(t, err)
	assert.False(t, called)
}

func TestUnaryInterceptor_AccessToken(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.issue(t, identity.IssueParams{})
	interceptor := h.gk.UnaryServerInterceptor()

	handler := func(ctx context.Context, req any) (any, error) { return nil, nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/assistant.v1.Assistant/Prompt"}

	_, err := interceptor(incoming(MetadataUserID, "bob", MetadataAccessToken, tok), nil, info, handler)
	require.NoError(t, err)

	// The authorization key carries the caller's credentials, never the user's.
	_, err = interceptor(incoming(MetadataUserID, "carol", "authorization", "Bearer "+tok), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnaryInterceptor_DenialCodes(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.limiter.Burst = 1 })
	interceptor := h.gk.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/assistant.v1.Assistant/Prompt"}

	called := false
	handler := func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	}

	_, err := interceptor(incoming(MetadataUserID, "stranger"), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, ReasonUnauthorized.Message(), status.Convert(err).Message())

	_, err = interceptor(incoming(MetadataUserID, "admin", MetadataEstimatedCost, "lots"), nil, info, handler)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = interceptor(incoming(MetadataUserID, "admin", MetadataNewSession, "maybe"), nil, info, handler)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = interceptor(incoming(MetadataUserID, "admin"), nil, info, handler)
	require.NoError(t, err)
	called = false

	_, err = interceptor(incoming(MetadataUserID, "admin"), nil, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.False(t, called)

	_, err = interceptor(incoming(MetadataUserID, "admin", MetadataEstimatedCost, "11"), nil, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err), "rate limit is checked before budget")
}

func TestUnaryInterceptor_HealthBypass(t *testing.T) {
	h := newHarness(t, nil)
	interceptor := h.gk.UnaryServerInterceptor()

	called := false
	handler := func(ctx context.Context, req any) (any, error) {
		called = true
		_, ok := DecisionFromContext(ctx)
		assert.False(t, ok)
		return nil, nil
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, h.entries(t), "health checks are not audited")
}

func TestStreamInterceptor(t *testing.T) {
	h := newHarness(t, nil)
	interceptor := h.gk.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/assistant.v1.Assistant/Stream"}

	var got Decision
	handler := func(srv any, ss grpc.ServerStream) error {
		d, ok := DecisionFromContext(ss.Context())
		require.True(t, ok)
		got = d
		return nil
	}

	err := interceptor(nil, &mockServerStream{ctx: incoming(MetadataUserID, "admin")}, info, handler)
	require.NoError(t, err)
	assert.True(t, got.Allowed)

	err = interceptor(nil, &mockServerStream{ctx: incoming(MetadataUserID, "stranger")}, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	err = interceptor(nil, &mockServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}, func(srv any, ss grpc.ServerStream) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestStatusCodeMapping(t *testing.T) {
	cases := map[Reason]codes.Code{
		ReasonInvalidIdentity:      codes.Unauthenticated,
		ReasonUnauthorized:         codes.Unauthenticated,
		ReasonRateLimited:          codes.ResourceExhausted,
		ReasonSessionLimitExceeded: codes.ResourceExhausted,
		ReasonBudgetExceeded:       codes.FailedPrecondition,
		ReasonInvalidRequest:       codes.InvalidArgument,
		ReasonStorageUnavailable:   codes.Unavailable,
	}
	for reason, code := range cases {
		assert.Equal(t, code, statusCode(reason), reason)
	}
}
