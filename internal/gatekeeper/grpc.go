// ABOUTME: gRPC interceptors that run admission before a handler sees the request
// ABOUTME: Denials map to status codes; allowed decisions ride along in the handler context

package gatekeeper

import (
	"context"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-gatekeeper/internal/money"
)

// Metadata keys read by the interceptors. The "authorization" key belongs to
// the calling service and is checked by the auth interceptors; the end
// user's access token travels separately.
const (
	MetadataUserID        = "x-user-id"
	MetadataAccessToken   = "x-access-token"
	MetadataRequestID     = "x-request-id"
	MetadataEstimatedCost = "x-estimated-cost"
	MetadataNewSession    = "x-new-session"
	MetadataRetryAfter    = "retry-after"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

type decisionKey struct{}

// WithDecision stores an admission decision in ctx.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext returns the admission decision for the current call.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(Decision)
	return d, ok
}

// UnaryServerInterceptor admits every unary call except health checks.
func (g *Gatekeeper) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}
		ctx, err := g.admitRPC(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor admits every streaming call except health watches.
func (g *Gatekeeper) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(srv, ss)
		}
		ctx, err := g.admitRPC(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func (g *Gatekeeper) admitRPC(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	req, err := requestFromMetadata(md)
	if err != nil {
		return ctx, err
	}

	d := g.Admit(ctx, req)
	if !d.Allowed {
		if d.RetryAfter > 0 {
			secs := strconv.FormatInt((d.RetryAfter.Milliseconds()+999)/1000, 10)
			_ = grpc.SetTrailer(ctx, metadata.Pairs(MetadataRetryAfter, secs))
		}
		return ctx, status.Error(statusCode(d.Reason), d.Reason.Message())
	}
	return WithDecision(ctx, d), nil
}

func requestFromMetadata(md metadata.MD) (Request, error) {
	req := Request{
		UserID:    first(md, MetadataUserID),
		Token:     first(md, MetadataAccessToken),
		RequestID: first(md, MetadataRequestID),
	}
	if raw := first(md, MetadataNewSession); raw != "" {
		fresh, err := strconv.ParseBool(raw)
		if err != nil {
			return req, status.Error(codes.InvalidArgument, "invalid x-new-session value")
		}
		req.NewSession = fresh
	}
	if raw := first(md, MetadataEstimatedCost); raw != "" {
		cost, err := money.Parse(raw)
		if err != nil {
			return req, status.Error(codes.InvalidArgument, "invalid estimated cost")
		}
		req.EstimatedCost = cost
	}
	return req, nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func statusCode(r Reason) codes.Code {
	switch r {
	case ReasonInvalidIdentity, ReasonUnauthorized:
		return codes.Unauthenticated
	case ReasonRateLimited, ReasonSessionLimitExceeded:
		return codes.ResourceExhausted
	case ReasonBudgetExceeded:
		return codes.FailedPrecondition
	case ReasonInvalidRequest:
		return codes.InvalidArgument
	case ReasonStorageUnavailable:
		return codes.Unavailable
	default:
		return codes.PermissionDenied
	}
}
