// ABOUTME: gRPC interceptors that authenticate the calling service by bearer JWT
// ABOUTME: Runs before admission so only known transports can speak for end users

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const healthServicePrefix = "/grpc.health.v1.Health/"

// logAuthFailure logs an authentication failure with the peer address when known.
func logAuthFailure(logger *slog.Logger, ctx context.Context, method, reason string) {
	if logger == nil {
		return
	}
	attrs := []any{"reason", reason, "method", method}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", attrs...)
}

// UnaryInterceptor verifies the caller JWT from the "authorization" metadata
// and requires one of roles. Admins pass every role check. Health checks are
// not authenticated.
func UnaryInterceptor(verifier TokenVerifier, logger *slog.Logger, roles ...string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}
		authCtx, err := authenticateRPC(ctx, info.FullMethod, verifier, logger, roles)
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, authCtx), req)
	}
}

// StreamInterceptor is UnaryInterceptor for streaming calls.
func StreamInterceptor(verifier TokenVerifier, logger *slog.Logger, roles ...string) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(srv, ss)
		}
		authCtx, err := authenticateRPC(ss.Context(), info.FullMethod, verifier, logger, roles)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: WithAuth(ss.Context(), authCtx)})
	}
}

// NoAuthUnaryInterceptor injects an anonymous admin caller when no jwt
// secret is configured.
func NoAuthUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		return handler(WithAuth(ctx, anonymous()), req)
	}
}

// NoAuthStreamInterceptor is NoAuthUnaryInterceptor for streaming calls.
func NoAuthStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: WithAuth(ss.Context(), anonymous())})
	}
}

func anonymous() *AuthContext {
	return &AuthContext{Subject: "anonymous", Role: RoleAdmin}
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

func authenticateRPC(ctx context.Context, method string, verifier TokenVerifier, logger *slog.Logger, roles []string) (*AuthContext, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}

	token, errMsg := extractBearerToken(header)
	if errMsg != "" {
		logAuthFailure(logger, ctx, method, errMsg)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		logAuthFailure(logger, ctx, method, err.Error())
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	authCtx := &AuthContext{Subject: claims.Subject, Role: claims.Role}
	if len(roles) > 0 && !authCtx.HasRole(roles...) {
		logAuthFailure(logger, ctx, method, "insufficient role")
		return nil, status.Error(codes.PermissionDenied, "insufficient role")
	}
	return authCtx, nil
}
