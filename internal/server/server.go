// ABOUTME: Server orchestrator that wires storage, admission components, HTTP and gRPC
// ABOUTME: Owns the component lifecycle from store open through graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/coven-gatekeeper/internal/admin"
	"github.com/2389/coven-gatekeeper/internal/api"
	"github.com/2389/coven-gatekeeper/internal/audit"
	"github.com/2389/coven-gatekeeper/internal/auth"
	"github.com/2389/coven-gatekeeper/internal/config"
	"github.com/2389/coven-gatekeeper/internal/dedupe"
	"github.com/2389/coven-gatekeeper/internal/gatekeeper"
	"github.com/2389/coven-gatekeeper/internal/identity"
	"github.com/2389/coven-gatekeeper/internal/metrics"
	"github.com/2389/coven-gatekeeper/internal/ratelimit"
	"github.com/2389/coven-gatekeeper/internal/session"
	"github.com/2389/coven-gatekeeper/internal/store"
	"github.com/2389/coven-gatekeeper/internal/userlock"
)

// Server runs the coven-gatekeeper components.
type Server struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	identity   *identity.IdentityStore
	limiter    *ratelimit.Limiter
	sessions   *session.Manager
	audit      *audit.Log
	replay     *dedupe.Cache[gatekeeper.Decision]
	gatekeeper *gatekeeper.Gatekeeper
	metrics    *metrics.Metrics

	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	handler     http.Handler
	tsnetServer *tsnet.Server
}

// openStore creates the configured store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	}
}

// New opens the configured store and builds a Server around it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	srv, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return srv, nil
}

// NewWithStore builds a Server on an already open store. The Server takes
// ownership of st and closes it on Shutdown.
func NewWithStore(cfg *config.Config, st store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	srv := &Server{
		config:  cfg,
		store:   st,
		logger:  logger.With("component", "server"),
		metrics: metrics.New(),
	}

	srv.audit = audit.New(st, audit.Config{
		Shards:       cfg.Audit.Shards,
		QueueSize:    cfg.Audit.QueueSize,
		WriteTimeout: cfg.Audit.WriteTimeout,
		OnError:      srv.onAuditError,
	}, logger)

	locks := userlock.New()

	srv.identity = identity.New(identity.Config{
		Whitelist:        cfg.Auth.Whitelist,
		TokenAuthEnabled: cfg.Auth.TokenAuth(),
	}, st, logger)

	var err error
	srv.limiter, err = ratelimit.New(ratelimit.Config{
		RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
		Window:            cfg.RateLimit.Window,
		Burst:             cfg.RateLimit.Burst,
		IdleTTL:           cfg.RateLimit.IdleTTL,
	}, locks)
	if err != nil {
		srv.closeAudit()
		return nil, fmt.Errorf("creating rate limiter: %w", err)
	}

	srv.sessions, err = session.NewManager(session.Config{
		MaxSessionsPerUser: cfg.Sessions.MaxPerUser,
		IdleTimeout:        cfg.Sessions.IdleTimeout,
		CostCeiling:        cfg.Budget.CostCeiling,
		EvictionPolicy:     session.EvictionPolicy(cfg.Sessions.Eviction),
		ClosedRetention:    cfg.Sessions.ClosedRetention,
		OnEvict:            gatekeeper.EvictionRecorder(srv.audit, srv.metrics),
	}, st, locks, logger)
	if err != nil {
		srv.closeAudit()
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	if cfg.Admission.ReplayTTL > 0 {
		srv.replay = dedupe.New[gatekeeper.Decision](cfg.Admission.ReplayTTL, cfg.Admission.ReplaySize)
	}

	srv.gatekeeper = gatekeeper.New(gatekeeper.Deps{
		Identity: srv.identity,
		Limiter:  srv.limiter,
		Sessions: srv.sessions,
		Audit:    srv.audit,
		Metrics:  srv.metrics,
		Replay:   srv.replay,
	}, logger)

	if err := srv.buildHTTP(); err != nil {
		srv.closeAudit()
		return nil, err
	}
	if err := srv.buildGRPC(); err != nil {
		srv.closeAudit()
		return nil, err
	}

	return srv, nil
}

// onAuditError surfaces audit write failures. Admission has already proceeded.
func (s *Server) onAuditError(e store.AuditEntry, err error) {
	kind := "write"
	if errors.Is(err, audit.ErrQueueFull) {
		kind = "queue_full"
	}
	s.metrics.AuditFailure(kind)
	s.logger.Error("audit entry lost", "kind", kind, "action", e.Action, "user_id", e.UserID, "audit_id", e.ID, "error", err)
}

func (s *Server) closeAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.audit.Close(ctx)
}

// callerVerifier returns the JWT verifier for service and operator callers,
// or nil when no secret is configured.
func (s *Server) callerVerifier() (*auth.JWTVerifier, error) {
	if s.config.Auth.JWTSecret == "" {
		return nil, nil
	}
	verifier, err := auth.NewJWTVerifier([]byte(s.config.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	return verifier, nil
}

// authMiddleware returns JWT auth when a secret is configured, otherwise an
// anonymous admin caller.
func (s *Server) authMiddleware() (func(http.Handler) http.Handler, error) {
	verifier, err := s.callerVerifier()
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		s.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return auth.NoAuthMiddleware(), nil
	}
	s.logger.Info("HTTP auth middleware enabled")
	return auth.HTTPAuthMiddleware(verifier, s.logger.With("component", "auth")), nil
}

func (s *Server) buildHTTP() error {
	authn, err := s.authMiddleware()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	if s.config.Metrics.Enabled {
		mux.Handle("GET "+s.config.Metrics.Path, s.metrics.Handler())
	}

	requireService := auth.RequireRole(auth.RoleService)
	api.NewHandler(s.gatekeeper, s.sessions, s.logger).Register(mux, func(next http.Handler) http.Handler {
		return authn(requireService(next))
	})

	admin.New(admin.Deps{
		Identity: s.identity,
		Sessions: s.sessions,
		Usage:    s.store,
		Audit:    s.audit,
		Sweeper:  s,
	}, s.logger).Register(mux, authn)

	s.handler = s.metrics.Instrument(mux)
	s.httpServer = &http.Server{
		Addr:              s.config.Server.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// buildGRPC authenticates the calling service before admission runs, so
// only a service or admin token can speak for an end user.
func (s *Server) buildGRPC() error {
	verifier, err := s.callerVerifier()
	if err != nil {
		return err
	}
	unaryAuth, streamAuth := auth.NoAuthUnaryInterceptor(), auth.NoAuthStreamInterceptor()
	if verifier != nil {
		authLogger := s.logger.With("component", "auth")
		unaryAuth = auth.UnaryInterceptor(verifier, authLogger, auth.RoleService)
		streamAuth = auth.StreamInterceptor(verifier, authLogger, auth.RoleService)
		s.logger.Info("gRPC auth interceptors enabled")
	} else {
		s.logger.Warn("gRPC auth disabled - no jwt_secret configured")
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(unaryAuth, s.gatekeeper.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(streamAuth, s.gatekeeper.StreamServerInterceptor()),
	)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	return nil
}

// GRPCServer returns the gRPC server so an embedding process can register
// backend services before Run. Every call passes caller authentication and
// admission first.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Handler returns the HTTP handler, including instrumentation.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Gatekeeper returns the admission controller.
func (s *Server) Gatekeeper() *gatekeeper.Gatekeeper {
	return s.gatekeeper
}

// Identity returns the identity store.
func (s *Server) Identity() *identity.IdentityStore {
	return s.identity
}
