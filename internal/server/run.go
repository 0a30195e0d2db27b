// ABOUTME: Listener setup, serving, and graceful shutdown for the HTTP and gRPC servers
// ABOUTME: Listens on TCP, or on a tsnet node when tailscale is enabled

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// Tailnet ports used when tailscale is enabled.
const (
	tailnetGRPCAddr = ":50051"
	tailnetHTTPAddr = ":80"
)

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting gatekeeper",
		"grpc_addr", s.config.Server.GRPCAddr,
		"http_addr", s.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.GRPCAddr != "" || s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-gatekeeper", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet node and returns listeners for gRPC and HTTP.
func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = s.tsnetServer.Listen("tcp", tailnetGRPCAddr)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = s.tsnetServer.Listen("tcp", tailnetHTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := s.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the servers and the sweeper and blocks until ctx is canceled
// or a server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	grpcListener, httpListener, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		s.runSweeper(sweepCtx, s.config.Sessions.SweepInterval)
	}()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	errCh := s.startServers(grpcListener, httpListener)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	stopSweeper()
	<-sweeperDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops serving, drains the audit log, flushes pending spend, and
// closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gatekeeper")
	s.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	s.shutdownGRPCServer(ctx)

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}

	if s.replay != nil {
		s.replay.Close()
	}

	errs = appendCloseError(errs, "audit drain", s.audit.Close(ctx))

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stats := s.sessions.Sweep(flushCtx); stats.FlushErrors > 0 {
		errs = append(errs, fmt.Errorf("spend flush: %d users with unpersisted spend", stats.FlushErrors))
	}

	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
