// ABOUTME: Liveness and readiness endpoints
// ABOUTME: Readiness pings the store of record since admission fails closed without it

package server

import (
	"context"
	"net/http"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
