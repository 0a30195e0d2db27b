// Package server wires the gatekeeper components into a running process.
//
// # Overview
//
// A Server owns the store, the identity store, the rate limiter, the session
// manager, the audit log and the gatekeeper that composes them. It exposes
// them over:
//
//   - HTTP: /api/admit, /api/sessions/..., /api/admin/..., /health,
//     /health/ready and /metrics
//   - gRPC: admission interceptors plus grpc.health.v1; embedding processes
//     register their backend services on GRPCServer()
//
// Listeners are plain TCP, or a tsnet node when tailscale is enabled.
//
// # Maintenance
//
// A background sweeper runs on sessions.sweep_interval. Each pass expires
// idle sessions, retries unpersisted spend, drops idle rate buckets, deletes
// stale access tokens and refreshes gauges. POST /api/admin/sweep runs the
// same pass on demand.
//
// # Shutdown
//
// Shutdown stops the listeners, drains the audit log, flushes pending spend
// and closes the store, in that order.
package server
