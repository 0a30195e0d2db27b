// Package admin provides operator HTTP handlers for the gatekeeper.
//
// # Overview
//
// The admin package exposes token management, user bans, spend resets, the
// audit log and manual maintenance as JSON endpoints, used by the
// coven-admin CLI tool. Every route requires a caller with the admin role.
//
// # Endpoints
//
// Token management:
//
//   - GET /api/admin/tokens - List access tokens (never the secrets)
//   - POST /api/admin/tokens - Issue a token; the plaintext is returned once
//   - DELETE /api/admin/tokens/{id} - Revoke a token
//
// User management:
//
//   - GET /api/admin/users - List known users
//   - GET /api/admin/users/{id} - User detail with spend and sessions
//   - POST /api/admin/users/{id}/reset-spend - Zero cumulative spend
//   - POST /api/admin/users/{id}/deny - Ban a user
//   - POST /api/admin/users/{id}/allow - Lift a ban
//
// Audit and maintenance:
//
//   - GET /api/admin/audit - Query the audit log
//   - POST /api/admin/sweep - Run one maintenance pass now
//
// # Auditing
//
// Issue, revoke, deny, allow and reset-spend each append an audit entry
// naming the acting operator in its detail.
//
// # Usage
//
//	adminAPI := admin.New(admin.Deps{...}, logger)
//	adminAPI.Register(mux, authMiddleware)
package admin
