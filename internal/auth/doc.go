// Package auth authenticates the processes and operators that call the
// gatekeeper's HTTP API and gRPC listener.
//
// End users never hold these credentials; they are identified by the
// transport layer and checked by the identity package. Callers here are
// services (the chat transport, the assistant backend) and operators.
//
// # Tokens
//
// Callers present HS256 JWTs in the Authorization header:
//
//	Authorization: Bearer <jwt>
//
// Required claims:
//
//   - sub: caller name, recorded in logs
//   - role: "service" or "admin"
//   - exp: expiry
//
// Tokens are minted with JWTVerifier.Generate, typically through
// "coven-gatekeeper jwt", using the configured auth.jwt_secret (32 bytes minimum).
//
// # Middleware
//
//	HTTPAuthMiddleware(verifier, logger) // verify and attach AuthContext
//	RequireRole(RoleService)             // service or admin
//	RequireAdminHTTP()                   // admin only
//
// The gRPC listener uses UnaryInterceptor and StreamInterceptor with the
// same tokens in "authorization" metadata, requiring RoleService. Health
// checks are exempt.
//
// When no secret is configured the server uses NoAuthMiddleware and the
// NoAuth interceptors, which treat every caller as an anonymous admin, and
// logs a warning at startup.
package auth
