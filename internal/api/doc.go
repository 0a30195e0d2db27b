// Package api serves the HTTP endpoints used by the transport layer and the
// assistant backend.
//
// The transport calls POST /api/admit once per inbound unit of work and acts
// on the returned decision. The backend reports each completed turn with
// POST /api/sessions/{id}/turns so its cost is charged against the user's
// budget, and either side may end a session with DELETE /api/sessions/{id}.
//
// Denials are data, not HTTP errors: /api/admit always answers 200 with a
// decision body carrying a stable reason code and a human message. HTTP
// error statuses are reserved for malformed requests and unknown sessions.
package api
