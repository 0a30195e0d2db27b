// ABOUTME: Stable denial reason codes returned with admission decisions
// ABOUTME: Codes are safe to show end users; Message gives the human wording

package gatekeeper

// Reason is a stable denial code. Empty means allowed.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonInvalidIdentity      Reason = "invalid_identity"
	ReasonUnauthorized         Reason = "unauthorized"
	ReasonInvalidRequest       Reason = "invalid_request"
	ReasonRateLimited          Reason = "rate_limited"
	ReasonSessionLimitExceeded Reason = "session_limit_exceeded"
	ReasonBudgetExceeded       Reason = "budget_exceeded"
	ReasonStorageUnavailable   Reason = "storage_unavailable"
)

// Message returns a human-readable explanation for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return "Request admitted."
	case ReasonInvalidIdentity:
		return "Your identity could not be read. Please reconnect and try again."
	case ReasonUnauthorized:
		return "You are not authorized to use this assistant. Ask an operator for an access token."
	case ReasonInvalidRequest:
		return "The request was malformed."
	case ReasonRateLimited:
		return "You are sending requests too quickly. Please wait and try again."
	case ReasonSessionLimitExceeded:
		return "You have too many active sessions. Close one and try again."
	case ReasonBudgetExceeded:
		return "Your usage budget is exhausted. Ask an operator to reset it."
	case ReasonStorageUnavailable:
		return "The service is temporarily unavailable. Please try again shortly."
	default:
		return "Request denied."
	}
}

func (r Reason) String() string {
	return string(r)
}
