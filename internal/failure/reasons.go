package failure

// Failure reasons attached to errors and log lines
const (
	// Credential failures
	ReasonStatusUnauthorized = "status_unauthorized" // HTTP 401
	ReasonTokenRejected      = "token_rejected"      // Body names an invalid/expired/malformed token
	ReasonNoRefreshToken     = "no_refresh_token"    // Nothing to refresh with
	ReasonRefreshFailed      = "refresh_failed"      // Refresh endpoint rejected the refresh credential
	ReasonRefreshExhausted   = "refresh_exhausted"   // Replay kept failing after refresh

	// Session failures
	ReasonStatusForbidden = "status_forbidden" // HTTP 403
	ReasonSessionEnded    = "session_ended"    // Session cleared while the call waited for a refresh

	// Transport failures
	ReasonSuperseded   = "superseded"    // Newer call on the same endpoint key
	ReasonNoResponse   = "no_response"   // Network error, no HTTP response
	ReasonTimeout      = "timeout"       // Deadline exceeded
	ReasonUnavailable  = "unavailable"   // 502/503/504
	ReasonUpstreamFail = "upstream_fail" // Any other non-2xx

	// Local failures
	ReasonInvalidRequest = "invalid_request" // Request could not be built
)
