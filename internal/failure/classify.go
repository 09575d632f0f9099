package failure

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Raw is an unclassified failure as observed by the gateway.
type Raw struct {
	// Status is the HTTP status code, 0 when no response was received.
	Status int
	// Body is the raw response body, if any.
	Body []byte
	// Err is the transport error when no response was received.
	Err error
	// Superseded is set when the call was canceled by a newer call on the same endpoint key.
	Superseded bool
}

// tokenMarkers are lowercase fragments the upstream uses to say the access token is unusable.
var tokenMarkers = []string{
	"invalid token",
	"token invalid",
	"token expired",
	"token is expired",
	"jwt expired",
	"jwt malformed",
	"malformed token",
	"invalid signature",
	"no token provided",
}

// Classify maps a raw failure to a *Error. The checks run in a fixed order:
// cancellation, credential rejection, forbidden, no response, everything else.
func Classify(raw Raw) *Error {
	if raw.Superseded {
		return &Error{Kind: Canceled, Reason: ReasonSuperseded, Message: "Request superseded", Err: raw.Err}
	}

	payload := parsePayload(raw.Body)
	message := payload.message()

	if raw.Status == http.StatusUnauthorized {
		return &Error{Kind: Unauthenticated, Status: raw.Status, Reason: ReasonStatusUnauthorized, Message: orDefault(message, raw)}
	}

	if mentionsToken(message) || mentionsToken(payload.text) || payload.unauthorizedStatus() {
		return &Error{Kind: Unauthenticated, Status: raw.Status, Reason: ReasonTokenRejected, Message: orDefault(message, raw)}
	}

	if raw.Status == http.StatusForbidden {
		return &Error{Kind: Forbidden, Status: raw.Status, Reason: ReasonStatusForbidden, Message: orDefault(message, raw)}
	}

	if raw.Status == 0 {
		reason := ReasonNoResponse
		if isTimeout(raw.Err) {
			reason = ReasonTimeout
		}

		return &Error{Kind: Transient, Reason: reason, Message: orDefault(message, raw), Err: raw.Err}
	}

	switch raw.Status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &Error{Kind: Transient, Status: raw.Status, Reason: ReasonUnavailable, Message: orDefault(message, raw)}
	}

	return &Error{Kind: Other, Status: raw.Status, Reason: ReasonUpstreamFail, Message: orDefault(message, raw)}
}

func mentionsToken(s string) bool {
	if s == "" {
		return false
	}

	lower := strings.ToLower(s)
	for _, marker := range tokenMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func orDefault(message string, raw Raw) string {
	if message != "" {
		return message
	}

	return FallbackMessage(raw.Status)
}
