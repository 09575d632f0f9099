package gateway

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/fclairamb/tokengate/internal/credentials"
	"github.com/fclairamb/tokengate/internal/version"
)

// Header names set on every outbound call.
const (
	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"
)

// Decorate returns the headers of an outbound call: the caller's headers, then the
// JSON content headers, then the bearer credential when pair holds one.
// The caller's header map is never modified.
func Decorate(caller http.Header, pair credentials.Pair) http.Header {
	h := caller.Clone()
	if h == nil {
		h = make(http.Header)
	}

	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", version.UserAgent())

	if h.Get(HeaderRequestID) == "" {
		h.Set(HeaderRequestID, uuid.NewString())
	}

	if pair.AccessToken != "" {
		h.Set(HeaderAuthorization, "Bearer "+pair.AccessToken)
	}

	return h
}
