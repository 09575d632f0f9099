package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fclairamb/tokengate/internal/failure"
	"github.com/fclairamb/tokengate/internal/gateway"
)

// HeaderEndpointKey names the header carrying the endpoint key of a proxied call.
// Calls sharing a key cancel each other; calls without one never do.
const HeaderEndpointKey = "X-Endpoint-Key"

// statusClientClosedRequest reports a call superseded by a newer one with the same key.
const statusClientClosedRequest = 499

const maxRequestBytes = 8 << 20

// Request headers never forwarded upstream. The gateway sets its own credentials.
var droppedRequestHeaders = []string{
	"Authorization",
	"Cookie",
	"Connection",
	"Content-Length",
	"Accept-Encoding",
	"Keep-Alive",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	HeaderEndpointKey,
}

// Response headers never copied back to the local caller.
var droppedResponseHeaders = []string{
	"Connection",
	"Content-Length",
	"Content-Encoding",
	"Keep-Alive",
	"Transfer-Encoding",
	"Set-Cookie",
}

// handleProxy forwards a local call through the gateway.
func (s *Server) handleProxy(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	req := gateway.Request{
		EndpointKey: c.GetHeader(HeaderEndpointKey),
		Method:      c.Request.Method,
		Path:        c.Param("path"),
		Params:      c.Request.URL.Query(),
		Headers:     forwardHeaders(c.Request.Header),
	}

	if len(body) > 0 {
		req.Body = body
	}

	req.Headers.Set(gateway.HeaderRequestID, getRequestID(c))

	resp, err := s.gateway.Dispatch(c.Request.Context(), req)
	if err != nil {
		failureResponse(c, err)
		return
	}

	for name, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}

	for _, name := range droppedResponseHeaders {
		c.Writer.Header().Del(name)
	}

	if len(resp.Body) == 0 {
		c.Status(resp.Status)
		return
	}

	c.Data(resp.Status, resp.Header.Get("Content-Type"), resp.Body)
}

// forwardHeaders returns a copy of h without the headers the gateway owns.
func forwardHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}

	for _, name := range droppedRequestHeaders {
		out.Del(name)
	}

	return out
}

// failureResponse maps a gateway rejection to a local HTTP answer.
func failureResponse(c *gin.Context, err error) {
	var ferr *failure.Error
	if !errors.As(err, &ferr) {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(statusForFailure(ferr), gin.H{
		"error":  ferr.Message,
		"kind":   ferr.Kind.String(),
		"reason": ferr.Reason,
	})
}

// statusForFailure picks the status returned to the local caller for a rejection.
func statusForFailure(ferr *failure.Error) int {
	switch ferr.Kind {
	case failure.Canceled:
		return statusClientClosedRequest
	case failure.Unauthenticated:
		return http.StatusUnauthorized
	case failure.Forbidden:
		return http.StatusForbidden
	case failure.Transient:
		if ferr.Status != 0 {
			return ferr.Status
		}

		return http.StatusBadGateway
	default:
		if ferr.Reason == failure.ReasonInvalidRequest {
			return http.StatusBadRequest
		}

		if ferr.Status != 0 {
			return ferr.Status
		}

		return http.StatusInternalServerError
	}
}
