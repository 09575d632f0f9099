package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fclairamb/tokengate/internal/gateway"
)

// Context keys
const (
	contextKeyRequestID = "request_id"
)

// requestIDMiddleware keeps the caller's X-Request-ID or assigns one, and echoes it
// on the response. The same id is forwarded upstream by the proxy.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(gateway.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(contextKeyRequestID, id)
		c.Header(gateway.HeaderRequestID, id)
		c.Next()
	}
}

// getRequestID returns the request id assigned by requestIDMiddleware
func getRequestID(c *gin.Context) string {
	return c.GetString(contextKeyRequestID)
}
