// Package middleware contains the gin middleware shared by every HTTP
// surface: the websocket endpoint, the probes, and /metrics.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/flylive/msab/internal/v1/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID adopts the caller's correlation id or mints one, echoes it on
// the response, and stashes it where the logger picks it up.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
