package transport

import (
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// bearerToken pulls the token from the Authorization header, falling back to
// the token query parameter because browsers cannot set headers on websocket
// requests.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		if token := strings.TrimSpace(after); token != "" {
			return token
		}
	}
	return strings.TrimSpace(c.Query("token"))
}

// originAllowed matches the Origin header against the configured list by
// scheme and host. An absent Origin header passes so non-browser clients can
// connect.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, entry := range allowed {
		allowedURL, err := url.Parse(entry)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}
