package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const authenticatedContextKey = "auth_authenticated"

// Middleware rejects requests that do not carry the bridge token.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}
		if err := s.ValidateToken(s.extractToken(c)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(authenticatedContextKey, true)
		c.Next()
	}
}

// Authenticated reports whether the middleware accepted a token for this request.
func Authenticated(c *gin.Context) bool {
	return c.GetBool(authenticatedContextKey)
}

// extractToken reads the bearer header, falling back to the query parameter
// for EventSource clients that cannot set headers.
func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token := c.Query(s.queryName); token != "" {
		return token
	}
	return ""
}
