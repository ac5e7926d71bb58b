package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/bmbapp/bmb/internal/logging"
)

// ContextKeyUserID is the gin context key holding the authenticated user id.
const ContextKeyUserID = "authUserID"

// Middleware extracts the bearer token and, when valid, stores the user id
// in the gin context and the request context. Invalid tokens are ignored
// here; RequireAuth rejects unauthenticated requests.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token != "" {
			if userID, err := v.Verify(token); err == nil {
				c.Set(ContextKeyUserID, userID)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for WebSocket and SSE clients that cannot
// set headers.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return ""
	}
	return c.Query("access_token")
}
