package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by Identity
const (
	UserIDKey    = "user_id"
	UserNameKey  = "user_name"
	UserEmailKey = "user_email"
)

// Identity extracts the caller set by the ingress from X-User-ID, X-User-Name
// and X-User-Email. A value already placed on the context by an earlier auth
// middleware wins over the header.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(UserIDKey)
		if userID == "" {
			userID = strings.TrimSpace(c.GetHeader("X-User-ID"))
		}

		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		if c.GetString(UserNameKey) == "" {
			c.Set(UserNameKey, strings.TrimSpace(c.GetHeader("X-User-Name")))
		}
		if c.GetString(UserEmailKey) == "" {
			c.Set(UserEmailKey, strings.TrimSpace(c.GetHeader("X-User-Email")))
		}
		c.Next()
	}
}
