package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// UserKey is the gin context key holding the caller's user id.
	UserKey = "user_id"
	// UserHeader carries the user id set by the upstream gateway.
	UserHeader = "X-User-ID"
)

// RequireUser copies the caller's id from UserHeader into the context and
// rejects requests without one with 401.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing required header: " + UserHeader,
			})
			return
		}
		c.Set(UserKey, userID)
		c.Next()
	}
}

// UserFromContext returns the id stored by RequireUser.
func UserFromContext(c *gin.Context) (string, bool) {
	userID := c.GetString(UserKey)
	return userID, userID != ""
}
