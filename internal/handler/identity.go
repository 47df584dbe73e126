package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const userIDKey = "paywall.user_id"

// Identity reads the reader id that the upstream auth gateway put in header.
// A request without it is anonymous.
func Identity(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(header)); id != "" {
			c.Set(userIDKey, id)
		}
		c.Next()
	}
}

// UserID returns the reader id set by Identity, or "" for anonymous requests.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Status: "failed", Message: "authentication required"})
			return
		}
		c.Next()
	}
}
