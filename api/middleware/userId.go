package middleware

import (
	"github.com/gin-gonic/gin"
)

var (
	userIdHeaders    = []string{"User-Id", "UserId", "X-User-Id"}
	userEmailHeaders = []string{"User-Email", "X-User-Email"}
)

func UserIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("UserId", firstHeader(c, userIdHeaders))
		c.Set("UserEmail", firstHeader(c, userEmailHeaders))
		c.Next()
	}
}
