package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/customeros/mailblast/internal/utils"
)

var tenantHeaders = []string{"Tenant", "TenantName", "X-Tenant"}

// TenantMiddleware copies the tenant header into the gin context. Header
// lookups are case-insensitive.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tenant := firstHeader(c, tenantHeaders); tenant != "" {
			c.Set("TenantName", tenant)
		}
		c.Next()
	}
}

// TenantValidationMiddleware rejects requests without a tenant. It runs
// after CustomContextMiddleware, so the tenant is read from the request
// context.
func TenantValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := utils.ValidateTenant(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant header is required"})
			return
		}
		c.Next()
	}
}

func firstHeader(c *gin.Context, headers []string) string {
	for _, header := range headers {
		if value := c.GetHeader(header); value != "" {
			return value
		}
	}
	return ""
}
