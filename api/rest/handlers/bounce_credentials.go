package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

// CreateBounceCredential falls back to the caller's tenant and user when the
// body leaves them empty.
func CreateBounceCredential(credentialService interfaces.BounceCredentialService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "CreateBounceCredential")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		var request dto.BounceCredentialRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if request.Tenant == "" {
			request.Tenant = utils.GetTenantFromContext(ctx)
		}
		if request.UserId == "" {
			request.UserId = utils.GetUserIdFromContext(ctx)
		}
		tracing.TagTenant(span, request.Tenant)

		credential, err := credentialService.Create(ctx, request)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusCreated, credential)
	}
}
