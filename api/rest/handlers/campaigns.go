package handlers

import (
	"fmt"
	"net/http"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	apierrors "github.com/customeros/mailblast/api/errors"
	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/tracing"
)

// AddRecipients validates every row before anything is stored. One bad
// address rejects the whole request.
func AddRecipients(dispatcherService interfaces.DispatcherService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "AddRecipients")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		campaignID := c.Param("id")
		tracing.TagCampaign(span, campaignID)

		var request dto.AddRecipientsRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if len(request.Recipients) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recipients is required"})
			return
		}

		validationErrors := apierrors.NewMultiErrors()
		for i := range request.Recipients {
			key := fmt.Sprintf("recipients[%d].email", i)
			if request.Recipients[i].Email == "" {
				validationErrors.Add(key, "is required", nil)
				continue
			}
			validation := mailvalidate.ValidateEmailSyntax(request.Recipients[i].Email)
			if !validation.IsValid {
				validationErrors.Add(key, "must be a valid email", nil)
				continue
			}
			request.Recipients[i].Email = validation.CleanEmail
		}
		if validationErrors.HasErrors() {
			span.LogKV("result.invalid", len(validationErrors.Errors))
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "invalid recipients",
				"fields": validationErrors.Fields(),
			})
			return
		}

		added, err := dispatcherService.AddRecipients(ctx, campaignID, request.Recipients)
		if err != nil {
			respondError(c, span, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"campaignId": campaignID,
			"added":      added,
			"skipped":    int64(len(request.Recipients)) - added,
		})
	}
}
