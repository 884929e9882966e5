package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

func AddSuppression(suppressionService interfaces.SuppressionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "AddSuppression")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		var request dto.SuppressionRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		if err := utils.ValidateStruct(request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		source := request.Source
		if source == "" {
			source = enum.SuppressionSourceAPI
		}
		if err := suppressionService.Add(ctx, request.Email, enum.SuppressionReason(request.Reason), source); err != nil {
			respondError(c, span, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"email":  utils.NormalizeEmail(request.Email),
			"reason": request.Reason,
		})
	}
}

func GetSuppression(suppressionService interfaces.SuppressionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "GetSuppression")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		email := c.Param("email")
		suppressed, err := suppressionService.IsSuppressed(ctx, email)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"email":      utils.NormalizeEmail(email),
			"suppressed": suppressed,
		})
	}
}

func RemoveSuppression(suppressionService interfaces.SuppressionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "RemoveSuppression")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		if err := suppressionService.Remove(ctx, c.Param("email")); err != nil {
			respondError(c, span, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// ImportSuppressions accepts a csv or xlsx upload in the "file" form field.
func ImportSuppressions(suppressionService interfaces.SuppressionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "ImportSuppressions")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		span.LogKV("request.filename", fileHeader.Filename, "request.size", fileHeader.Size)

		file, err := fileHeader.Open()
		if err != nil {
			respondError(c, span, err)
			return
		}
		defer file.Close()

		result, err := suppressionService.ImportFile(ctx, fileHeader.Filename, file)
		if err != nil {
			respondError(c, span, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
