package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/tracing"
)

func ListOperations(operationsService interfaces.OperationsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operations": operationsService.Names()})
	}
}

// RunOperation runs one whitelisted operation. The body is optional.
func RunOperation(operationsService interfaces.OperationsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "RunOperation")
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		name := c.Param("name")
		span.LogKV("request.operation", name)

		var request dto.OperationRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&request); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
				return
			}
		}
		tracing.LogObjectAsJson(span, "request", request)

		result, err := operationsService.Run(ctx, name, request)
		if err != nil {
			respondError(c, span, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"operation": name,
			"result":    result,
		})
	}
}
