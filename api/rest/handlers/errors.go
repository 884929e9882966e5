package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
)

var notFoundErrors = []error{
	mberrors.ErrUnknownOperation,
	repository.ErrCampaignNotFound,
	repository.ErrSenderNotFound,
	repository.ErrTrackingRecordNotFound,
	repository.ErrClickNotFound,
}

func errorStatus(err error) int {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return http.StatusNotFound
		}
	}
	switch mberrors.KindOf(err) {
	case mberrors.KindValidation, mberrors.KindSuppressedRecipient:
		return http.StatusBadRequest
	case mberrors.KindConfiguration:
		return http.StatusUnprocessableEntity
	case mberrors.KindQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as JSON. Only server errors are traced as errors.
func respondError(c *gin.Context, span opentracing.Span, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		tracing.TraceErr(span, err)
		c.JSON(status, gin.H{"error": "internal error", "traceId": tracing.GetTraceId(span)})
		return
	}
	span.LogKV("result.status", status, "result.error", err.Error())
	c.JSON(status, gin.H{"error": err.Error()})
}
