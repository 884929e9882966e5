package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
)

// 1x1 transparent gif
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackOpen always answers with the pixel, unknown ids included.
func TrackOpen(trackingService interfaces.TrackingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "TrackOpen", c.Request.Header)
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		trackingID := c.Param("trackingId")
		tracing.TagEntity(span, trackingID)

		if err := trackingService.RecordOpen(ctx, trackingID); err != nil {
			if errors.Is(err, repository.ErrTrackingRecordNotFound) {
				span.LogKV("result.found", false)
			} else {
				tracing.TraceErr(span, err)
			}
		}

		c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		c.Header("Pragma", "no-cache")
		c.Data(http.StatusOK, "image/gif", trackingPixel)
	}
}

func TrackClick(trackingService interfaces.TrackingService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "TrackClick", c.Request.Header)
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		trackingID := c.Param("trackingId")
		tracing.TagEntity(span, trackingID)

		url, err := trackingService.ResolveClick(ctx, trackingID, c.Param("linkId"))
		if err != nil {
			if errors.Is(err, repository.ErrClickNotFound) {
				c.String(http.StatusNotFound, "link not found")
				return
			}
			tracing.TraceErr(span, err)
			c.String(http.StatusInternalServerError, "internal error")
			return
		}

		c.Header("Cache-Control", "no-store")
		c.Redirect(http.StatusFound, url)
	}
}

// Unsubscribe serves both the visible link and RFC 8058 one-click posts.
func Unsubscribe(trackingService interfaces.TrackingService, suppressionService interfaces.SuppressionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "Unsubscribe", c.Request.Header)
		defer span.Finish()
		tracing.SetDefaultRestSpanTags(ctx, span)

		email := c.Query("e")
		campaignID := c.Query("c")
		token := c.Query("t")
		tracing.TagCampaign(span, campaignID)

		if email == "" || token == "" || !trackingService.VerifyUnsubscribeToken(email, campaignID, token) {
			span.LogKV("result.valid", false)
			c.Data(http.StatusBadRequest, "text/html; charset=utf-8", []byte(unsubscribePage("This unsubscribe link is invalid or has expired.")))
			return
		}

		if err := suppressionService.Add(ctx, email, enum.SuppressionReasonUnsubscribe, enum.SuppressionSourceUnsubscribeLink); err != nil {
			tracing.TraceErr(span, err)
			c.Data(http.StatusInternalServerError, "text/html; charset=utf-8", []byte(unsubscribePage("We could not process your request. Please try again later.")))
			return
		}

		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(unsubscribePage("You have been unsubscribed and will no longer receive these emails.")))
	}
}

func unsubscribePage(message string) string {
	return "<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>Unsubscribe</title></head><body><p>" + message + "</p></body></html>"
}
