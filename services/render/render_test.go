package render

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailblast/config"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/services/tracking"
)

const trackingHeader = "X-Mailblast-Tracking-Id"

func newTestRenderer() *Renderer {
	trackingService := tracking.NewTrackingService(&repository.Repositories{}, &config.AppConfig{
		TrackingPublicUrl: "https://t.example.com/",
		UnsubscribeSecret: "secret",
	})
	return NewRenderer(trackingService, Config{TrackingHeader: trackingHeader})
}

func newRequest(campaign *models.Campaign, template *models.EmailTemplate) Request {
	return Request{
		Campaign: campaign,
		Template: template,
		Sender: &models.Sender{
			Email:       "anna@acme.io",
			DisplayName: "Anna",
			Domain:      "acme.io",
		},
		Recipient: &models.CampaignRecipient{
			Email: "bob@example.com",
			Data:  models.StringMap{"first_name": "bob"},
		},
		TrackingID: "trk-1",
	}
}

func TestRender_SubstitutesVariablesWithSprig(t *testing.T) {
	r := newTestRenderer()
	req := newRequest(
		&models.Campaign{ID: "cmpn_1", TemplateVariables: true},
		&models.EmailTemplate{
			Subject:  "Hi {{ .first_name | title }}",
			BodyText: "Hello {{ .first_name }}, from {{ .sender_name }}. {{ .missing }}",
		},
	)

	result, err := r.Render(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Hi Bob", result.Email.Subject)
	assert.Equal(t, "Hello bob, from Anna. ", result.Email.BodyText)
	assert.Equal(t, "bob@example.com", result.Email.To)
	assert.Equal(t, "trk-1", result.Email.Headers[trackingHeader])
	assert.Contains(t, result.Email.MessageID, "@acme.io>")
}

func TestRender_VariablesLeftAloneWhenDisabled(t *testing.T) {
	r := newTestRenderer()
	req := newRequest(
		&models.Campaign{ID: "cmpn_1"},
		&models.EmailTemplate{Subject: "Hi {{ .first_name }}"},
	)

	result, err := r.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hi {{ .first_name }}", result.Email.Subject)
}

func TestRender_BrokenTemplateIsValidationError(t *testing.T) {
	r := newTestRenderer()
	req := newRequest(
		&models.Campaign{ID: "cmpn_1", TemplateVariables: true},
		&models.EmailTemplate{Subject: "Hi {{ .first_name"},
	)

	_, err := r.Render(context.Background(), req)
	require.Error(t, err)
	assert.True(t, mberrors.IsKind(err, mberrors.KindValidation))
}

func TestRender_RewritesLinksAndAppendsPixel(t *testing.T) {
	r := newTestRenderer()
	req := newRequest(
		&models.Campaign{ID: "cmpn_1", TrackClicks: true, TrackOpens: true},
		&models.EmailTemplate{
			Subject:  "Offer",
			BodyHTML: `<html><body><a href="https://example.com/offer">Offer</a> <a href="mailto:help@acme.io">Help</a></body></html>`,
		},
	)

	result, err := r.Render(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"l1": "https://example.com/offer"}, result.Links)
	assert.Contains(t, result.Email.BodyHTML, `href="https://t.example.com/t/c/trk-1/l1"`)
	assert.NotContains(t, result.Email.BodyHTML, `href="https://example.com/offer"`)
	assert.Contains(t, result.Email.BodyHTML, `href="mailto:help@acme.io"`)
	assert.Contains(t, result.Email.BodyHTML, `src="https://t.example.com/t/o/trk-1"`)
	assert.Contains(t, result.Email.BodyText, "Offer")
}

func TestRender_NoTrackingWhenFlagsOff(t *testing.T) {
	r := newTestRenderer()
	req := newRequest(
		&models.Campaign{ID: "cmpn_1"},
		&models.EmailTemplate{
			Subject:  "Offer",
			BodyHTML: `<a href="https://example.com/offer">Offer</a>`,
		},
	)

	result, err := r.Render(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, result.Links)
	assert.Contains(t, result.Email.BodyHTML, `href="https://example.com/offer"`)
	assert.NotContains(t, result.Email.BodyHTML, "/t/o/")
	assert.NotContains(t, result.Email.Headers, HeaderListUnsubscribe)
}

func TestRender_UnsubscribeFooterAndHeader(t *testing.T) {
	r := newTestRenderer()
	req := newRequest(
		&models.Campaign{ID: "cmpn_1", UnsubscribeLink: true, TrackClicks: true},
		&models.EmailTemplate{
			Subject:  "News",
			BodyHTML: `<p>News</p>`,
			BodyText: "News",
		},
	)

	result, err := r.Render(context.Background(), req)
	require.NoError(t, err)

	header := result.Email.Headers[HeaderListUnsubscribe]
	assert.Contains(t, header, "<https://t.example.com/unsubscribe?")
	assert.Contains(t, header, "e=bob%40example.com")
	assert.Equal(t, "List-Unsubscribe=One-Click", result.Email.Headers[HeaderListUnsubscribePost])
	assert.Contains(t, result.Email.BodyHTML, ">Unsubscribe</a>")
	assert.Contains(t, result.Email.BodyText, "Unsubscribe: https://t.example.com/unsubscribe?")
	// the footer link is not routed through the click tracker
	assert.Empty(t, result.Links)
}
