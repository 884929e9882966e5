package render

import (
	"bytes"
	"context"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/Masterminds/sprig"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

const (
	HeaderListUnsubscribe     = "List-Unsubscribe"
	HeaderListUnsubscribePost = "List-Unsubscribe-Post"
)

type Config struct {
	TrackingHeader  string
	MessageIdDomain string
}

// Request is everything needed to produce one recipient's message.
type Request struct {
	Campaign   *models.Campaign
	Template   *models.EmailTemplate
	Sender     *models.Sender
	Recipient  *models.CampaignRecipient
	TrackingID string
}

type Result struct {
	Email *dto.OutboundEmail
	// Links maps link id to original url for every rewritten link.
	Links map[string]string
}

type Renderer struct {
	tracking interfaces.TrackingService
	config   Config
}

func NewRenderer(tracking interfaces.TrackingService, config Config) *Renderer {
	return &Renderer{
		tracking: tracking,
		config:   config,
	}
}

func (r *Renderer) Render(ctx context.Context, req Request) (*Result, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Renderer.Render")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, req.Campaign.ID)
	span.LogKV("trackingId", req.TrackingID)

	subject := req.Template.Subject
	bodyHTML := req.Template.BodyHTML
	bodyText := req.Template.BodyText

	if req.Campaign.TemplateVariables {
		data := templateData(req)
		var err error
		if subject, err = executeText("subject", subject, data); err != nil {
			tracing.TraceErr(span, err)
			return nil, err
		}
		if bodyText, err = executeText("text", bodyText, data); err != nil {
			tracing.TraceErr(span, err)
			return nil, err
		}
		if bodyHTML, err = executeHTML("html", bodyHTML, data); err != nil {
			tracing.TraceErr(span, err)
			return nil, err
		}
	}

	if bodyText == "" && bodyHTML != "" {
		if text, err := HTMLToPlainText(bodyHTML); err == nil {
			bodyText = text
		}
	}

	headers := map[string]string{}
	if r.config.TrackingHeader != "" {
		headers[r.config.TrackingHeader] = req.TrackingID
	}

	var unsubscribeURL string
	if req.Campaign.UnsubscribeLink {
		unsubscribeURL = r.tracking.UnsubscribeURL(req.Recipient.Email, req.Campaign.ID)
		headers[HeaderListUnsubscribe] = "<" + unsubscribeURL + ">"
		headers[HeaderListUnsubscribePost] = "List-Unsubscribe=One-Click"
	}

	links := map[string]string{}
	if bodyHTML != "" {
		decorated, rewritten, err := decorateHTML(bodyHTML, decorateOptions{
			clickURL: func(linkID string) string {
				return r.tracking.ClickURL(req.TrackingID, linkID)
			},
			trackClicks:    req.Campaign.TrackClicks,
			pixelURL:       r.pixelURL(req),
			unsubscribeURL: unsubscribeURL,
		})
		if err != nil {
			err = mberrors.ValidationError(err, "failed to process html body")
			tracing.TraceErr(span, err)
			return nil, err
		}
		bodyHTML = decorated
		links = rewritten
	}

	if unsubscribeURL != "" && bodyText != "" {
		bodyText = bodyText + "\n\n--\nUnsubscribe: " + unsubscribeURL + "\n"
	}

	messageIdDomain := r.config.MessageIdDomain
	if messageIdDomain == "" {
		messageIdDomain = req.Sender.Domain
	}

	span.LogKV("result.links", len(links))
	return &Result{
		Email: &dto.OutboundEmail{
			From:      req.Sender.Email,
			FromName:  req.Sender.DisplayName,
			To:        req.Recipient.Email,
			Subject:   subject,
			BodyHTML:  bodyHTML,
			BodyText:  bodyText,
			MessageID: utils.GenerateMessageID(messageIdDomain, req.TrackingID),
			Headers:   headers,
		},
		Links: links,
	}, nil
}

func (r *Renderer) pixelURL(req Request) string {
	if !req.Campaign.TrackOpens {
		return ""
	}
	return r.tracking.PixelURL(req.TrackingID)
}

func templateData(req Request) map[string]string {
	data := make(map[string]string, len(req.Recipient.Data)+3)
	for k, v := range req.Recipient.Data {
		data[k] = v
	}
	data["email"] = req.Recipient.Email
	if _, ok := data["sender_name"]; !ok {
		data["sender_name"] = req.Sender.DisplayName
	}
	if _, ok := data["sender_email"]; !ok {
		data["sender_email"] = req.Sender.Email
	}
	return data
}

func executeText(name, body string, data map[string]string) (string, error) {
	if !strings.Contains(body, "{{") {
		return body, nil
	}
	t, err := texttemplate.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", mberrors.ValidationError(err, "invalid "+name+" template")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", mberrors.ValidationError(err, "failed to render "+name+" template")
	}
	return buf.String(), nil
}

func executeHTML(name, body string, data map[string]string) (string, error) {
	if !strings.Contains(body, "{{") {
		return body, nil
	}
	t, err := htmltemplate.New(name).Funcs(sprig.FuncMap()).Option("missingkey=zero").Parse(body)
	if err != nil {
		return "", mberrors.ValidationError(err, "invalid "+name+" template")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", mberrors.ValidationError(err, "failed to render "+name+" template")
	}
	return buf.String(), nil
}
