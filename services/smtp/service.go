package smtp

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net/textproto"
	"regexp"
	"strconv"
	"time"

	"github.com/opentracing/opentracing-go"
	"gopkg.in/gomail.v2"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
)

// smtpReplyCode finds an SMTP reply code in an error text such as
// "gomail: could not send email 1: 550 5.1.1 user unknown".
var smtpReplyCode = regexp.MustCompile(`(?:^|: )([2-5]\d\d)[ -]`)

type gomailTransport struct {
	localName string
}

func NewSMTPTransport(localName string) interfaces.SmtpTransport {
	return &gomailTransport{
		localName: localName,
	}
}

func (t *gomailTransport) Send(ctx context.Context, sender *models.Sender, email *dto.OutboundEmail) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SMTPTransport.Send")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("smtp_server", sender.SmtpHost)
	span.LogKV("smtp_port", sender.SmtpPort)
	span.LogKV("from_address", email.From)

	if err := validateEmail(email); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	message := buildMessage(email)
	dialer := t.dialer(sender)

	result := make(chan error, 1)
	go func() {
		result <- dialer.DialAndSend(message)
	}()

	select {
	case err := <-result:
		if err != nil {
			err = ClassifyError(err)
			tracing.TraceErr(span, err)
			return err
		}
		return nil
	case <-ctx.Done():
		err := mberrors.TransportError(ctx.Err(), "smtp send interrupted")
		tracing.TraceErr(span, err)
		return err
	}
}

func (t *gomailTransport) dialer(sender *models.Sender) *gomail.Dialer {
	dialer := gomail.NewDialer(
		sender.SmtpHost,
		sender.SmtpPort,
		sender.SmtpUsername,
		sender.SmtpPassword,
	)
	if t.localName != "" {
		dialer.LocalName = t.localName
	}
	dialer.TLSConfig = &tls.Config{ServerName: sender.SmtpHost}

	switch sender.SmtpSecurity {
	case enum.EmailSecuritySSL:
		dialer.SSL = true
	case enum.EmailSecurityTLS, enum.EmailSecurityNone:
		// gomail upgrades with STARTTLS whenever the server offers it
		dialer.SSL = false
	}
	return dialer
}

func validateEmail(email *dto.OutboundEmail) error {
	if email == nil {
		return mberrors.ValidationError(nil, "email cannot be nil")
	}
	if email.From == "" {
		return mberrors.ValidationError(nil, "from address is required")
	}
	if email.To == "" {
		return mberrors.ValidationError(nil, "recipient is required")
	}
	if email.BodyText == "" && email.BodyHTML == "" {
		return mberrors.ValidationError(nil, "email must have either text or HTML content")
	}
	if email.Subject == "" {
		return mberrors.ValidationError(nil, "email must have a subject")
	}
	return nil
}

func buildMessage(email *dto.OutboundEmail) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", email.From, email.FromName)
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetDateHeader("Date", time.Now())
	if email.MessageID != "" {
		m.SetHeader("Message-ID", email.MessageID)
	}
	for k, v := range email.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case email.BodyText != "" && email.BodyHTML != "":
		m.SetBody("text/plain", email.BodyText)
		m.AddAlternative("text/html", email.BodyHTML)
	case email.BodyHTML != "":
		m.SetBody("text/html", email.BodyHTML)
	default:
		m.SetBody("text/plain", email.BodyText)
	}
	return m
}

// ClassifyError maps an SMTP failure onto the error taxonomy. Permanent 5xx
// replies are validation errors; 4xx replies and network failures are
// transport errors and may be retried.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	code := replyCode(err)
	switch {
	case code >= 500:
		return mberrors.ValidationError(err, fmt.Sprintf("smtp rejected message (%d)", code))
	case code >= 400:
		return mberrors.TransportError(err, fmt.Sprintf("smtp temporary failure (%d)", code))
	default:
		return mberrors.TransportError(err, "smtp delivery failed")
	}
}

func replyCode(err error) int {
	var protoErr *textproto.Error
	if stderrors.As(err, &protoErr) {
		return protoErr.Code
	}
	match := smtpReplyCode.FindStringSubmatch(err.Error())
	if len(match) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(match[1])
	return code
}
