package smtp

import (
	"net/textproto"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind mberrors.Kind
	}{
		{"textproto 550", &textproto.Error{Code: 550, Msg: "5.1.1 user unknown"}, mberrors.KindValidation},
		{"textproto 421", &textproto.Error{Code: 421, Msg: "try later"}, mberrors.KindTransport},
		{"wrapped 552 text", errors.New("gomail: could not send email 1: 552 5.2.2 mailbox full"), mberrors.KindValidation},
		{"wrapped 451 text", errors.New("gomail: could not send email 1: 451 4.7.1 greylisted"), mberrors.KindTransport},
		{"auth failure", &textproto.Error{Code: 535, Msg: "authentication failed"}, mberrors.KindValidation},
		{"dial failure with port", errors.New("dial tcp 10.0.0.1:587: i/o timeout"), mberrors.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyError(tt.err)
			assert.Equal(t, tt.kind, mberrors.KindOf(err))
		})
	}

	assert.Nil(t, ClassifyError(nil))
}

func TestValidateEmail(t *testing.T) {
	valid := &dto.OutboundEmail{From: "a@acme.io", To: "b@example.com", Subject: "s", BodyText: "t"}
	assert.NoError(t, validateEmail(valid))

	missingSubject := *valid
	missingSubject.Subject = ""
	assert.True(t, mberrors.IsKind(validateEmail(&missingSubject), mberrors.KindValidation))

	noBody := *valid
	noBody.BodyText = ""
	assert.True(t, mberrors.IsKind(validateEmail(&noBody), mberrors.KindValidation))
}

func TestDialerSecurity(t *testing.T) {
	transport := &gomailTransport{localName: "mx.acme.io"}

	ssl := transport.dialer(&models.Sender{SmtpHost: "smtp.acme.io", SmtpPort: 465, SmtpSecurity: enum.EmailSecuritySSL})
	assert.True(t, ssl.SSL)
	assert.Equal(t, "mx.acme.io", ssl.LocalName)

	starttls := transport.dialer(&models.Sender{SmtpHost: "smtp.acme.io", SmtpPort: 587, SmtpSecurity: enum.EmailSecurityTLS})
	assert.False(t, starttls.SSL)
	assert.Equal(t, "smtp.acme.io", starttls.TLSConfig.ServerName)
}
