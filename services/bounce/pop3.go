package bounce

import (
	"context"
	"strconv"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
)

// pop3Mailbox deletes processed messages. Deletions are committed by QUIT
// in Close.
type pop3Mailbox struct {
	conn *pop3.Conn
}

func dialPOP3(ctx context.Context, credential *models.BounceCredential, timeout time.Duration) (Mailbox, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceMailbox.dialPOP3")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("server", credential.Host)
	span.SetTag("port", credential.Port)
	span.SetTag("encryption", credential.Encryption.String())

	// go-pop3 has no STARTTLS, tls is served as implicit TLS.
	p := pop3.New(pop3.Opt{
		Host:        credential.Host,
		Port:        credential.Port,
		DialTimeout: timeout,
		TLSEnabled:  credential.Encryption != enum.EmailSecurityNone,
	})

	conn, err := p.NewConn()
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrapf(err, "failed to connect to %s:%d", credential.Host, credential.Port)
	}
	if err := conn.Auth(credential.Username, credential.Password); err != nil {
		conn.Quit()
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "login failed")
	}
	return &pop3Mailbox{conn: conn}, nil
}

func (m *pop3Mailbox) Fetch(ctx context.Context, limit int) ([]Message, error) {
	ids, err := m.conn.List(0)
	if err != nil {
		return nil, errors.Wrap(err, "list failed")
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	messages := make([]Message, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return messages, err
		}
		buf, err := m.conn.RetrRaw(id.ID)
		if err != nil {
			return messages, errors.Wrapf(err, "retr %d failed", id.ID)
		}
		messages = append(messages, Message{
			ID:  strconv.Itoa(id.ID),
			Raw: buf.Bytes(),
		})
	}
	return messages, nil
}

func (m *pop3Mailbox) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	numbers := make([]int, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.Atoi(id)
		if err != nil {
			return errors.Wrapf(err, "invalid message number %s", id)
		}
		numbers = append(numbers, n)
	}
	return m.conn.Dele(numbers...)
}

func (m *pop3Mailbox) Close() error {
	return m.conn.Quit()
}
