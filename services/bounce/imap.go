package bounce

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
)

type imapMailbox struct {
	client *client.Client
	stop   chan struct{}
}

func dialIMAP(ctx context.Context, credential *models.BounceCredential, timeout time.Duration) (Mailbox, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceMailbox.dialIMAP")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("server", credential.Host)
	span.SetTag("port", credential.Port)
	span.SetTag("encryption", credential.Encryption.String())

	serverAddr := fmt.Sprintf("%s:%d", credential.Host, credential.Port)
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	tlsConfig := &tls.Config{
		ServerName: credential.Host,
	}

	var c *client.Client
	var err error
	if credential.Encryption == enum.EmailSecuritySSL {
		c, err = client.DialWithDialerTLS(dialer, serverAddr, tlsConfig)
	} else {
		c, err = client.DialWithDialer(dialer, serverAddr)
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	c.Timeout = timeout

	if credential.Encryption == enum.EmailSecurityTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Logout()
			tracing.TraceErr(span, err)
			return nil, fmt.Errorf("starttls failed: %w", err)
		}
	}

	if err := c.Login(credential.Username, credential.Password); err != nil {
		c.Logout()
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("login failed: %w", err)
	}

	folder := credential.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.Select(folder, false); err != nil {
		c.Logout()
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}

	mailbox := &imapMailbox{client: c, stop: make(chan struct{})}
	go mailbox.terminateOnCancel(ctx)
	return mailbox, nil
}

// go-imap has no context support; dropping the connection unblocks any
// pending command.
func (m *imapMailbox) terminateOnCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		m.client.Terminate()
	case <-m.stop:
	}
}

func (m *imapMailbox) Fetch(ctx context.Context, limit int) ([]Message, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, errors.Wrap(err, "search failed")
	}
	if len(uids) == 0 {
		return nil, nil
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	fetched := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, fetched)
	}()

	messages := make([]Message, 0, len(uids))
	for msg := range fetched {
		raw, err := readBody(msg)
		if err != nil {
			continue
		}
		messages = append(messages, Message{
			ID:  strconv.FormatUint(uint64(msg.Uid), 10),
			Raw: raw,
		})
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "fetch failed")
	}
	return messages, nil
}

func readBody(msg *imap.Message) ([]byte, error) {
	for _, literal := range msg.Body {
		if literal == nil {
			continue
		}
		return io.ReadAll(literal)
	}
	return nil, errors.New("message has no body")
}

func (m *imapMailbox) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	seqSet := new(imap.SeqSet)
	for _, id := range ids {
		uid, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "invalid uid %s", id)
		}
		seqSet.AddNum(uint32(uid))
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	return m.client.UidStore(seqSet, item, flags, nil)
}

func (m *imapMailbox) Close() error {
	close(m.stop)
	return m.client.Logout()
}
