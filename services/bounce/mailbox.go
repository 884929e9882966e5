package bounce

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
)

// Message is one raw message read from a bounce mailbox.
type Message struct {
	ID  string
	Raw []byte
}

// Mailbox is an open session on a bounce mailbox.
type Mailbox interface {
	// Fetch returns up to limit messages that were not processed yet.
	Fetch(ctx context.Context, limit int) ([]Message, error)
	// MarkProcessed flags messages so the next Fetch skips them.
	MarkProcessed(ctx context.Context, ids []string) error
	Close() error
}

type DialFunc func(ctx context.Context, credential *models.BounceCredential, timeout time.Duration) (Mailbox, error)

// DialMailbox opens a session using the credential's protocol.
func DialMailbox(ctx context.Context, credential *models.BounceCredential, timeout time.Duration) (Mailbox, error) {
	switch credential.Protocol {
	case enum.MailboxProtocolIMAP:
		return dialIMAP(ctx, credential, timeout)
	case enum.MailboxProtocolPOP3:
		return dialPOP3(ctx, credential, timeout)
	default:
		return nil, errors.Errorf("unsupported mailbox protocol %q", credential.Protocol)
	}
}
