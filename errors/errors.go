package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// common errors
	ErrTenantMissing = errors.New("tenant is missing")
	ErrInvalidInput  = errors.New("invalid input")

	// campaign errors
	ErrCampaignNotActive   = errors.New("campaign is not active")
	ErrStaleDispatchToken  = errors.New("dispatch token is stale")
	ErrInvalidBatchSize    = errors.New("batch size must be positive")
	ErrNoSendersAssigned   = errors.New("campaign has no active senders")
	ErrTemplateNotFound    = errors.New("campaign template not found")
	ErrBatchAlreadyRunning = errors.New("a batch for this campaign is already running")
	ErrSendInProgress      = errors.New("another attempt is sending this message")

	// bounce errors
	ErrNoBounceCredential = errors.New("no bounce mailbox credential configured")

	// operations
	ErrUnknownOperation = errors.New("unknown operation")
)

type Kind string

const (
	KindTransport           Kind = "transport"
	KindValidation          Kind = "validation"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindSuppressedRecipient Kind = "suppressed_recipient"
	KindConfiguration       Kind = "configuration"
)

// MailblastError carries a Kind used to decide retry behaviour.
type MailblastError struct {
	Kind Kind
	Err  error
}

func (e *MailblastError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *MailblastError) Unwrap() error {
	return e.Err
}

func newKind(kind Kind, err error, msg string) error {
	if err == nil {
		err = errors.New(msg)
	} else if msg != "" {
		err = errors.Wrap(err, msg)
	}
	return &MailblastError{Kind: kind, Err: err}
}

func TransportError(err error, msg string) error {
	return newKind(KindTransport, err, msg)
}

func ValidationError(err error, msg string) error {
	return newKind(KindValidation, err, msg)
}

func QuotaExceededError(senderId string) error {
	return newKind(KindQuotaExceeded, nil, fmt.Sprintf("daily quota exhausted for sender %s", senderId))
}

func SuppressedRecipientError(email string) error {
	return newKind(KindSuppressedRecipient, nil, fmt.Sprintf("recipient %s is suppressed", email))
}

func ConfigurationError(err error, msg string) error {
	return newKind(KindConfiguration, err, msg)
}

// KindOf returns the kind of the first MailblastError in the chain, or "".
func KindOf(err error) Kind {
	var mbErr *MailblastError
	if stderrors.As(err, &mbErr) {
		return mbErr.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsPermanent reports errors that retrying cannot fix.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConfiguration, KindSuppressedRecipient:
		return true
	default:
		return false
	}
}

func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}
