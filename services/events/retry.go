package events

import (
	"time"

	"github.com/jpillora/backoff"

	mailblast_errors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
)

type RetryAction int

const (
	ActionAck RetryAction = iota
	ActionRetry
	ActionExhausted
)

func (a RetryAction) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRetry:
		return "retry"
	default:
		return "exhausted"
	}
}

// DecideRetry maps a handler result for the given attempt (0 based) onto the
// next step. Permanent errors are never retried.
func DecideRetry(err error, attempt int, policy interfaces.RetryPolicy) (RetryAction, time.Duration) {
	if err == nil {
		return ActionAck, 0
	}
	if mailblast_errors.IsPermanent(err) {
		return ActionExhausted, 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= policy.MaxRetries() {
		return ActionExhausted, 0
	}
	return ActionRetry, policy.Backoff[attempt]
}

// newReconnectBackoff doubles the wait between reconnect attempts from min up to max.
func newReconnectBackoff(min, max time.Duration) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    min,
		Max:    max,
		Factor: 2,
	}
}
