package events

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	mailblast_errors "github.com/customeros/mailblast/errors"
)

func TestDecideRetry_FollowsEmailSchedule(t *testing.T) {
	transient := mailblast_errors.TransportError(errors.New("connection reset"), "smtp")

	expected := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for attempt, wait := range expected {
		action, delay := DecideRetry(transient, attempt, EmailsRetryPolicy)
		assert.Equal(t, ActionRetry, action, "attempt %d", attempt)
		assert.Equal(t, wait, delay, "attempt %d", attempt)
	}

	action, _ := DecideRetry(transient, 3, EmailsRetryPolicy)
	assert.Equal(t, ActionExhausted, action)
}

func TestDecideRetry_CampaignSchedule(t *testing.T) {
	err := errors.New("lookup failed")

	_, first := DecideRetry(err, 0, CampaignsRetryPolicy)
	_, second := DecideRetry(err, 1, CampaignsRetryPolicy)
	_, third := DecideRetry(err, 2, CampaignsRetryPolicy)
	assert.Equal(t, []time.Duration{time.Minute, 3 * time.Minute, 6 * time.Minute}, []time.Duration{first, second, third})
}

func TestDecideRetry_PermanentErrorsSkipRetries(t *testing.T) {
	err := mailblast_errors.ValidationError(errors.New("550 mailbox unavailable"), "smtp")

	action, delay := DecideRetry(err, 0, EmailsRetryPolicy)
	assert.Equal(t, ActionExhausted, action)
	assert.Zero(t, delay)
}

func TestDecideRetry_TimeoutIsRetried(t *testing.T) {
	action, delay := DecideRetry(context.DeadlineExceeded, 0, BouncesRetryPolicy)
	assert.Equal(t, ActionRetry, action)
	assert.Equal(t, time.Minute, delay)
}

func TestDecideRetry_SuccessAcks(t *testing.T) {
	action, _ := DecideRetry(nil, 5, EmailsRetryPolicy)
	assert.Equal(t, ActionAck, action)
}

func TestDelayQueueName(t *testing.T) {
	assert.Equal(t, "emails-delay-30000", DelayQueueName(QueueEmails, 30*time.Second))
	assert.Equal(t, "campaigns-dlq", DLQName(QueueCampaigns))
}

func TestReconnectBackoff_DoublesUpToMax(t *testing.T) {
	boff := newReconnectBackoff(time.Second, 5*time.Second)

	waits := []time.Duration{boff.Duration(), boff.Duration(), boff.Duration(), boff.Duration()}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}, waits)

	boff.Reset()
	assert.Equal(t, time.Second, boff.Duration())
}
