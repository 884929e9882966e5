package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/testutil"
	"github.com/customeros/mailblast/services/dispatcher"
	"github.com/customeros/mailblast/services/events"
	"github.com/customeros/mailblast/services/render"
	"github.com/customeros/mailblast/services/suppression"
	"github.com/customeros/mailblast/services/tracking"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []*dto.OutboundEmail
	err  error
	// when set, Send signals entered and waits for hold to close
	entered chan struct{}
	hold    chan struct{}
}

func (t *fakeTransport) Send(ctx context.Context, sender *models.Sender, email *dto.OutboundEmail) error {
	if t.hold != nil {
		t.entered <- struct{}{}
		<-t.hold
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, email)
	return nil
}

type workerFixture struct {
	store       *testutil.Store
	publisher   *testutil.Publisher
	transport   *fakeTransport
	suppression interfaces.SuppressionService
	dispatcher  interfaces.DispatcherService
	policy      *config.FailurePolicyConfig
	worker      interfaces.SendWorker
	senderID    string
	campaignID  string
}

func newWorkerFixture(t *testing.T, emails ...string) *workerFixture {
	ctx := context.Background()
	repos, store := testutil.NewRepositories()
	f := &workerFixture{
		store:       store,
		publisher:   testutil.NewPublisher(),
		transport:   &fakeTransport{},
		suppression: suppression.NewSuppressionService(repos),
		policy:      &config.FailurePolicyConfig{Mode: enum.CampaignFailureModeAny},
	}
	tracker := tracking.NewTrackingService(repos, &config.AppConfig{TrackingPublicUrl: "https://t.example.com", UnsubscribeSecret: "secret"})
	f.dispatcher = dispatcher.NewDispatcherService(testutil.NewTestLogger(), repos, f.suppression, tracker, f.publisher, testutil.NewLocker(),
		&config.DispatchConfig{DefaultBatchSize: 10, InterBatchDelay: time.Minute, StaleQueuedAfter: time.Hour, BatchLockTTL: time.Minute, QuotaWaitDelay: time.Hour})
	renderer := render.NewRenderer(tracker, render.Config{TrackingHeader: "X-Mailblast-Tracking-Id"})
	f.worker = NewSendWorker(testutil.NewTestLogger(), repos, f.suppression, tracker, renderer, f.transport, f.dispatcher, f.policy)

	sender := &models.Sender{Email: "anna@acme.io", DisplayName: "Anna", DailyLimit: 100, IsActive: true}
	require.NoError(t, repos.SenderRepository.Create(ctx, sender))
	template := &models.EmailTemplate{Subject: "Hello", BodyText: "Hi there", BodyHTML: `<p>See <a href="https://example.com/offer">the offer</a></p>`}
	require.NoError(t, repos.EmailTemplateRepository.Create(ctx, template))
	campaign := &models.Campaign{Name: "Launch", TemplateID: template.ID, SenderIDs: []string{sender.ID}, TrackClicks: true, TrackOpens: true}
	require.NoError(t, repos.CampaignRepository.Create(ctx, campaign))
	f.senderID = sender.ID
	f.campaignID = campaign.ID

	inputs := make([]dto.RecipientInput, 0, len(emails))
	for _, email := range emails {
		inputs = append(inputs, dto.RecipientInput{Email: email})
	}
	_, err := f.dispatcher.AddRecipients(ctx, campaign.ID, inputs)
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.StartCampaign(ctx, campaign.ID))
	_, err = f.dispatcher.ProcessCampaign(ctx, campaign.ID, 10, store.Campaign(campaign.ID).DispatchToken)
	require.NoError(t, err)
	return f
}

func (f *workerFixture) tasks() []dto.SendEmail {
	var tasks []dto.SendEmail
	for _, published := range f.publisher.TasksFor(events.QueueEmails) {
		tasks = append(tasks, published.Data.(dto.SendEmail))
	}
	return tasks
}

func TestSend_DeliversOnceAndSettles(t *testing.T) {
	f := newWorkerFixture(t, "bob@example.com")
	ctx := context.Background()
	task := f.tasks()[0]

	require.NoError(t, f.worker.Send(ctx, task))

	require.Len(t, f.transport.sent, 1)
	email := f.transport.sent[0]
	assert.Equal(t, "bob@example.com", email.To)
	assert.Equal(t, "anna@acme.io", email.From)
	assert.NotContains(t, email.BodyHTML, `href="https://example.com/offer"`)

	assert.Equal(t, enum.RecipientStatusSent, f.store.Recipient(task.RecipientId).Status)
	assert.Equal(t, 1, f.store.Campaign(f.campaignID).TotalSent)
	record := f.store.TrackingByEmail("bob@example.com")[0]
	assert.NotNil(t, record.SentAt)
	assert.Len(t, f.store.Clicks, 1)

	// a redelivered task is acknowledged without sending again
	require.NoError(t, f.worker.Send(ctx, task))
	assert.Len(t, f.transport.sent, 1)
}

func TestSend_SuppressedAfterQueueing(t *testing.T) {
	f := newWorkerFixture(t, "bob@example.com")
	ctx := context.Background()
	task := f.tasks()[0]
	require.Equal(t, 1, f.store.Sender(f.senderID).SentToday)

	require.NoError(t, f.suppression.Add(ctx, "bob@example.com", enum.SuppressionReasonUnsubscribe, "unsubscribe-link"))
	require.NoError(t, f.worker.Send(ctx, task))

	assert.Empty(t, f.transport.sent)
	assert.Equal(t, enum.RecipientStatusSuppressed, f.store.Recipient(task.RecipientId).Status)
	assert.Zero(t, f.store.Sender(f.senderID).SentToday)
}

func TestSend_TransportFailureIsRetryable(t *testing.T) {
	f := newWorkerFixture(t, "bob@example.com")
	task := f.tasks()[0]
	f.transport.err = mberrors.TransportError(errors.New("421 try again later"), "smtp send failed")

	err := f.worker.Send(context.Background(), task)
	require.Error(t, err)
	assert.True(t, mberrors.IsRetryable(err))
	assert.Equal(t, enum.RecipientStatusQueued, f.store.Recipient(task.RecipientId).Status)
	assert.NotNil(t, f.store.TrackingByEmail("bob@example.com")[0].FailedAt)

	// the retry succeeds
	f.transport.err = nil
	require.NoError(t, f.worker.Send(context.Background(), task))
	assert.Equal(t, enum.RecipientStatusSent, f.store.Recipient(task.RecipientId).Status)
}

func TestSend_AttemptInFlightIsNotSentTwice(t *testing.T) {
	f := newWorkerFixture(t, "bob@example.com")
	ctx := context.Background()
	task := f.tasks()[0]
	f.transport.entered = make(chan struct{})
	f.transport.hold = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- f.worker.Send(ctx, task)
	}()
	<-f.transport.entered

	// a retry arriving while the first attempt is still transmitting
	err := f.worker.Send(ctx, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, mberrors.ErrSendInProgress)
	assert.True(t, mberrors.IsRetryable(err))

	close(f.transport.hold)
	require.NoError(t, <-firstDone)
	f.transport.hold = nil

	require.NoError(t, f.worker.Send(ctx, task))
	assert.Len(t, f.transport.sent, 1)
	assert.Equal(t, enum.RecipientStatusSent, f.store.Recipient(task.RecipientId).Status)
	assert.Nil(t, f.store.TrackingByEmail("bob@example.com")[0].SendingAt)
}

func TestSend_UnknownRecipientIsPermanent(t *testing.T) {
	f := newWorkerFixture(t)
	err := f.worker.Send(context.Background(), dto.SendEmail{CampaignId: f.campaignID, RecipientId: "missing", SenderId: f.senderID})
	assert.True(t, mberrors.IsPermanent(err))
}

func TestFinalizeFailure_AnyModeFailsCampaign(t *testing.T) {
	f := newWorkerFixture(t, "bob@example.com", "carl@example.com")
	task := f.tasks()[0]

	require.NoError(t, f.worker.FinalizeFailure(context.Background(), task, errors.New("550 mailbox unavailable")))

	assert.Equal(t, enum.RecipientStatusFailed, f.store.Recipient(task.RecipientId).Status)
	campaign := f.store.Campaign(f.campaignID)
	assert.Equal(t, enum.CampaignStatusFailed, campaign.Status)
	assert.Contains(t, campaign.FailureReason, "550 mailbox unavailable")
}

func TestFinalizeFailure_ThresholdModeBelowMinimum(t *testing.T) {
	f := newWorkerFixture(t, "bob@example.com", "carl@example.com")
	f.policy.Mode = enum.CampaignFailureModeThreshold
	f.policy.ThresholdPct = 20
	f.policy.MinAttempts = 50
	task := f.tasks()[0]

	require.NoError(t, f.worker.FinalizeFailure(context.Background(), task, errors.New("550 mailbox unavailable")))
	assert.Equal(t, enum.CampaignStatusActive, f.store.Campaign(f.campaignID).Status)

	// settling twice is a no-op
	require.NoError(t, f.worker.FinalizeFailure(context.Background(), task, errors.New("550 mailbox unavailable")))
	assert.Equal(t, 1, f.store.Campaign(f.campaignID).TotalFailed)
}

func TestShouldFailCampaign(t *testing.T) {
	threshold := &config.FailurePolicyConfig{Mode: enum.CampaignFailureModeThreshold, ThresholdPct: 20, MinAttempts: 50}

	tests := []struct {
		name     string
		policy   *config.FailurePolicyConfig
		campaign models.Campaign
		fail     bool
	}{
		{"any mode", &config.FailurePolicyConfig{Mode: enum.CampaignFailureModeAny}, models.Campaign{TotalFailed: 1}, true},
		{"no policy", nil, models.Campaign{TotalFailed: 1}, true},
		{"below minimum attempts", threshold, models.Campaign{TotalSent: 10, TotalFailed: 30}, false},
		{"under threshold", threshold, models.Campaign{TotalSent: 90, TotalFailed: 10}, false},
		{"at threshold", threshold, models.Campaign{TotalSent: 80, TotalFailed: 20}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fail, reason := ShouldFailCampaign(tt.policy, &tt.campaign, "bob@example.com", "550")
			assert.Equal(t, tt.fail, fail)
			if fail {
				assert.NotEmpty(t, reason)
			}
		})
	}
}
