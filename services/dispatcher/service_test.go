package dispatcher

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/customeros/mailblast/services/events"
	"github.com/customeros/mailblast/services/suppression"
	"github.com/customeros/mailblast/services/tracking"
)

type dispatcherFixture struct {
	store       *testutil.Store
	publisher   *testutil.Publisher
	locker      *testutil.Locker
	suppression interfaces.SuppressionService
	dispatcher  interfaces.DispatcherService
	config      *config.DispatchConfig
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	repos, store := testutil.NewRepositories()
	f := &dispatcherFixture{
		store:       store,
		publisher:   testutil.NewPublisher(),
		locker:      testutil.NewLocker(),
		suppression: suppression.NewSuppressionService(repos),
		config: &config.DispatchConfig{
			DefaultBatchSize: 200,
			InterBatchDelay:  time.Minute,
			StaleQueuedAfter: 6 * time.Hour,
			BatchLockTTL:     5 * time.Minute,
			QuotaWaitDelay:   30 * time.Minute,
			WatchdogIdle:     2 * time.Hour,
		},
	}
	tracker := tracking.NewTrackingService(repos, &config.AppConfig{TrackingPublicUrl: "https://t.example.com", UnsubscribeSecret: "secret"})
	f.dispatcher = NewDispatcherService(testutil.NewTestLogger(), repos, f.suppression, tracker, f.publisher, f.locker, f.config)
	return f
}

func (f *dispatcherFixture) addSender(t *testing.T, dailyLimit int) string {
	sender := &models.Sender{Email: fmt.Sprintf("sales%d@acme.io", len(f.store.Senders)+1), DailyLimit: dailyLimit, IsActive: true}
	require.NoError(t, f.store.Repositories().SenderRepository.Create(context.Background(), sender))
	return sender.ID
}

func (f *dispatcherFixture) addCampaign(t *testing.T, senderIDs ...string) string {
	campaign := &models.Campaign{Name: "Launch", TemplateID: "tmpl-1", SenderIDs: senderIDs, BatchSize: 50}
	require.NoError(t, f.store.Repositories().CampaignRepository.Create(context.Background(), campaign))
	return campaign.ID
}

func (f *dispatcherFixture) addRecipients(t *testing.T, campaignID string, emails ...string) {
	inputs := make([]dto.RecipientInput, 0, len(emails))
	for _, email := range emails {
		inputs = append(inputs, dto.RecipientInput{Email: email})
	}
	_, err := f.dispatcher.AddRecipients(context.Background(), campaignID, inputs)
	require.NoError(t, err)
}

func (f *dispatcherFixture) recipient(campaignID, email string) models.CampaignRecipient {
	for id, rc := range f.store.Recipients {
		if rc.CampaignID == campaignID && rc.Email == email {
			return f.store.Recipient(id)
		}
	}
	return models.CampaignRecipient{}
}

func (f *dispatcherFixture) start(t *testing.T, campaignID string) string {
	require.NoError(t, f.dispatcher.StartCampaign(context.Background(), campaignID))
	return f.store.Campaign(campaignID).DispatchToken
}

func (f *dispatcherFixture) lastBatchTask(t *testing.T) (dto.ProcessCampaignBatch, time.Duration) {
	tasks := f.publisher.TasksFor(events.QueueCampaigns)
	require.NotEmpty(t, tasks)
	last := tasks[len(tasks)-1]
	return last.Data.(dto.ProcessCampaignBatch), last.Delay
}

func TestStartCampaign_PublishesFirstBatch(t *testing.T) {
	f := newDispatcherFixture(t)
	campaignID := f.addCampaign(t, f.addSender(t, 100))

	token := f.start(t, campaignID)
	assert.NotEmpty(t, token)
	assert.Equal(t, enum.CampaignStatusActive, f.store.Campaign(campaignID).Status)

	batch, delay := f.lastBatchTask(t)
	assert.Equal(t, dto.ProcessCampaignBatch{CampaignId: campaignID, BatchSize: 50, Token: token}, batch)
	assert.Zero(t, delay)
	require.Len(t, f.publisher.Statuses, 1)
	assert.Equal(t, enum.CampaignStatusActive, f.publisher.Statuses[0].Status)

	err := f.dispatcher.StartCampaign(context.Background(), campaignID)
	assert.True(t, mberrors.IsKind(err, mberrors.KindValidation))
}

func TestStartCampaign_RequiresSenders(t *testing.T) {
	f := newDispatcherFixture(t)
	campaignID := f.addCampaign(t)

	err := f.dispatcher.StartCampaign(context.Background(), campaignID)
	assert.ErrorIs(t, err, mberrors.ErrNoSendersAssigned)
	assert.Equal(t, enum.CampaignStatusDraft, f.store.Campaign(campaignID).Status)
}

func TestProcessCampaign_SuppressedRecipientIsNeverEnqueued(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	campaignID := f.addCampaign(t, f.addSender(t, 100))
	f.addRecipients(t, campaignID, "a@example.com", "b@example.com")
	require.NoError(t, f.suppression.Add(ctx, "b@example.com", enum.SuppressionReasonComplaint, "fbl"))
	token := f.start(t, campaignID)

	result, err := f.dispatcher.ProcessCampaign(ctx, campaignID, 10, token)
	require.NoError(t, err)

	assert.Equal(t, 1, result.EmailsSent)
	assert.Equal(t, 1, result.Suppressed)

	sends := f.publisher.TasksFor(events.QueueEmails)
	require.Len(t, sends, 1)
	a := f.recipient(campaignID, "a@example.com")
	assert.Equal(t, a.ID, sends[0].Data.(dto.SendEmail).RecipientId)
	assert.Equal(t, enum.RecipientStatusSuppressed, f.recipient(campaignID, "b@example.com").Status)
	assert.Equal(t, 1, f.store.Campaign(campaignID).RecipientCount)
}

func TestProcessCampaign_DefersBeyondDailyQuota(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	senderID := f.addSender(t, 100)
	campaignID := f.addCampaign(t, senderID)

	emails := make([]string, 150)
	for i := range emails {
		emails[i] = fmt.Sprintf("r%03d@example.com", i)
	}
	f.addRecipients(t, campaignID, emails...)
	token := f.start(t, campaignID)

	result, err := f.dispatcher.ProcessCampaign(ctx, campaignID, 200, token)
	require.NoError(t, err)
	assert.Equal(t, 100, result.EmailsSent)
	assert.Equal(t, 50, result.Deferred)
	assert.Equal(t, int64(50), result.RemainingRecipients)
	assert.False(t, result.Completed)
	assert.Len(t, f.publisher.TasksFor(events.QueueEmails), 100)
	assert.Equal(t, 100, f.store.Sender(senderID).SentToday)
	assert.Equal(t, enum.CampaignStatusActive, f.store.Campaign(campaignID).Status)

	next, delay := f.lastBatchTask(t)
	assert.NotEqual(t, token, next.Token)
	assert.Equal(t, f.config.InterBatchDelay, delay)

	// every sender is exhausted, so the next batch waits longer
	result, err = f.dispatcher.ProcessCampaign(ctx, campaignID, 200, next.Token)
	require.NoError(t, err)
	assert.Zero(t, result.EmailsSent)
	assert.Equal(t, 50, result.Deferred)
	_, delay = f.lastBatchTask(t)
	assert.Equal(t, f.config.QuotaWaitDelay, delay)
	assert.Len(t, f.publisher.TasksFor(events.QueueEmails), 100)
}

func TestProcessCampaign_DropsStaleOrInactive(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	campaignID := f.addCampaign(t, f.addSender(t, 100))
	f.addRecipients(t, campaignID, "a@example.com")
	token := f.start(t, campaignID)

	_, err := f.dispatcher.ProcessCampaign(ctx, campaignID, 10, "superseded")
	assert.ErrorIs(t, err, mberrors.ErrStaleDispatchToken)

	require.NoError(t, f.dispatcher.PauseCampaign(ctx, campaignID))
	_, err = f.dispatcher.ProcessCampaign(ctx, campaignID, 10, token)
	assert.ErrorIs(t, err, mberrors.ErrCampaignNotActive)
	assert.Empty(t, f.publisher.TasksFor(events.QueueEmails))

	_, err = f.dispatcher.ProcessCampaign(ctx, campaignID, 0, token)
	assert.True(t, mberrors.IsKind(err, mberrors.KindValidation))
}

func TestProcessCampaign_BusyLock(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	campaignID := f.addCampaign(t, f.addSender(t, 100))
	token := f.start(t, campaignID)

	release, ok, err := f.locker.Acquire(ctx, lockKeyPrefix+campaignID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	_, err = f.dispatcher.ProcessCampaign(ctx, campaignID, 10, token)
	assert.ErrorIs(t, err, mberrors.ErrBatchAlreadyRunning)
}

func TestProcessCampaign_InvalidEmailFails(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	campaignID := f.addCampaign(t, f.addSender(t, 100))
	f.addRecipients(t, campaignID, "not-an-email", "a@example.com")
	token := f.start(t, campaignID)

	result, err := f.dispatcher.ProcessCampaign(ctx, campaignID, 10, token)
	require.NoError(t, err)
	assert.Equal(t, 1, result.EmailsFailed)
	assert.Equal(t, 1, result.EmailsSent)

	invalid := f.recipient(campaignID, "not-an-email")
	assert.Equal(t, enum.RecipientStatusFailed, invalid.Status)
	assert.Equal(t, reasonInvalidEmail, invalid.LastError)
}

func TestProcessCampaign_CompletesWhenAllRecipientsSettled(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	campaignID := f.addCampaign(t, f.addSender(t, 100))
	f.addRecipients(t, campaignID, "a@example.com", "b@example.com")
	token := f.start(t, campaignID)

	result, err := f.dispatcher.ProcessCampaign(ctx, campaignID, 10, token)
	require.NoError(t, err)
	require.False(t, result.Completed)

	// workers settle both sends
	for _, email := range []string{"a@example.com", "b@example.com"} {
		rc := f.recipient(campaignID, email)
		_, err := f.store.Repositories().CampaignRecipientRepository.Settle(ctx, campaignID, rc.ID, enum.RecipientStatusQueued, enum.RecipientStatusSent, "")
		require.NoError(t, err)
	}

	next, _ := f.lastBatchTask(t)
	result, err = f.dispatcher.ProcessCampaign(ctx, campaignID, 10, next.Token)
	require.NoError(t, err)
	assert.True(t, result.Completed)

	campaign := f.store.Campaign(campaignID)
	assert.Equal(t, enum.CampaignStatusCompleted, campaign.Status)
	assert.Equal(t, 2, campaign.TotalSent)
	last := f.publisher.Statuses[len(f.publisher.Statuses)-1]
	assert.Equal(t, enum.CampaignStatusCompleted, last.Status)
}

func TestProcessCampaign_PublishFailureReleasesRecipients(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	senderID := f.addSender(t, 100)
	campaignID := f.addCampaign(t, senderID)
	f.addRecipients(t, campaignID, "a@example.com")
	token := f.start(t, campaignID)

	f.publisher.Fail = func(queue string, data interface{}) error {
		if queue == events.QueueEmails {
			return errors.New("channel closed")
		}
		return nil
	}

	_, err := f.dispatcher.ProcessCampaign(ctx, campaignID, 10, token)
	require.Error(t, err)
	assert.True(t, mberrors.IsRetryable(err))
	assert.Equal(t, enum.RecipientStatusPending, f.recipient(campaignID, "a@example.com").Status)
	assert.Zero(t, f.store.Sender(senderID).SentToday)
	assert.Equal(t, token, f.store.Campaign(campaignID).DispatchToken)
}

func TestLifecycle(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	campaignID := f.addCampaign(t, f.addSender(t, 100))
	first := f.start(t, campaignID)

	require.NoError(t, f.dispatcher.PauseCampaign(ctx, campaignID))
	assert.Empty(t, f.store.Campaign(campaignID).DispatchToken)

	require.NoError(t, f.dispatcher.ResumeCampaign(ctx, campaignID))
	resumed := f.store.Campaign(campaignID)
	assert.Equal(t, enum.CampaignStatusActive, resumed.Status)
	assert.NotEqual(t, first, resumed.DispatchToken)

	require.NoError(t, f.dispatcher.StopCampaign(ctx, campaignID))
	assert.Equal(t, enum.CampaignStatusStopped, f.store.Campaign(campaignID).Status)

	assert.True(t, mberrors.IsKind(f.dispatcher.ResumeCampaign(ctx, campaignID), mberrors.KindValidation))
	assert.True(t, mberrors.IsKind(f.dispatcher.StopCampaign(ctx, campaignID), mberrors.KindValidation))

	// failing a finished campaign changes nothing
	require.NoError(t, f.dispatcher.FailCampaign(ctx, campaignID, "too many failures"))
	assert.Equal(t, enum.CampaignStatusStopped, f.store.Campaign(campaignID).Status)

	_, err := f.dispatcher.AddRecipients(ctx, campaignID, []dto.RecipientInput{{Email: "a@example.com"}})
	assert.True(t, mberrors.IsKind(err, mberrors.KindValidation))
}

func TestAddRecipients_Deduplicates(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	campaignID := f.addCampaign(t, f.addSender(t, 100))

	added, err := f.dispatcher.AddRecipients(ctx, campaignID, []dto.RecipientInput{
		{Email: "A@Example.com"}, {Email: "a@example.com"}, {Email: ""}, {Email: "b@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), added)

	added, err = f.dispatcher.AddRecipients(ctx, campaignID, []dto.RecipientInput{{Email: "b@example.com"}, {Email: "c@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), added)
	assert.Equal(t, 3, f.store.Campaign(campaignID).RecipientCount)
}

func TestRecoverStalled(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	stalled := f.addCampaign(t, f.addSender(t, 100))
	fresh := f.addCampaign(t, f.addSender(t, 100))
	stalledToken := f.start(t, stalled)
	f.start(t, fresh)
	f.store.Campaigns[stalled].UpdatedAt = time.Now().Add(-3 * time.Hour)
	f.publisher.Reset()

	kicked, err := f.dispatcher.RecoverStalled(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, kicked)

	batch, _ := f.lastBatchTask(t)
	assert.Equal(t, stalled, batch.CampaignId)
	assert.NotEqual(t, stalledToken, batch.Token)
	assert.Equal(t, batch.Token, f.store.Campaign(stalled).DispatchToken)
}

func TestAssignSenders(t *testing.T) {
	recipients := []models.CampaignRecipient{
		{ID: "1", SenderID: "s1"},
		{ID: "2"},
		{ID: "3"},
		{ID: "4", SenderID: "s1"},
		{ID: "5", SenderID: "gone"},
	}

	plan, deferred := assignSenders(recipients, map[string]int{"s1": 2, "s2": 2})

	assert.Len(t, plan["s1"], 2)
	assert.Len(t, plan["s2"], 2)
	assert.Equal(t, 1, deferred)
	assert.Equal(t, "1", plan["s1"][0].ID)
}

func TestProcessCampaign_TasksCarryCampaignTenant(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	campaign := &models.Campaign{Name: "Launch", Tenant: "acme", TemplateID: "tmpl-1", SenderIDs: []string{f.addSender(t, 100)}, BatchSize: 50}
	require.NoError(t, f.store.Repositories().CampaignRepository.Create(ctx, campaign))
	f.addRecipients(t, campaign.ID, "a@example.com")

	token := f.start(t, campaign.ID)
	require.Len(t, f.publisher.TasksFor(events.QueueCampaigns), 1)
	assert.Equal(t, "acme", f.publisher.TasksFor(events.QueueCampaigns)[0].Tenant)

	_, err := f.dispatcher.ProcessCampaign(ctx, campaign.ID, 10, token)
	require.NoError(t, err)

	sends := f.publisher.TasksFor(events.QueueEmails)
	require.Len(t, sends, 1)
	assert.Equal(t, "acme", sends[0].Tenant)
}
