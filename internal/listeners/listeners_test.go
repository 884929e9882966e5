package listeners

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/testutil"
	"github.com/customeros/mailblast/services/events"
)

type fakeDispatcher struct {
	processErr error
	processed  []dto.ProcessCampaignBatch
	failed     map[string]string
}

func (f *fakeDispatcher) ProcessCampaign(ctx context.Context, campaignID string, batchSize int, token string) (*dto.BatchResult, error) {
	f.processed = append(f.processed, dto.ProcessCampaignBatch{CampaignId: campaignID, BatchSize: batchSize, Token: token})
	if f.processErr != nil {
		return nil, f.processErr
	}
	return &dto.BatchResult{EmailsSent: batchSize}, nil
}

func (f *fakeDispatcher) StartCampaign(ctx context.Context, campaignID string) error  { return nil }
func (f *fakeDispatcher) PauseCampaign(ctx context.Context, campaignID string) error  { return nil }
func (f *fakeDispatcher) ResumeCampaign(ctx context.Context, campaignID string) error { return nil }
func (f *fakeDispatcher) StopCampaign(ctx context.Context, campaignID string) error   { return nil }

func (f *fakeDispatcher) FailCampaign(ctx context.Context, campaignID string, reason string) error {
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[campaignID] = reason
	return nil
}

func (f *fakeDispatcher) AddRecipients(ctx context.Context, campaignID string, recipients []dto.RecipientInput) (int64, error) {
	return 0, nil
}

func (f *fakeDispatcher) RecoverStalled(ctx context.Context, idleFor time.Duration) (int, error) {
	return 0, nil
}

type fakeWorker struct {
	sendErr   error
	sent      []dto.SendEmail
	finalized []dto.SendEmail
}

func (f *fakeWorker) Send(ctx context.Context, task dto.SendEmail) error {
	f.sent = append(f.sent, task)
	return f.sendErr
}

func (f *fakeWorker) FinalizeFailure(ctx context.Context, task dto.SendEmail, cause error) error {
	f.finalized = append(f.finalized, task)
	return nil
}

func newTask(taskType, entityId string, data interface{}) dto.Task {
	return dto.Task{
		Task: dto.TaskDetails{
			Id:         "task-1",
			EntityId:   entityId,
			EntityType: enum.CAMPAIGN,
			TaskType:   taskType,
			Data:       data,
		},
	}
}

func TestCampaignBatchListener_ProcessesBatch(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	listener := NewCampaignBatchListener(testutil.NewTestLogger(), dispatcher)

	assert.Equal(t, "ProcessCampaignBatch", listener.GetEventType())
	assert.Equal(t, events.QueueCampaigns, listener.GetQueueName())

	task := newTask(listener.GetEventType(), "cmpn-1", dto.ProcessCampaignBatch{CampaignId: "cmpn-1", BatchSize: 25, Token: "tok"})
	require.NoError(t, listener.Handle(context.Background(), task))
	assert.Equal(t, []dto.ProcessCampaignBatch{{CampaignId: "cmpn-1", BatchSize: 25, Token: "tok"}}, dispatcher.processed)
}

func TestCampaignBatchListener_DropsInactiveAndStaleBatches(t *testing.T) {
	for _, cause := range []error{mberrors.ErrCampaignNotActive, mberrors.ErrStaleDispatchToken, mberrors.ErrBatchAlreadyRunning} {
		dispatcher := &fakeDispatcher{processErr: cause}
		listener := NewCampaignBatchListener(testutil.NewTestLogger(), dispatcher)

		task := newTask(listener.GetEventType(), "cmpn-1", dto.ProcessCampaignBatch{CampaignId: "cmpn-1", BatchSize: 10})
		assert.NoError(t, listener.Handle(context.Background(), task), cause.Error())
	}
}

func TestCampaignBatchListener_ReturnsOtherErrorsForRetry(t *testing.T) {
	dispatcher := &fakeDispatcher{processErr: errors.New("connection reset")}
	listener := NewCampaignBatchListener(testutil.NewTestLogger(), dispatcher)

	task := newTask(listener.GetEventType(), "cmpn-1", dto.ProcessCampaignBatch{CampaignId: "cmpn-1", BatchSize: 10})
	err := listener.Handle(context.Background(), task)
	require.Error(t, err)

	action, delay := events.DecideRetry(err, 0, listener.RetryPolicy())
	assert.Equal(t, events.ActionRetry, action)
	assert.Equal(t, 60*time.Second, delay)
}

func TestCampaignBatchListener_ExhaustedFailsCampaign(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	listener := NewCampaignBatchListener(testutil.NewTestLogger(), dispatcher)

	task := newTask(listener.GetEventType(), "cmpn-1", dto.ProcessCampaignBatch{CampaignId: "cmpn-1", BatchSize: 10})
	listener.OnExhausted(context.Background(), task, errors.New("database unavailable"))

	assert.Equal(t, map[string]string{"cmpn-1": "database unavailable"}, dispatcher.failed)
}

func TestCampaignBatchListener_RejectsMalformedTask(t *testing.T) {
	listener := NewCampaignBatchListener(testutil.NewTestLogger(), &fakeDispatcher{})

	err := listener.Handle(context.Background(), newTask(listener.GetEventType(), "", nil))
	require.Error(t, err)
	assert.True(t, mberrors.IsPermanent(err))
}

func TestSendEmailListener_SendsAndFinalizes(t *testing.T) {
	worker := &fakeWorker{}
	listener := NewSendEmailListener(testutil.NewTestLogger(), worker)
	assert.Equal(t, events.QueueEmails, listener.GetQueueName())
	assert.Equal(t, 3, listener.RetryPolicy().MaxRetries())

	payload := dto.SendEmail{CampaignId: "cmpn-1", RecipientId: "rcpt-1", SenderId: "sndr-1"}
	task := newTask(listener.GetEventType(), "rcpt-1", payload)

	require.NoError(t, listener.Handle(context.Background(), task))
	assert.Equal(t, []dto.SendEmail{payload}, worker.sent)

	listener.OnExhausted(context.Background(), task, mberrors.TransportError(errors.New("timeout"), "smtp"))
	assert.Equal(t, []dto.SendEmail{payload}, worker.finalized)
}

func TestSendEmailListener_PermanentErrorIsNotRetried(t *testing.T) {
	worker := &fakeWorker{sendErr: mberrors.ValidationError(nil, "550 mailbox unavailable")}
	listener := NewSendEmailListener(testutil.NewTestLogger(), worker)

	task := newTask(listener.GetEventType(), "rcpt-1", dto.SendEmail{CampaignId: "cmpn-1", RecipientId: "rcpt-1"})
	err := listener.Handle(context.Background(), task)

	action, _ := events.DecideRetry(err, 0, listener.RetryPolicy())
	assert.Equal(t, events.ActionExhausted, action)
}
