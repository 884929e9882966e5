package bounce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailblast/config"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/testutil"
	"github.com/customeros/mailblast/services/suppression"
	"github.com/customeros/mailblast/services/tracking"
)

type fakeMailbox struct {
	mu        sync.Mutex
	messages  []Message
	processed []string
	closed    bool
}

func (m *fakeMailbox) Fetch(ctx context.Context, limit int) ([]Message, error) {
	return m.messages, nil
}

func (m *fakeMailbox) MarkProcessed(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, ids...)
	return nil
}

func (m *fakeMailbox) Close() error {
	m.closed = true
	return nil
}

type processorFixture struct {
	store     *testutil.Store
	processor interfaces.BounceProcessor
	locker    *testutil.Locker
	mailboxes map[string]*fakeMailbox

	mu    sync.Mutex
	dials int
}

func newProcessorFixture(t *testing.T) *processorFixture {
	repos, store := testutil.NewRepositories()
	f := &processorFixture{store: store, locker: testutil.NewLocker(), mailboxes: map[string]*fakeMailbox{}}

	dial := func(ctx context.Context, credential *models.BounceCredential, timeout time.Duration) (Mailbox, error) {
		f.mu.Lock()
		f.dials++
		f.mu.Unlock()
		mailbox, ok := f.mailboxes[credential.Host]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return mailbox, nil
	}

	tracker := tracking.NewTrackingService(repos, &config.AppConfig{
		TrackingPublicUrl: "https://t.example.com",
		UnsubscribeSecret: "secret",
	})
	f.processor = NewBounceProcessorWithDialer(testutil.NewTestLogger(), repos, suppression.NewSuppressionService(repos), tracker, f.locker,
		&config.BounceConfig{Concurrency: 2, DomainTimeout: time.Minute, DialTimeout: time.Second, MaxMessages: 100, TrackingHeader: "X-Mailblast-Tracking-Id"},
		dial)
	return f
}

func (f *processorFixture) addCredential(t *testing.T, credential models.BounceCredential) *models.BounceCredential {
	credential.IsActive = true
	require.NoError(t, f.store.Repositories().BounceCredentialRepository.Create(context.Background(), &credential))
	return &credential
}

func (f *processorFixture) addSender(t *testing.T, email, userID string) {
	require.NoError(t, f.store.Repositories().SenderRepository.Create(context.Background(), &models.Sender{
		Email:    email,
		UserID:   userID,
		IsActive: true,
	}))
}

func TestProcessDomainBounces_AppliesEachKind(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	f.addSender(t, "sales@acme.io", "user-1")
	f.addCredential(t, models.BounceCredential{UserID: "user-1", Domain: "acme.io", Host: "imap.acme.io", Protocol: enum.MailboxProtocolIMAP})

	record, err := f.store.Repositories().TrackingRepository.GetOrCreate(ctx, "cmpn-1", "carl@example.org", "sndr-1")
	require.NoError(t, err)

	mailbox := &fakeMailbox{messages: []Message{
		{ID: "1", Raw: []byte(dsnHardBounce)},
		{ID: "2", Raw: []byte(heuristicMailboxFull)},
		{ID: "3", Raw: []byte(arfComplaint)},
		{ID: "4", Raw: []byte(ordinaryReply)},
	}}
	f.mailboxes["imap.acme.io"] = mailbox

	result, err := f.processor.ProcessDomainBounces(ctx, "acme.io")
	require.NoError(t, err)

	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, 2, result.Suppressed)
	assert.Equal(t, 1, result.SoftBounces)
	assert.Equal(t, 1, result.Complaints)
	assert.Empty(t, result.Errors)
	assert.ElementsMatch(t, []string{"1", "2", "3", "4"}, mailbox.processed)
	assert.True(t, mailbox.closed)

	hard := f.store.Suppression("jane@example.net")
	require.NotNil(t, hard)
	assert.Equal(t, enum.SuppressionReasonBounce, hard.Reason)
	assert.Equal(t, "mailbox:acme.io", hard.Source)

	complaint := f.store.Suppression("bob@example.com")
	require.NotNil(t, complaint)
	assert.Equal(t, enum.SuppressionReasonComplaint, complaint.Reason)
	assert.Equal(t, "fbl:acme.io", complaint.Source)

	// soft bounces never suppress
	assert.Nil(t, f.store.Suppression("carl@example.org"))
	stored, err := f.store.Repositories().TrackingRepository.GetByTrackingID(ctx, record.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SoftBounceCount)
}

func TestProcessDomainBounces_FallsBackToUserDefaultCredential(t *testing.T) {
	f := newProcessorFixture(t)
	f.addSender(t, "hello@beta.io", "user-2")
	f.addCredential(t, models.BounceCredential{UserID: "user-2", IsDefault: true, Host: "pop.mail.io", Protocol: enum.MailboxProtocolPOP3})
	f.mailboxes["pop.mail.io"] = &fakeMailbox{}

	result, err := f.processor.ProcessDomainBounces(context.Background(), "beta.io")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
}

func TestProcessDomainBounces_MissingCredentialIsConfigurationError(t *testing.T) {
	f := newProcessorFixture(t)
	f.addSender(t, "hello@gamma.io", "user-3")

	_, err := f.processor.ProcessDomainBounces(context.Background(), "gamma.io")
	require.Error(t, err)
	assert.True(t, mberrors.IsKind(err, mberrors.KindConfiguration))
	assert.ErrorIs(t, err, mberrors.ErrNoBounceCredential)
}

func TestProcessDomainBounces_DialFailureIsRetryable(t *testing.T) {
	f := newProcessorFixture(t)
	f.addCredential(t, models.BounceCredential{UserID: "user-4", Domain: "delta.io", Host: "down.delta.io", Protocol: enum.MailboxProtocolIMAP})

	_, err := f.processor.ProcessDomainBounces(context.Background(), "delta.io")
	require.Error(t, err)
	assert.True(t, mberrors.IsRetryable(err))
}

func TestProcessAllDomains_IsolatesFailingDomains(t *testing.T) {
	f := newProcessorFixture(t)
	f.addSender(t, "sales@acme.io", "user-1")
	f.addSender(t, "hello@gamma.io", "user-3")
	f.addCredential(t, models.BounceCredential{UserID: "user-1", Domain: "acme.io", Host: "imap.acme.io", Protocol: enum.MailboxProtocolIMAP})
	f.addCredential(t, models.BounceCredential{UserID: "user-4", Domain: "delta.io", Host: "down.delta.io", Protocol: enum.MailboxProtocolIMAP})
	f.mailboxes["imap.acme.io"] = &fakeMailbox{messages: []Message{{ID: "1", Raw: []byte(dsnHardBounce)}}}

	results, err := f.processor.ProcessAllDomains(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 1, results["acme.io"].Suppressed)
	assert.Empty(t, results["acme.io"].Errors)
	assert.NotEmpty(t, results["gamma.io"].Errors)
	assert.NotEmpty(t, results["delta.io"].Errors)
	assert.NotNil(t, f.store.Suppression("jane@example.net"))
}

func TestProcessAllDomains_SharedMailboxIsReadOnce(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	f.addSender(t, "sales@acme.io", "user-1")
	f.addSender(t, "news@acme-mail.io", "user-1")
	f.addCredential(t, models.BounceCredential{UserID: "user-1", IsDefault: true, Host: "imap.mail.io", Protocol: enum.MailboxProtocolIMAP})
	f.mailboxes["imap.mail.io"] = &fakeMailbox{messages: []Message{{ID: "1", Raw: []byte(heuristicMailboxFull)}}}

	record, err := f.store.Repositories().TrackingRepository.GetOrCreate(ctx, "cmpn-1", "carl@example.org", "sndr-1")
	require.NoError(t, err)

	results, err := f.processor.ProcessAllDomains(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 1, f.dials)
	assert.Equal(t, 1, results["acme.io"].SoftBounces)
	assert.Equal(t, []string{"acme-mail.io"}, results["acme.io"].SharedWith)
	assert.Equal(t, 0, results["acme-mail.io"].SoftBounces)
	assert.Equal(t, "acme.io", results["acme-mail.io"].ProcessedVia)

	stored, err := f.store.Repositories().TrackingRepository.GetByTrackingID(ctx, record.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SoftBounceCount)
}

func TestProcessDomainBounces_SharedMailboxUsesFirstDomainAsSource(t *testing.T) {
	f := newProcessorFixture(t)
	f.addSender(t, "sales@acme.io", "user-1")
	f.addSender(t, "news@acme-mail.io", "user-1")
	f.addCredential(t, models.BounceCredential{UserID: "user-1", IsDefault: true, Host: "imap.mail.io", Protocol: enum.MailboxProtocolIMAP})
	f.mailboxes["imap.mail.io"] = &fakeMailbox{messages: []Message{{ID: "1", Raw: []byte(dsnHardBounce)}}}

	result, err := f.processor.ProcessDomainBounces(context.Background(), "acme-mail.io")
	require.NoError(t, err)
	assert.Equal(t, "acme-mail.io", result.Domain)
	assert.Equal(t, []string{"acme.io"}, result.SharedWith)
	assert.Equal(t, 1, result.Suppressed)

	entry := f.store.Suppression("jane@example.net")
	require.NotNil(t, entry)
	assert.Equal(t, "mailbox:acme.io", entry.Source)
}

func TestProcessDomainBounces_SkipsMailboxHeldByAnotherRun(t *testing.T) {
	f := newProcessorFixture(t)
	f.addSender(t, "sales@acme.io", "user-1")
	credential := f.addCredential(t, models.BounceCredential{UserID: "user-1", IsDefault: true, Host: "imap.mail.io", Protocol: enum.MailboxProtocolIMAP})
	f.mailboxes["imap.mail.io"] = &fakeMailbox{messages: []Message{{ID: "1", Raw: []byte(dsnHardBounce)}}}

	release, ok, err := f.locker.Acquire(context.Background(), mailboxLockPrefix+credential.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	result, err := f.processor.ProcessDomainBounces(context.Background(), "acme.io")
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 0, f.dials)
	assert.Nil(t, f.store.Suppression("jane@example.net"))
}
