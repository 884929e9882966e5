package tracking

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/testutil"
)

func newTestService() (interfaces.TrackingService, *testutil.Store) {
	repos, store := testutil.NewRepositories()
	return NewTrackingService(repos, &config.AppConfig{
		TrackingPublicUrl: "https://t.example.com/",
		UnsubscribeSecret: "secret",
	}), store
}

func TestGetOrCreateRecord_OnePerCampaignAndRecipient(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.GetOrCreateRecord(ctx, "cmpn-1", "Jane@Example.com", "sndr-1")
	require.NoError(t, err)
	again, err := svc.GetOrCreateRecord(ctx, "cmpn-1", "jane@example.com", "sndr-1")
	require.NoError(t, err)
	other, err := svc.GetOrCreateRecord(ctx, "cmpn-2", "jane@example.com", "sndr-1")
	require.NoError(t, err)

	assert.Equal(t, first.TrackingID, again.TrackingID)
	assert.NotEqual(t, first.TrackingID, other.TrackingID)
	assert.Equal(t, "jane@example.com", first.RecipientEmail)
}

func TestURLs(t *testing.T) {
	svc, _ := newTestService()

	assert.Equal(t, "https://t.example.com/t/o/tid-1", svc.PixelURL("tid-1"))
	assert.Equal(t, "https://t.example.com/t/c/tid-1/l2", svc.ClickURL("tid-1", "l2"))

	link, err := url.Parse(svc.UnsubscribeURL("Jane@Example.com", "cmpn-1"))
	require.NoError(t, err)
	assert.Equal(t, "/unsubscribe", link.Path)
	assert.Equal(t, "jane@example.com", link.Query().Get("e"))
	assert.Equal(t, "cmpn-1", link.Query().Get("c"))
	assert.Equal(t, svc.UnsubscribeToken("jane@example.com", "cmpn-1"), link.Query().Get("t"))
}

func TestVerifyUnsubscribeToken(t *testing.T) {
	svc, _ := newTestService()
	token := svc.UnsubscribeToken("jane@example.com", "cmpn-1")

	assert.Len(t, token, 64)
	assert.True(t, svc.VerifyUnsubscribeToken("JANE@example.com", "cmpn-1", token))
	assert.False(t, svc.VerifyUnsubscribeToken("jane@example.com", "cmpn-2", token))
	assert.False(t, svc.VerifyUnsubscribeToken("bob@example.com", "cmpn-1", token))
	assert.False(t, svc.VerifyUnsubscribeToken("jane@example.com", "cmpn-1", ""))

	other := NewTrackingService(nil, &config.AppConfig{UnsubscribeSecret: "rotated"})
	assert.False(t, other.VerifyUnsubscribeToken("jane@example.com", "cmpn-1", token))
}

func TestClickRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	record, err := svc.GetOrCreateRecord(ctx, "cmpn-1", "jane@example.com", "sndr-1")
	require.NoError(t, err)

	require.NoError(t, svc.RegisterLinks(ctx, record.TrackingID, map[string]string{"l1": "https://example.com/offer"}))

	for i := 0; i < 2; i++ {
		target, err := svc.ResolveClick(ctx, record.TrackingID, "l1")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/offer", target)
	}

	_, err = svc.ResolveClick(ctx, record.TrackingID, "l9")
	assert.ErrorIs(t, err, repository.ErrClickNotFound)
}

func TestRecordOpen(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	record, err := svc.GetOrCreateRecord(ctx, "cmpn-1", "jane@example.com", "sndr-1")
	require.NoError(t, err)

	require.NoError(t, svc.RecordOpen(ctx, record.TrackingID))
	require.NoError(t, svc.RecordOpen(ctx, record.TrackingID))
	stored := store.TrackingByEmail("jane@example.com")[0]
	assert.Equal(t, 2, stored.OpenCount)
	assert.NotNil(t, stored.OpenedAt)

	assert.ErrorIs(t, svc.RecordOpen(ctx, "unknown"), repository.ErrTrackingRecordNotFound)
}

func TestMarkFailed_NoOpAfterSent(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	record, err := svc.GetOrCreateRecord(ctx, "cmpn-1", "jane@example.com", "sndr-1")
	require.NoError(t, err)

	require.NoError(t, svc.MarkSent(ctx, record.TrackingID))
	require.NoError(t, svc.MarkFailed(ctx, record.TrackingID, "smtp timeout"))

	stored := store.TrackingByEmail("jane@example.com")[0]
	assert.NotNil(t, stored.SentAt)
	assert.Nil(t, stored.FailedAt)
}

func TestRecordBounce(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	record, err := svc.GetOrCreateRecord(ctx, "cmpn-1", "jane@example.com", "sndr-1")
	require.NoError(t, err)

	require.NoError(t, svc.RecordBounce(ctx, record.TrackingID, "", enum.BounceKindSoft, false))
	// falls back to the latest record for the email
	require.NoError(t, svc.RecordBounce(ctx, "", "jane@example.com", enum.BounceKindComplaint, true))
	// nothing to attach to
	require.NoError(t, svc.RecordBounce(ctx, "", "nobody@example.com", enum.BounceKindHard, false))

	stored := store.TrackingByEmail("jane@example.com")[0]
	assert.Equal(t, 1, stored.SoftBounceCount)
	assert.NotNil(t, stored.ComplainedAt)
	assert.True(t, stored.FeedbackLoop)
	assert.Nil(t, stored.BouncedAt)
}
