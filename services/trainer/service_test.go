package trainer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/testutil"
)

var fixedNow = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

type staticSource map[string]models.SenderDeliveryStats

func (s staticSource) SenderMetrics(ctx context.Context, since time.Time) (map[string]models.SenderDeliveryStats, error) {
	return s, nil
}

type trainerFixture struct {
	store   *testutil.Store
	service *trainerService
	stats   staticSource
}

func newTrainerFixture(t *testing.T, mutate ...func(cfg *config.TrainerConfig)) *trainerFixture {
	cfg := config.Defaults().TrainerConfig
	for _, m := range mutate {
		m(cfg)
	}
	repos, store := testutil.NewRepositories()
	stats := staticSource{}
	service := NewTrainerServiceWithSource(testutil.NewTestLogger(), repos, cfg, stats).(*trainerService)
	service.now = func() time.Time { return fixedNow }
	service.blacklist = func(string) int { return 0 }
	service.domainAge = func(string) (int, bool) { return 0, false }
	return &trainerFixture{store: store, service: service, stats: stats}
}

func (f *trainerFixture) addSender(t *testing.T, id, email string, provider enum.SenderProvider, limit int, ageDays int) {
	require.NoError(t, f.store.Repositories().SenderRepository.Create(context.Background(), &models.Sender{
		ID:         id,
		Email:      email,
		Provider:   provider,
		DailyLimit: limit,
		IsActive:   true,
		CreatedAt:  fixedNow.Add(-time.Duration(ageDays) * 24 * time.Hour),
	}))
}

func analysisFor(result *dto.TrainingResult, senderID string) dto.SenderAnalysis {
	for _, a := range result.Analysis {
		if a.SenderId == senderID {
			return a
		}
	}
	return dto.SenderAnalysis{}
}

func TestRun_AutomaticDecisions(t *testing.T) {
	f := newTrainerFixture(t)
	f.addSender(t, "healthy", "a@healthy.io", enum.SenderProviderGmail, 1500, 100)
	f.addSender(t, "abusive", "b@abusive.io", enum.SenderProviderOther, 100, 100)
	f.addSender(t, "quiet", "c@quiet.io", enum.SenderProviderOther, 40, 100)

	f.stats["healthy"] = models.SenderDeliveryStats{SenderID: "healthy", Sent: 1000}
	f.stats["abusive"] = models.SenderDeliveryStats{SenderID: "abusive", Sent: 100, HardBounces: 20, Complaints: 5, FeedbackLoop: 5}
	f.stats["quiet"] = models.SenderDeliveryStats{SenderID: "quiet", Sent: 10}

	result, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	assert.Equal(t, 2, result.SendersUpdated)

	healthy := analysisFor(result, "healthy")
	assert.Equal(t, enum.ReputationExcellent, healthy.Tier)
	assert.Equal(t, float64(100), healthy.Score)
	assert.Equal(t, 2000, healthy.NewLimit, "gmail cap bounds the doubling")
	assert.Equal(t, DecisionIncrease, healthy.Decision)

	abusive := analysisFor(result, "abusive")
	assert.Equal(t, enum.ReputationPoor, abusive.Tier)
	assert.Equal(t, 50, abusive.NewLimit)
	assert.Equal(t, DecisionDecrease, abusive.Decision)

	quiet := analysisFor(result, "quiet")
	assert.Equal(t, enum.ReputationInsufficientData, quiet.Tier)
	assert.Equal(t, 40, quiet.NewLimit)
	assert.Equal(t, DecisionHold, quiet.Decision)

	assert.Equal(t, 2000, f.store.Sender("healthy").DailyLimit)
	assert.Equal(t, 50, f.store.Sender("abusive").DailyLimit)
	assert.Equal(t, 40, f.store.Sender("quiet").DailyLimit)
	assert.Len(t, f.store.Reputations, 3)
}

func TestRun_AutomaticBreachAboveFairHolds(t *testing.T) {
	f := newTrainerFixture(t)
	f.addSender(t, "s1", "a@bouncy.io", enum.SenderProviderOther, 100, 100)
	// 20% hard bounces alone still scores "good"
	f.stats["s1"] = models.SenderDeliveryStats{SenderID: "s1", Sent: 100, HardBounces: 20}

	result, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)

	a := analysisFor(result, "s1")
	assert.Equal(t, enum.ReputationGood, a.Tier)
	assert.Equal(t, DecisionHold, a.Decision)
	assert.Equal(t, 100, f.store.Sender("s1").DailyLimit)
}

func TestRun_DecreaseNeverBelowFloor(t *testing.T) {
	f := newTrainerFixture(t)
	f.addSender(t, "s1", "a@tiny.io", enum.SenderProviderOther, 12, 100)
	f.stats["s1"] = models.SenderDeliveryStats{SenderID: "s1", Sent: 100, HardBounces: 20, Complaints: 5, FeedbackLoop: 5}

	_, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)
	assert.Equal(t, 10, f.store.Sender("s1").DailyLimit)
}

func TestRun_ZeroLimitIsSeededWithFloor(t *testing.T) {
	f := newTrainerFixture(t)
	f.addSender(t, "s1", "a@fresh.io", enum.SenderProviderOther, 0, 100)
	f.stats["s1"] = models.SenderDeliveryStats{SenderID: "s1", Sent: 1000}

	result, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)

	a := analysisFor(result, "s1")
	assert.Equal(t, DecisionIncrease, a.Decision)
	assert.Equal(t, 10, a.NewLimit)
	assert.Equal(t, 10, f.store.Sender("s1").DailyLimit)
}

func TestRun_StageCapAndScopeCeiling(t *testing.T) {
	f := newTrainerFixture(t, func(cfg *config.TrainerConfig) {
		cfg.CapOther = 100000
	})
	f.addSender(t, "young", "a@young.io", enum.SenderProviderOther, 4000, 3)
	f.addSender(t, "ceiled", "b@ceiled.io", enum.SenderProviderOther, 200, 100)
	f.stats["young"] = models.SenderDeliveryStats{SenderID: "young", Sent: 500}
	f.stats["ceiled"] = models.SenderDeliveryStats{SenderID: "ceiled", Sent: 500}

	require.NoError(t, f.store.Repositories().TrainingConfigRepository.Save(context.Background(), &models.TrainingConfig{
		Scope:      "ceiled.io",
		DailyLimit: 300,
	}))

	_, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)

	assert.Equal(t, 5000, f.store.Sender("young").DailyLimit)
	assert.Equal(t, 300, f.store.Sender("ceiled").DailyLimit)
}

func TestRun_DomainAgeTightensStage(t *testing.T) {
	f := newTrainerFixture(t, func(cfg *config.TrainerConfig) {
		cfg.CapOther = 100000
		cfg.DomainAgeCheck = true
	})
	f.service.domainAge = func(domain string) (int, bool) { return 5, true }
	f.addSender(t, "s1", "a@fresh.io", enum.SenderProviderOther, 4000, 365)
	f.stats["s1"] = models.SenderDeliveryStats{SenderID: "s1", Sent: 500}

	_, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)
	assert.Equal(t, 5000, f.store.Sender("s1").DailyLimit)
}

func TestRun_BlacklistPenaltyLowersScore(t *testing.T) {
	f := newTrainerFixture(t, func(cfg *config.TrainerConfig) {
		cfg.BlacklistCheck = true
	})
	f.service.blacklist = func(domain string) int { return 80 }
	f.addSender(t, "s1", "a@listed.io", enum.SenderProviderOther, 100, 100)
	f.stats["s1"] = models.SenderDeliveryStats{SenderID: "s1", Sent: 500}

	result, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)

	a := analysisFor(result, "s1")
	assert.Equal(t, float64(20), a.Score)
	assert.Equal(t, enum.ReputationPoor, a.Tier)
	assert.Equal(t, DecisionHold, a.Decision)
	assert.Equal(t, 80, f.store.Reputations[0].BlacklistPenaltyPct)
}

func TestRun_IncreaseStaysWithinBounds(t *testing.T) {
	f := newTrainerFixture(t)
	cfg := f.service.config
	limits := []int{1, 10, 99, 250, 499, 500, 999, 1200, 4000, 30000}
	for i, limit := range limits {
		id := string(rune('a' + i))
		provider := []enum.SenderProvider{enum.SenderProviderGmail, enum.SenderProviderYahoo, enum.SenderProviderMicrosoft, enum.SenderProviderOther}[i%4]
		f.addSender(t, id, id+"@bounds.io", provider, limit, i*7)
		f.stats[id] = models.SenderDeliveryStats{SenderID: id, Sent: 1000}
	}

	result, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)

	for _, sender := range f.store.Senders {
		a := analysisFor(result, sender.ID)
		bound := int(float64(a.PreviousLimit) * cfg.IncreaseFactor)
		bound = min(bound, providerCap(sender.Provider, cfg))
		if stage := stageCap(int(fixedNow.Sub(sender.CreatedAt).Hours()/24), cfg); stage > 0 {
			bound = min(bound, stage)
		}
		if a.NewLimit > a.PreviousLimit {
			assert.LessOrEqual(t, a.NewLimit, bound, sender.ID)
		}
	}
}

func TestRun_NotDueIsSkipped(t *testing.T) {
	f := newTrainerFixture(t)
	f.addSender(t, "s1", "a@acme.io", enum.SenderProviderOther, 100, 100)
	f.stats["s1"] = models.SenderDeliveryStats{SenderID: "s1", Sent: 500}

	first, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)
	require.False(t, first.Skipped)
	assert.Equal(t, 200, f.store.Sender("s1").DailyLimit)

	second, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, 0, second.SendersUpdated)
	assert.Equal(t, DecisionNotDue, analysisFor(second, "s1").Decision)
	assert.Equal(t, 200, f.store.Sender("s1").DailyLimit)

	// a new interval is due again
	f.service.now = func() time.Time { return fixedNow.Add(25 * time.Hour) }
	third, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)
	assert.False(t, third.Skipped)
}

func TestRun_Manual(t *testing.T) {
	f := newTrainerFixture(t)
	f.addSender(t, "s1", "a@acme.io", enum.SenderProviderOther, 50, 1)
	f.addSender(t, "s2", "b@acme.io", enum.SenderProviderOther, 5, 1)
	f.addSender(t, "s3", "c@capped.io", enum.SenderProviderOther, 95, 1)
	require.NoError(t, f.store.Repositories().TrainingConfigRepository.Save(context.Background(), &models.TrainingConfig{
		Scope:      "capped.io",
		DailyLimit: 100,
	}))

	result, err := f.service.Run(context.Background(), enum.TrainingModeManual)
	require.NoError(t, err)
	assert.Equal(t, 10, result.PercentageApplied)
	assert.Equal(t, 3, result.SendersUpdated)

	assert.Equal(t, 55, f.store.Sender("s1").DailyLimit)
	assert.Equal(t, 6, f.store.Sender("s2").DailyLimit)
	assert.Equal(t, 100, f.store.Sender("s3").DailyLimit)
	assert.Equal(t, DecisionCapped, analysisFor(result, "s3").Decision)
	// manual runs store no reputation snapshots
	assert.Empty(t, f.store.Reputations)
}

func TestRun_ManualAndAutomaticAreTrackedSeparately(t *testing.T) {
	f := newTrainerFixture(t)
	f.addSender(t, "s1", "a@acme.io", enum.SenderProviderOther, 50, 100)

	_, err := f.service.Run(context.Background(), enum.TrainingModeManual)
	require.NoError(t, err)

	auto, err := f.service.Run(context.Background(), enum.TrainingModeAutomatic)
	require.NoError(t, err)
	assert.False(t, auto.Skipped)
}

func TestRun_ManualPercentageOutOfRange(t *testing.T) {
	f := newTrainerFixture(t)
	ctx := context.Background()
	global, err := f.store.Repositories().TrainingConfigRepository.GetOrCreateGlobal(ctx)
	require.NoError(t, err)
	global.ManualTrainingPercentage = 60
	require.NoError(t, f.store.Repositories().TrainingConfigRepository.Save(ctx, global))

	_, err = f.service.Run(ctx, enum.TrainingModeManual)
	require.Error(t, err)
	assert.True(t, mberrors.IsKind(err, mberrors.KindValidation))
}

func TestRun_UnknownMode(t *testing.T) {
	f := newTrainerFixture(t)
	_, err := f.service.Run(context.Background(), enum.TrainingMode("turbo"))
	require.Error(t, err)
	assert.True(t, mberrors.IsKind(err, mberrors.KindValidation))
}

func TestRun_EmptyModeUsesStoredMode(t *testing.T) {
	f := newTrainerFixture(t)
	ctx := context.Background()
	global, err := f.store.Repositories().TrainingConfigRepository.GetOrCreateGlobal(ctx)
	require.NoError(t, err)
	global.Mode = enum.TrainingModeManual
	require.NoError(t, f.store.Repositories().TrainingConfigRepository.Save(ctx, global))

	result, err := f.service.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, enum.TrainingModeManual, result.Mode)
}

func TestManualIncrease(t *testing.T) {
	assert.Equal(t, 55, ManualIncrease(50, 10))
	assert.Equal(t, 6, ManualIncrease(5, 10))
	assert.Equal(t, 2, ManualIncrease(1, 10))
	assert.Equal(t, 1, ManualIncrease(0, 10))
	assert.Equal(t, 150, ManualIncrease(100, 50))
}

func TestAnalyze(t *testing.T) {
	cfg := config.Defaults().TrainerConfig

	a := analyze(models.SenderDeliveryStats{Sent: 49}, cfg, 0)
	assert.Equal(t, enum.ReputationInsufficientData, a.tier)

	a = analyze(models.SenderDeliveryStats{Sent: 1000, SoftBounces: 100}, cfg, 0)
	// soft rate 10% of a 20% tolerance halves the diagnostic signal
	assert.InDelta(t, (200+300+1000+500+50)/21.0, a.score, 0.01)
	assert.Equal(t, enum.ReputationExcellent, a.tier)
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, enum.ReputationExcellent, tierFor(85))
	assert.Equal(t, enum.ReputationGood, tierFor(84.99))
	assert.Equal(t, enum.ReputationFair, tierFor(50))
	assert.Equal(t, enum.ReputationPoor, tierFor(49.99))
}
