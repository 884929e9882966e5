package trainer

import (
	"context"
	"math"
	"time"

	"github.com/customeros/mailwatcher/blscan"
	"github.com/customeros/mailwatcher/domainage"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/repository"
)

// MetricsSource supplies per-sender delivery outcomes for a trailing window.
type MetricsSource interface {
	SenderMetrics(ctx context.Context, since time.Time) (map[string]models.SenderDeliveryStats, error)
}

type trackingMetricsSource struct {
	repositories *repository.Repositories
}

// NewTrackingMetricsSource aggregates the recipient tracking records.
func NewTrackingMetricsSource(repos *repository.Repositories) MetricsSource {
	return &trackingMetricsSource{repositories: repos}
}

func (s *trackingMetricsSource) SenderMetrics(ctx context.Context, since time.Time) (map[string]models.SenderDeliveryStats, error) {
	stats, err := s.repositories.TrackingRepository.SenderStats(ctx, since)
	if err != nil {
		return nil, err
	}
	bySender := make(map[string]models.SenderDeliveryStats, len(stats))
	for _, st := range stats {
		bySender[st.SenderID] = st
	}
	return bySender, nil
}

type analysis struct {
	sent          int64
	bounceRate    float64
	complaintRate float64
	score         float64
	tier          enum.ReputationTier
}

// analyze scores a sender's window. Each signal is scored 0-100 against
// twice its tolerated rate and the score is their weighted mean.
func analyze(st models.SenderDeliveryStats, cfg *config.TrainerConfig, blacklistPenaltyPct int) analysis {
	a := analysis{sent: st.Sent}
	if st.Sent <= 0 || st.Sent < cfg.MinSample {
		a.tier = enum.ReputationInsufficientData
		if st.Sent > 0 {
			a.bounceRate = pct(st.HardBounces, st.Sent)
			a.complaintRate = pct(st.Complaints, st.Sent)
		}
		return a
	}

	a.bounceRate = pct(st.HardBounces, st.Sent)
	a.complaintRate = pct(st.Complaints, st.Sent)
	fblRate := pct(st.FeedbackLoop, st.Sent)
	softRate := pct(st.SoftBounces, st.Sent)
	deliveryRate := 100 - a.bounceRate

	signals := []struct {
		score  float64
		weight float64
	}{
		{deliveryRate, cfg.WeightDelivery},
		{signalScore(a.bounceRate, 2*cfg.MaxBounceRate), cfg.WeightBounce},
		{signalScore(a.complaintRate, 2*cfg.MaxComplaintRate), cfg.WeightComplaint},
		{signalScore(fblRate, 2*cfg.MaxComplaintRate), cfg.WeightFBL},
		{signalScore(softRate, 4*cfg.MaxBounceRate), cfg.WeightDiagnostic},
	}

	var total, weights float64
	for _, s := range signals {
		total += s.score * s.weight
		weights += s.weight
	}
	if weights > 0 {
		a.score = total / weights
	}
	if blacklistPenaltyPct > 0 {
		a.score *= 1 - float64(min(blacklistPenaltyPct, 100))/100
	}
	a.score = math.Round(a.score*100) / 100
	a.tier = tierFor(a.score)
	return a
}

func signalScore(rate, limit float64) float64 {
	if limit <= 0 {
		if rate > 0 {
			return 0
		}
		return 100
	}
	return 100 * (1 - math.Min(rate/limit, 1))
}

func tierFor(score float64) enum.ReputationTier {
	switch {
	case score >= 85:
		return enum.ReputationExcellent
	case score >= 70:
		return enum.ReputationGood
	case score >= 50:
		return enum.ReputationFair
	default:
		return enum.ReputationPoor
	}
}

func pct(n, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func providerCap(provider enum.SenderProvider, cfg *config.TrainerConfig) int {
	switch provider {
	case enum.SenderProviderGmail:
		return cfg.CapGmail
	case enum.SenderProviderYahoo:
		return cfg.CapYahoo
	case enum.SenderProviderMicrosoft:
		return cfg.CapMicrosoft
	default:
		return cfg.CapOther
	}
}

// stageCap limits young senders. Zero means no stage limit.
func stageCap(ageDays int, cfg *config.TrainerConfig) int {
	switch {
	case ageDays < cfg.EarlyStageDays:
		return cfg.EarlyStageCap
	case ageDays < cfg.MidStageDays:
		return cfg.MidStageCap
	default:
		return 0
	}
}

func blacklistPenaltyPercent(domain string) int {
	blacklists := blscan.ScanBlacklists(domain, "domain")

	penalty := (blacklists.MajorLists * 80) + (blacklists.MinorLists * 10) + (blacklists.SpamTrapLists * 20)
	if penalty > 100 {
		return 100
	}
	return penalty
}

func domainAgeDays(domain string) (int, bool) {
	domainDates, err := domainage.GetDomainDates(domain)
	if err != nil || !domainDates.Success {
		return 0, false
	}
	return domainDates.CreationAge, true
}
