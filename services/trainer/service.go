package trainer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/metrics"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

const (
	DecisionIncrease = "increase"
	DecisionDecrease = "decrease"
	DecisionHold     = "hold"
	DecisionCapped   = "capped"
	DecisionNotDue   = "not_due"

	minManualPercentage = 1
	maxManualPercentage = 50
)

type trainerService struct {
	log          logger.Logger
	repositories *repository.Repositories
	source       MetricsSource
	config       *config.TrainerConfig
	now          func() time.Time
	blacklist    func(domain string) int
	domainAge    func(domain string) (int, bool)
}

func NewTrainerService(log logger.Logger, repos *repository.Repositories, cfg *config.TrainerConfig) interfaces.TrainerService {
	return NewTrainerServiceWithSource(log, repos, cfg, NewTrackingMetricsSource(repos))
}

func NewTrainerServiceWithSource(log logger.Logger, repos *repository.Repositories, cfg *config.TrainerConfig, source MetricsSource) interfaces.TrainerService {
	return &trainerService{
		log:          log,
		repositories: repos,
		source:       source,
		config:       cfg,
		now:          utils.Now,
		blacklist:    blacklistPenaltyPercent,
		domainAge:    domainAgeDays,
	}
}

// Run adjusts sender daily limits once per interval. An empty mode runs the
// mode stored on the global training config.
func (s *trainerService) Run(ctx context.Context, mode enum.TrainingMode) (*dto.TrainingResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrainerService.Run")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagEntity(span, models.TrainingScopeGlobal)

	trainingConfig, err := s.repositories.TrainingConfigRepository.GetOrCreateGlobal(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if mode == "" {
		mode = trainingConfig.Mode
	}
	if !mode.IsValid() {
		return nil, mberrors.ValidationError(mberrors.ErrInvalidInput, fmt.Sprintf("unknown training mode %q", mode))
	}
	span.LogKV("mode", mode.String())

	percentage := trainingConfig.ManualTrainingPercentage
	if mode == enum.TrainingModeManual && (percentage < minManualPercentage || percentage > maxManualPercentage) {
		return nil, mberrors.ValidationError(mberrors.ErrInvalidInput,
			fmt.Sprintf("manual training percentage must be between %d and %d, got %d", minManualPercentage, maxManualPercentage, percentage))
	}

	senders, err := s.repositories.SenderRepository.ListActive(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	now := s.now()
	result := &dto.TrainingResult{Mode: mode}

	claimed := false
	if trainingConfig.IsDue(mode, now) {
		claimed, err = s.repositories.TrainingConfigRepository.ClaimDue(ctx, trainingConfig.ID, mode, now, trainingConfig.Interval())
		if err != nil {
			tracing.TraceErr(span, err)
			return nil, err
		}
	}
	if !claimed {
		result.Skipped = true
		for _, sender := range senders {
			result.Analysis = append(result.Analysis, dto.SenderAnalysis{
				SenderId:      sender.ID,
				PreviousLimit: sender.DailyLimit,
				NewLimit:      sender.DailyLimit,
				Decision:      DecisionNotDue,
			})
		}
		span.LogKV("result", "not due")
		return result, nil
	}

	ceilings, err := s.repositories.TrainingConfigRepository.DomainCeilings(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if trainingConfig.DailyLimit > 0 {
		ceilings[models.TrainingScopeGlobal] = trainingConfig.DailyLimit
	}

	if mode == enum.TrainingModeManual {
		result.PercentageApplied = percentage
		err = s.runManual(ctx, senders, percentage, ceilings, result)
	} else {
		err = s.runAutomatic(ctx, senders, ceilings, now, result)
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	s.log.Infof("Training run (%s): %d of %d senders updated", mode, result.SendersUpdated, len(senders))
	tracing.LogObjectAsJson(span, "result", result)
	return result, nil
}

func (s *trainerService) runAutomatic(ctx context.Context, senders []models.Sender, ceilings map[string]int, now time.Time, result *dto.TrainingResult) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrainerService.runAutomatic")
	defer span.Finish()

	stats, err := s.source.SenderMetrics(ctx, now.Add(-s.config.Window))
	if err != nil {
		return err
	}

	penalties := map[string]int{}
	for _, sender := range senders {
		penalty := 0
		if s.config.BlacklistCheck {
			cached, ok := penalties[sender.Domain]
			if !ok {
				cached = s.blacklist(sender.Domain)
				penalties[sender.Domain] = cached
			}
			penalty = cached
		}

		a := analyze(stats[sender.ID], s.config, penalty)
		prev := sender.DailyLimit
		next, decision := s.decide(sender, a, ceilings, now)

		if err := s.apply(ctx, sender, next, result); err != nil {
			return err
		}

		err := s.repositories.SenderReputationRepository.Create(ctx, &models.SenderReputation{
			CreatedAt:           now,
			SenderID:            sender.ID,
			Domain:              sender.Domain,
			Sent:                a.sent,
			BounceRate:          a.bounceRate,
			ComplaintRate:       a.complaintRate,
			Score:               a.score,
			Tier:                a.tier,
			BlacklistPenaltyPct: penalty,
			PreviousLimit:       prev,
			NewLimit:            next,
			Decision:            decision,
		})
		if err != nil {
			s.log.Warnf("Failed to store reputation snapshot for sender %s: %v", sender.ID, err)
		}

		metrics.TrainingDecisions.WithLabelValues(enum.TrainingModeAutomatic.String(), decision).Inc()
		result.Analysis = append(result.Analysis, dto.SenderAnalysis{
			SenderId:      sender.ID,
			Sent:          a.sent,
			BounceRate:    a.bounceRate,
			ComplaintRate: a.complaintRate,
			Score:         a.score,
			Tier:          a.tier,
			PreviousLimit: prev,
			NewLimit:      next,
			Decision:      decision,
		})
	}
	return nil
}

// decide returns the new daily limit for one analyzed sender. Increases never
// exceed prev*increase_factor, the provider cap, the stage cap or the scope
// ceiling. A sender at zero is seeded with the minimum daily limit.
func (s *trainerService) decide(sender models.Sender, a analysis, ceilings map[string]int, now time.Time) (int, string) {
	prev := sender.DailyLimit
	if a.tier == enum.ReputationInsufficientData {
		return prev, DecisionHold
	}

	if a.bounceRate > s.config.MaxBounceRate || a.complaintRate > s.config.MaxComplaintRate {
		if a.tier != enum.ReputationPoor {
			return prev, DecisionHold
		}
		next := int(math.Floor(float64(prev) * s.config.DecreaseFactor))
		next = max(next, s.config.MinDailyLimit)
		if next >= prev {
			return prev, DecisionHold
		}
		return next, DecisionDecrease
	}

	if a.tier == enum.ReputationPoor {
		return prev, DecisionHold
	}

	next := int(math.Floor(float64(prev) * s.config.IncreaseFactor))
	if prev <= 0 {
		next = s.config.MinDailyLimit
	}
	for _, limit := range []int{
		providerCap(sender.Provider, s.config),
		stageCap(s.senderAgeDays(sender, now), s.config),
		scopeCeiling(sender, ceilings),
	} {
		if limit > 0 && next > limit {
			next = limit
		}
	}

	switch {
	case next > prev:
		return next, DecisionIncrease
	case next < prev:
		return next, DecisionCapped
	default:
		return prev, DecisionHold
	}
}

func (s *trainerService) runManual(ctx context.Context, senders []models.Sender, percentage int, ceilings map[string]int, result *dto.TrainingResult) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrainerService.runManual")
	defer span.Finish()
	span.LogKV("percentage", percentage)

	for _, sender := range senders {
		prev := sender.DailyLimit
		next := ManualIncrease(prev, percentage)
		decision := DecisionIncrease
		if ceiling := scopeCeiling(sender, ceilings); ceiling > 0 && next > ceiling {
			next = ceiling
			decision = DecisionCapped
		}
		if next == prev {
			decision = DecisionHold
		}

		if err := s.apply(ctx, sender, next, result); err != nil {
			return err
		}
		metrics.TrainingDecisions.WithLabelValues(enum.TrainingModeManual.String(), decision).Inc()
		result.Analysis = append(result.Analysis, dto.SenderAnalysis{
			SenderId:      sender.ID,
			PreviousLimit: prev,
			NewLimit:      next,
			Decision:      decision,
		})
	}
	return nil
}

// ManualIncrease raises limit by percentage, rounding up and by at least one.
func ManualIncrease(limit, percentage int) int {
	next := (limit*(100+percentage) + 99) / 100
	if next <= limit {
		next = limit + 1
	}
	return next
}

func (s *trainerService) apply(ctx context.Context, sender models.Sender, next int, result *dto.TrainingResult) error {
	if next == sender.DailyLimit {
		return nil
	}
	if err := s.repositories.SenderRepository.UpdateDailyLimit(ctx, sender.ID, next); err != nil {
		return err
	}
	result.SendersUpdated++
	return nil
}

// senderAgeDays uses the younger of the sender record and, when enabled, its
// domain registration.
func (s *trainerService) senderAgeDays(sender models.Sender, now time.Time) int {
	age := int(now.Sub(sender.CreatedAt).Hours() / 24)
	if s.config.DomainAgeCheck && sender.Domain != "" {
		if domainAge, ok := s.domainAge(sender.Domain); ok && domainAge < age {
			age = domainAge
		}
	}
	return max(age, 0)
}

// scopeCeiling is the tightest configured ceiling for the sender's domain
// and the global scope. Zero means unbounded.
func scopeCeiling(sender models.Sender, ceilings map[string]int) int {
	ceiling := 0
	for _, scope := range []string{sender.Domain, models.TrainingScopeGlobal} {
		if limit, ok := ceilings[scope]; ok && limit > 0 && (ceiling == 0 || limit < ceiling) {
			ceiling = limit
		}
	}
	return ceiling
}
