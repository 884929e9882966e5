package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

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
	"github.com/customeros/mailblast/services/events"
)

const (
	lockKeyPrefix      = "campaign-batch:"
	tokenLength        = 20
	reasonInvalidEmail = "invalid email syntax"
	reasonSuppressed   = "suppressed"
	reasonStaleQueued  = "send task lost: recipient stayed queued too long"
)

type dispatcherService struct {
	log          logger.Logger
	repositories *repository.Repositories
	suppression  interfaces.SuppressionService
	tracking     interfaces.TrackingService
	publisher    interfaces.TaskPublisher
	locker       interfaces.Locker
	config       *config.DispatchConfig
	now          func() time.Time
}

func NewDispatcherService(log logger.Logger, repos *repository.Repositories, suppression interfaces.SuppressionService, tracking interfaces.TrackingService, publisher interfaces.TaskPublisher, locker interfaces.Locker, cfg *config.DispatchConfig) interfaces.DispatcherService {
	return &dispatcherService{
		log:          log,
		repositories: repos,
		suppression:  suppression,
		tracking:     tracking,
		publisher:    publisher,
		locker:       locker,
		config:       cfg,
		now:          utils.Now,
	}
}

// ProcessCampaign runs one dispatch batch: it selects pending recipients,
// drops suppressed and invalid ones, reserves sender quota and enqueues one
// send task per recipient. It then schedules the next continuation or
// completes the campaign.
func (s *dispatcherService) ProcessCampaign(ctx context.Context, campaignID string, batchSize int, token string) (*dto.BatchResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.ProcessCampaign")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)
	span.LogKV("batchSize", batchSize)

	start := time.Now()

	if batchSize <= 0 {
		return nil, mberrors.ValidationError(mberrors.ErrInvalidBatchSize, "")
	}

	release, acquired, err := s.locker.Acquire(ctx, lockKeyPrefix+campaignID, s.config.BatchLockTTL)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, mberrors.TransportError(err, "failed to acquire campaign batch lock")
	}
	if !acquired {
		span.LogKV("result", "lock busy")
		return nil, mberrors.ErrBatchAlreadyRunning
	}
	defer release()

	campaign, err := s.repositories.CampaignRepository.GetByID(ctx, campaignID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if campaign.Status != enum.CampaignStatusActive {
		span.LogKV("result", "campaign not active", "status", campaign.Status)
		return nil, mberrors.ErrCampaignNotActive
	}
	if token == "" || token != campaign.DispatchToken {
		span.LogKV("result", "stale dispatch token")
		return nil, mberrors.ErrStaleDispatchToken
	}
	// tasks published below carry the campaign's tenant
	ctx = utils.SetTenantInContext(ctx, campaign.Tenant)
	tracing.TagTenant(span, campaign.Tenant)

	result, err := s.dispatchBatch(ctx, campaign, batchSize)
	if err != nil {
		tracing.TraceErr(span, err)
		metrics.BatchesProcessed.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := s.advance(ctx, campaign, batchSize, result); err != nil {
		tracing.TraceErr(span, err)
		metrics.BatchesProcessed.WithLabelValues("error").Inc()
		return nil, err
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	outcome := "continued"
	if result.Completed {
		outcome = "completed"
	}
	metrics.BatchesProcessed.WithLabelValues(outcome).Inc()
	tracing.LogObjectAsJson(span, "result", result)
	s.log.Infof("Campaign %s batch: enqueued=%d failed=%d suppressed=%d deferred=%d remaining=%d",
		campaignID, result.EmailsSent, result.EmailsFailed, result.Suppressed, result.Deferred, result.RemainingRecipients)

	return result, nil
}

func (s *dispatcherService) dispatchBatch(ctx context.Context, campaign *models.Campaign, batchSize int) (*dto.BatchResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.dispatchBatch")
	defer span.Finish()
	tracing.TagCampaign(span, campaign.ID)

	result := &dto.BatchResult{}
	day := s.now()

	senders, err := s.activeSenders(ctx, campaign)
	if err != nil {
		return nil, err
	}

	capacity := make(map[string]int, len(senders))
	var exhausted []string
	for _, sender := range senders {
		capacity[sender.ID] = sender.RemainingQuota(day)
		if capacity[sender.ID] == 0 {
			exhausted = append(exhausted, sender.ID)
		}
	}
	span.LogKV("senders", len(senders), "exhaustedSenders", len(exhausted))

	pending, err := s.repositories.CampaignRecipientRepository.SelectPending(ctx, campaign.ID, batchSize, exhausted)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	emails := make([]string, 0, len(pending))
	for _, r := range pending {
		emails = append(emails, r.Email)
	}
	suppressed, err := s.suppression.FilterSuppressed(ctx, emails)
	if err != nil {
		return nil, errors.Wrap(err, "suppression lookup failed")
	}

	var deliverable []models.CampaignRecipient
	for _, recipient := range pending {
		switch {
		case suppressed[utils.NormalizeEmail(recipient.Email)]:
			settled, err := s.repositories.CampaignRecipientRepository.Settle(ctx, campaign.ID, recipient.ID,
				enum.RecipientStatusPending, enum.RecipientStatusSuppressed, reasonSuppressed)
			if err != nil {
				return nil, err
			}
			if settled {
				result.Suppressed++
				metrics.RecipientsDispatched.WithLabelValues("suppressed").Inc()
			}
		case !mailvalidate.ValidateEmailSyntax(recipient.Email).IsValid:
			settled, err := s.failInvalid(ctx, campaign, recipient)
			if err != nil {
				return nil, err
			}
			if settled {
				result.EmailsFailed++
				metrics.RecipientsDispatched.WithLabelValues("invalid").Inc()
			}
		default:
			deliverable = append(deliverable, recipient)
		}
	}

	plan, deferred := assignSenders(deliverable, capacity)
	result.Deferred += deferred

	senderIDs := make([]string, 0, len(plan))
	for id := range plan {
		senderIDs = append(senderIDs, id)
	}
	sort.Strings(senderIDs)

	var publishErr error
	for _, senderID := range senderIDs {
		recipients := plan[senderID]
		granted, err := s.repositories.SenderRepository.ReserveQuota(ctx, senderID, len(recipients), day)
		if err != nil {
			return nil, err
		}
		if granted < len(recipients) {
			// another dispatcher drew on the same sender since we read it
			result.Deferred += len(recipients) - granted
			recipients = recipients[:granted]
		}

		unused := 0
		for _, recipient := range recipients {
			enqueued, err := s.enqueue(ctx, campaign, recipient, senderID)
			if err != nil {
				publishErr = err
			}
			if !enqueued {
				unused++
				continue
			}
			result.EmailsSent++
			metrics.RecipientsDispatched.WithLabelValues("enqueued").Inc()
		}

		if unused > 0 {
			if err := s.repositories.SenderRepository.ReleaseQuota(ctx, senderID, unused, day); err != nil {
				tracing.TraceErr(span, err)
				s.log.Errorf("Failed to release %d quota units for sender %s: %v", unused, senderID, err)
			}
		}
	}
	metrics.RecipientsDispatched.WithLabelValues("deferred").Add(float64(result.Deferred))

	if publishErr != nil && result.EmailsSent == 0 {
		return nil, mberrors.TransportError(publishErr, "failed to enqueue send tasks")
	}
	return result, nil
}

// assignSenders keeps pre-assigned recipients on their sender and gives the
// rest to the sender with the most remaining capacity. Recipients no sender
// can take are counted as deferred and stay pending.
func assignSenders(recipients []models.CampaignRecipient, capacity map[string]int) (map[string][]models.CampaignRecipient, int) {
	remaining := make(map[string]int, len(capacity))
	ids := make([]string, 0, len(capacity))
	for id, c := range capacity {
		remaining[id] = c
		ids = append(ids, id)
	}
	sort.Strings(ids)

	plan := make(map[string][]models.CampaignRecipient)
	deferred := 0
	for _, recipient := range recipients {
		senderID := ""
		if _, known := remaining[recipient.SenderID]; known && recipient.SenderID != "" {
			senderID = recipient.SenderID
		} else {
			best := 0
			for _, id := range ids {
				if remaining[id] > best {
					best = remaining[id]
					senderID = id
				}
			}
		}

		if senderID == "" || remaining[senderID] <= 0 {
			deferred++
			continue
		}
		remaining[senderID]--
		plan[senderID] = append(plan[senderID], recipient)
	}
	return plan, deferred
}

func (s *dispatcherService) enqueue(ctx context.Context, campaign *models.Campaign, recipient models.CampaignRecipient, senderID string) (bool, error) {
	claimed, err := s.repositories.CampaignRecipientRepository.MarkQueued(ctx, recipient.ID, senderID)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}

	err = s.publisher.PublishTask(ctx, events.QueueEmails, recipient.ID, enum.CAMPAIGN_RECIPIENT, dto.SendEmail{
		CampaignId:  campaign.ID,
		RecipientId: recipient.ID,
		SenderId:    senderID,
	}, 0)
	if err != nil {
		s.log.Errorf("Failed to publish send task for recipient %s: %v", recipient.ID, err)
		if _, releaseErr := s.repositories.CampaignRecipientRepository.ReleaseQueued(ctx, recipient.ID); releaseErr != nil {
			s.log.Errorf("Failed to release recipient %s back to pending: %v", recipient.ID, releaseErr)
		}
		return false, err
	}
	return true, nil
}

func (s *dispatcherService) failInvalid(ctx context.Context, campaign *models.Campaign, recipient models.CampaignRecipient) (bool, error) {
	record, err := s.tracking.GetOrCreateRecord(ctx, campaign.ID, recipient.Email, recipient.SenderID)
	if err != nil {
		return false, err
	}
	if err := s.tracking.MarkFailed(ctx, record.TrackingID, reasonInvalidEmail); err != nil {
		return false, err
	}
	return s.repositories.CampaignRecipientRepository.Settle(ctx, campaign.ID, recipient.ID,
		enum.RecipientStatusPending, enum.RecipientStatusFailed, reasonInvalidEmail)
}

// advance decides what follows a batch: another batch, a finalization check
// or completion.
func (s *dispatcherService) advance(ctx context.Context, campaign *models.Campaign, batchSize int, result *dto.BatchResult) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.advance")
	defer span.Finish()
	tracing.TagCampaign(span, campaign.ID)

	remaining, err := s.repositories.CampaignRecipientRepository.CountByStatus(ctx, campaign.ID, enum.RecipientStatusPending)
	if err != nil {
		return err
	}
	result.RemainingRecipients = remaining

	if remaining > 0 {
		delay := s.config.InterBatchDelay
		if result.EmailsSent == 0 && result.Deferred > 0 {
			// every sender is out of quota for today
			delay = s.config.QuotaWaitDelay
		}
		return s.scheduleContinuation(ctx, campaign, batchSize, delay)
	}

	outstanding, err := s.settleStaleQueued(ctx, campaign)
	if err != nil {
		return err
	}
	span.LogKV("outstanding", outstanding)
	if outstanding > 0 {
		return s.scheduleContinuation(ctx, campaign, batchSize, s.config.InterBatchDelay)
	}

	completed, err := s.repositories.CampaignRepository.TransitionStatus(ctx, campaign.ID, enum.CampaignStatusCompleted, "", enum.CampaignStatusActive)
	if err != nil {
		return err
	}
	if completed {
		result.Completed = true
		s.notifyStatus(ctx, campaign.ID, "")
	}
	return nil
}

// settleStaleQueued fails recipients whose send task was lost and returns
// how many recipients are still queued.
func (s *dispatcherService) settleStaleQueued(ctx context.Context, campaign *models.Campaign) (int64, error) {
	outstanding, err := s.repositories.CampaignRecipientRepository.CountByStatus(ctx, campaign.ID, enum.RecipientStatusQueued)
	if err != nil || outstanding == 0 {
		return outstanding, err
	}

	stale, err := s.repositories.CampaignRecipientRepository.ListStaleQueued(ctx, campaign.ID, s.now().Add(-s.config.StaleQueuedAfter))
	if err != nil {
		return 0, err
	}
	for _, recipient := range stale {
		record, err := s.tracking.GetOrCreateRecord(ctx, campaign.ID, recipient.Email, recipient.SenderID)
		if err != nil {
			return 0, err
		}
		if err := s.tracking.MarkFailed(ctx, record.TrackingID, reasonStaleQueued); err != nil {
			return 0, err
		}
		if _, err := s.repositories.CampaignRecipientRepository.Settle(ctx, campaign.ID, recipient.ID,
			enum.RecipientStatusQueued, enum.RecipientStatusFailed, reasonStaleQueued); err != nil {
			return 0, err
		}
		s.log.Warnf("Recipient %s of campaign %s failed after staying queued too long", recipient.ID, campaign.ID)
	}

	if len(stale) == 0 {
		return outstanding, nil
	}
	return s.repositories.CampaignRecipientRepository.CountByStatus(ctx, campaign.ID, enum.RecipientStatusQueued)
}

// scheduleContinuation publishes the next batch under a fresh token. The
// token swap is a compare-and-set, so at most one continuation is live.
func (s *dispatcherService) scheduleContinuation(ctx context.Context, campaign *models.Campaign, batchSize int, delay time.Duration) error {
	next := utils.GenerateNanoID(tokenLength)
	rotated, err := s.repositories.CampaignRepository.RotateDispatchToken(ctx, campaign.ID, campaign.DispatchToken, next)
	if err != nil {
		return err
	}
	if !rotated {
		// paused, stopped or superseded while the batch ran
		return nil
	}

	err = s.publishBatch(ctx, campaign.ID, batchSize, next, delay)
	if err != nil {
		if _, restoreErr := s.repositories.CampaignRepository.RotateDispatchToken(ctx, campaign.ID, next, campaign.DispatchToken); restoreErr != nil {
			s.log.Errorf("Failed to restore dispatch token for campaign %s: %v", campaign.ID, restoreErr)
		}
		return mberrors.TransportError(err, "failed to schedule next batch")
	}
	campaign.DispatchToken = next
	return nil
}

func (s *dispatcherService) publishBatch(ctx context.Context, campaignID string, batchSize int, token string, delay time.Duration) error {
	return s.publisher.PublishTask(ctx, events.QueueCampaigns, campaignID, enum.CAMPAIGN, dto.ProcessCampaignBatch{
		CampaignId: campaignID,
		BatchSize:  batchSize,
		Token:      token,
	}, delay)
}

func (s *dispatcherService) activeSenders(ctx context.Context, campaign *models.Campaign) ([]models.Sender, error) {
	if len(campaign.SenderIDs) == 0 {
		return nil, mberrors.ConfigurationError(mberrors.ErrNoSendersAssigned, "")
	}
	senders, err := s.repositories.SenderRepository.GetByIDs(ctx, campaign.SenderIDs)
	if err != nil {
		return nil, err
	}

	active := senders[:0]
	for _, sender := range senders {
		if sender.IsActive {
			active = append(active, sender)
		}
	}
	if len(active) == 0 {
		return nil, mberrors.ConfigurationError(mberrors.ErrNoSendersAssigned, "")
	}
	return active, nil
}

func (s *dispatcherService) batchSize(campaign *models.Campaign) int {
	if campaign.BatchSize > 0 {
		return campaign.BatchSize
	}
	return s.config.DefaultBatchSize
}

func (s *dispatcherService) notifyStatus(ctx context.Context, campaignID, reason string) {
	campaign, err := s.repositories.CampaignRepository.GetByID(ctx, campaignID)
	if err != nil {
		s.log.Errorf("Failed to load campaign %s for status event: %v", campaignID, err)
		return
	}

	err = s.publisher.PublishCampaignStatusChanged(ctx, dto.CampaignStatusChanged{
		CampaignId:     campaign.ID,
		Name:           campaign.Name,
		Status:         campaign.Status,
		TotalSent:      campaign.TotalSent,
		TotalFailed:    campaign.TotalFailed,
		RecipientCount: campaign.RecipientCount,
		OwnerId:        campaign.OwnerID,
		Reason:         reason,
	})
	if err != nil {
		s.log.Errorf("Failed to publish status change for campaign %s: %v", campaignID, err)
	}
}

func invalidTransition(campaign *models.Campaign, action string) error {
	return mberrors.ValidationError(nil, fmt.Sprintf("cannot %s campaign %s in status %s", action, campaign.ID, campaign.Status))
}
