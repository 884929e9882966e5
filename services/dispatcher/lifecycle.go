package dispatcher

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

func (s *dispatcherService) StartCampaign(ctx context.Context, campaignID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.StartCampaign")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)

	err := s.activate(ctx, campaignID, "start", enum.CampaignStatusDraft)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *dispatcherService) ResumeCampaign(ctx context.Context, campaignID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.ResumeCampaign")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)

	err := s.activate(ctx, campaignID, "resume", enum.CampaignStatusPaused)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

// activate moves the campaign to active under a new dispatch token and
// publishes its first batch.
func (s *dispatcherService) activate(ctx context.Context, campaignID, action string, from enum.CampaignStatus) error {
	campaign, err := s.repositories.CampaignRepository.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if len(campaign.SenderIDs) == 0 {
		return mberrors.ValidationError(mberrors.ErrNoSendersAssigned, "")
	}
	if campaign.TemplateID == "" {
		return mberrors.ValidationError(mberrors.ErrTemplateNotFound, "")
	}
	ctx = utils.SetTenantInContext(ctx, campaign.Tenant)

	token := utils.GenerateNanoID(tokenLength)
	activated, err := s.repositories.CampaignRepository.Activate(ctx, campaignID, token, from)
	if err != nil {
		return err
	}
	if !activated {
		return invalidTransition(campaign, action)
	}

	if err := s.publishBatch(ctx, campaignID, s.batchSize(campaign), token, 0); err != nil {
		// the watchdog re-kicks the campaign once it has been idle long enough
		s.log.Errorf("Failed to publish first batch for campaign %s: %v", campaignID, err)
		return mberrors.TransportError(err, "campaign activated but first batch could not be queued")
	}

	s.notifyStatus(ctx, campaignID, "")
	return nil
}

func (s *dispatcherService) PauseCampaign(ctx context.Context, campaignID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.PauseCampaign")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)

	err := s.transition(ctx, campaignID, "pause", enum.CampaignStatusPaused, "", enum.CampaignStatusActive)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *dispatcherService) StopCampaign(ctx context.Context, campaignID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.StopCampaign")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)

	err := s.transition(ctx, campaignID, "stop", enum.CampaignStatusStopped, "",
		enum.CampaignStatusDraft, enum.CampaignStatusActive, enum.CampaignStatusPaused)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

// FailCampaign marks an active or paused campaign failed. Failing a campaign
// that already left those states is a no-op.
func (s *dispatcherService) FailCampaign(ctx context.Context, campaignID string, reason string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.FailCampaign")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)
	span.LogKV("reason", reason)

	failed, err := s.repositories.CampaignRepository.TransitionStatus(ctx, campaignID, enum.CampaignStatusFailed, reason,
		enum.CampaignStatusActive, enum.CampaignStatusPaused)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if failed {
		s.log.Warnf("Campaign %s failed: %s", campaignID, reason)
		s.notifyStatus(ctx, campaignID, reason)
	}
	return nil
}

func (s *dispatcherService) transition(ctx context.Context, campaignID, action string, to enum.CampaignStatus, reason string, from ...enum.CampaignStatus) error {
	campaign, err := s.repositories.CampaignRepository.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}

	changed, err := s.repositories.CampaignRepository.TransitionStatus(ctx, campaignID, to, reason, from...)
	if err != nil {
		return err
	}
	if !changed {
		return invalidTransition(campaign, action)
	}

	s.notifyStatus(ctx, campaignID, reason)
	return nil
}

// AddRecipients appends recipients to a campaign that has not finished.
// Emails already in the campaign are skipped.
func (s *dispatcherService) AddRecipients(ctx context.Context, campaignID string, recipients []dto.RecipientInput) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.AddRecipients")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)
	span.LogKV("request.recipients", len(recipients))

	campaign, err := s.repositories.CampaignRepository.GetByID(ctx, campaignID)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	if campaign.Status.IsTerminal() {
		return 0, invalidTransition(campaign, "add recipients to")
	}

	seen := make(map[string]bool, len(recipients))
	rows := make([]models.CampaignRecipient, 0, len(recipients))
	for _, input := range recipients {
		email := utils.NormalizeEmail(input.Email)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		rows = append(rows, models.CampaignRecipient{
			Email:    email,
			SenderID: input.SenderId,
			Data:     input.Data,
		})
	}

	inserted, err := s.repositories.CampaignRecipientRepository.AddRecipients(ctx, campaignID, rows)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}

	span.LogKV("result.inserted", inserted)
	return inserted, nil
}

// RecoverStalled re-queues a batch for active campaigns that made no progress
// for idleFor, e.g. after a continuation was lost. It returns how many
// campaigns were re-kicked.
func (s *dispatcherService) RecoverStalled(ctx context.Context, idleFor time.Duration) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DispatcherService.RecoverStalled")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	campaigns, err := s.repositories.CampaignRepository.ListByStatus(ctx, enum.CampaignStatusActive)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}

	cutoff := s.now().Add(-idleFor)
	kicked := 0
	for i := range campaigns {
		campaign := &campaigns[i]
		if campaign.UpdatedAt.After(cutoff) {
			continue
		}
		if campaign.DispatchToken == "" {
			continue
		}
		if err := s.scheduleContinuation(ctx, campaign, s.batchSize(campaign), 0); err != nil {
			tracing.TraceErr(span, err)
			s.log.Errorf("Failed to recover stalled campaign %s: %v", campaign.ID, err)
			continue
		}
		s.log.Warnf("Recovered stalled campaign %s", campaign.ID)
		kicked++
	}

	span.LogKV("result.kicked", kicked)
	return kicked, nil
}
