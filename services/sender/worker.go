package sender

import (
	"context"
	"fmt"
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
	"github.com/customeros/mailblast/services/render"
)

// sendClaimTTL outlasts the emails handler timeout so an abandoned attempt
// still holds its claim when the first retry arrives.
const sendClaimTTL = 2 * time.Minute

type sendWorker struct {
	log          logger.Logger
	repositories *repository.Repositories
	suppression  interfaces.SuppressionService
	tracking     interfaces.TrackingService
	renderer     *render.Renderer
	transport    interfaces.SmtpTransport
	dispatcher   interfaces.DispatcherService
	policy       *config.FailurePolicyConfig
}

func NewSendWorker(log logger.Logger, repos *repository.Repositories, suppression interfaces.SuppressionService, tracking interfaces.TrackingService, renderer *render.Renderer, transport interfaces.SmtpTransport, dispatcher interfaces.DispatcherService, policy *config.FailurePolicyConfig) interfaces.SendWorker {
	return &sendWorker{
		log:          log,
		repositories: repos,
		suppression:  suppression,
		tracking:     tracking,
		renderer:     renderer,
		transport:    transport,
		dispatcher:   dispatcher,
		policy:       policy,
	}
}

// Send delivers one queued recipient. Returned errors carry a kind so the
// queue can tell retryable failures from permanent ones.
func (w *sendWorker) Send(ctx context.Context, task dto.SendEmail) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SendWorker.Send")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, task.CampaignId)
	tracing.TagEntity(span, task.RecipientId)

	recipient, err := w.repositories.CampaignRecipientRepository.GetByID(ctx, task.RecipientId)
	if err != nil {
		if errors.Is(err, repository.ErrRecipientNotFound) {
			return mberrors.ValidationError(err, "")
		}
		tracing.TraceErr(span, err)
		return err
	}
	if recipient.Status != enum.RecipientStatusQueued {
		span.LogKV("result", "redelivery", "status", recipient.Status)
		return nil
	}

	suppressed, err := w.suppression.IsSuppressed(ctx, recipient.Email)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if suppressed {
		return w.skipSuppressed(ctx, task, recipient)
	}

	if !mailvalidate.ValidateEmailSyntax(recipient.Email).IsValid {
		return mberrors.ValidationError(nil, fmt.Sprintf("invalid recipient email %q", recipient.Email))
	}

	campaign, sender, template, err := w.load(ctx, task)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	record, err := w.tracking.GetOrCreateRecord(ctx, campaign.ID, recipient.Email, sender.ID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	span.LogKV("trackingId", record.TrackingID)

	if record.SentAt == nil {
		claimed, err := w.tracking.ClaimSend(ctx, record.TrackingID, sendClaimTTL)
		if err != nil {
			tracing.TraceErr(span, err)
			return err
		}
		if !claimed {
			span.LogKV("result", "send in progress")
			return mberrors.TransportError(mberrors.ErrSendInProgress, record.TrackingID)
		}
		if err := w.deliver(ctx, campaign, sender, template, recipient, record); err != nil {
			tracing.TraceErr(span, err)
			return err
		}
	} else {
		// sent on an earlier attempt whose bookkeeping did not finish
		span.LogKV("result", "already sent")
	}

	if _, err := w.repositories.CampaignRecipientRepository.Settle(ctx, campaign.ID, recipient.ID,
		enum.RecipientStatusQueued, enum.RecipientStatusSent, ""); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (w *sendWorker) deliver(ctx context.Context, campaign *models.Campaign, sender *models.Sender, template *models.EmailTemplate, recipient *models.CampaignRecipient, record *models.RecipientTrackingRecord) error {
	rendered, err := w.renderer.Render(ctx, render.Request{
		Campaign:   campaign,
		Template:   template,
		Sender:     sender,
		Recipient:  recipient,
		TrackingID: record.TrackingID,
	})
	if err != nil {
		return w.releaseClaim(ctx, record, err)
	}

	if err := w.tracking.RegisterLinks(ctx, record.TrackingID, rendered.Links); err != nil {
		return w.releaseClaim(ctx, record, err)
	}

	start := utils.Now()
	err = w.transport.Send(ctx, sender, rendered.Email)
	metrics.SendDuration.Observe(utils.Now().Sub(start).Seconds())
	if err != nil {
		metrics.EmailsSent.WithLabelValues("error").Inc()
		return w.releaseClaim(ctx, record, err)
	}
	metrics.EmailsSent.WithLabelValues("sent").Inc()

	return w.tracking.MarkSent(ctx, record.TrackingID)
}

// releaseClaim records the failure, which also frees the send claim for the
// next attempt, and returns err unchanged.
func (w *sendWorker) releaseClaim(ctx context.Context, record *models.RecipientTrackingRecord, err error) error {
	if markErr := w.tracking.MarkFailed(ctx, record.TrackingID, err.Error()); markErr != nil {
		w.log.Errorf("Failed to record send failure for %s: %v", record.TrackingID, markErr)
	}
	return err
}

func (w *sendWorker) load(ctx context.Context, task dto.SendEmail) (*models.Campaign, *models.Sender, *models.EmailTemplate, error) {
	campaign, err := w.repositories.CampaignRepository.GetByID(ctx, task.CampaignId)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignNotFound) {
			return nil, nil, nil, mberrors.ValidationError(err, "")
		}
		return nil, nil, nil, err
	}

	sender, err := w.repositories.SenderRepository.GetByID(ctx, task.SenderId)
	if err != nil {
		if errors.Is(err, repository.ErrSenderNotFound) {
			return nil, nil, nil, mberrors.ConfigurationError(err, "")
		}
		return nil, nil, nil, err
	}

	template, err := w.repositories.EmailTemplateRepository.GetByID(ctx, campaign.TemplateID)
	if err != nil {
		if errors.Is(err, repository.ErrTemplateNotFound) {
			return nil, nil, nil, mberrors.ConfigurationError(mberrors.ErrTemplateNotFound, "")
		}
		return nil, nil, nil, err
	}

	return campaign, sender, template, nil
}

// skipSuppressed settles a recipient suppressed after it was queued and gives
// its quota unit back to the sender.
func (w *sendWorker) skipSuppressed(ctx context.Context, task dto.SendEmail, recipient *models.CampaignRecipient) error {
	settled, err := w.repositories.CampaignRecipientRepository.Settle(ctx, task.CampaignId, recipient.ID,
		enum.RecipientStatusQueued, enum.RecipientStatusSuppressed, "suppressed")
	if err != nil {
		return err
	}
	if !settled {
		return nil
	}
	metrics.EmailsSent.WithLabelValues("suppressed").Inc()
	if task.SenderId == "" {
		return nil
	}

	day := utils.Now()
	if recipient.QueuedAt != nil {
		day = *recipient.QueuedAt
	}
	if err := w.repositories.SenderRepository.ReleaseQuota(ctx, task.SenderId, 1, day); err != nil {
		w.log.Errorf("Failed to release quota for sender %s: %v", task.SenderId, err)
	}
	return nil
}

// FinalizeFailure records a send that will not be retried and applies the
// campaign failure policy.
func (w *sendWorker) FinalizeFailure(ctx context.Context, task dto.SendEmail, cause error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SendWorker.FinalizeFailure")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, task.CampaignId)
	tracing.TagEntity(span, task.RecipientId)

	reason := "send failed"
	if cause != nil {
		reason = cause.Error()
	}
	span.LogKV("reason", reason)

	recipient, err := w.repositories.CampaignRecipientRepository.GetByID(ctx, task.RecipientId)
	if err != nil {
		if errors.Is(err, repository.ErrRecipientNotFound) {
			return nil
		}
		tracing.TraceErr(span, err)
		return err
	}
	if recipient.Status != enum.RecipientStatusQueued {
		return nil
	}

	record, err := w.tracking.GetOrCreateRecord(ctx, task.CampaignId, recipient.Email, task.SenderId)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if err := w.tracking.MarkFailed(ctx, record.TrackingID, reason); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	settled, err := w.repositories.CampaignRecipientRepository.Settle(ctx, task.CampaignId, recipient.ID,
		enum.RecipientStatusQueued, enum.RecipientStatusFailed, reason)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if !settled {
		return nil
	}
	metrics.EmailsSent.WithLabelValues("failed").Inc()

	campaign, err := w.repositories.CampaignRepository.GetByID(ctx, task.CampaignId)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	fail, failReason := ShouldFailCampaign(w.policy, campaign, recipient.Email, reason)
	if !fail {
		return nil
	}
	return w.dispatcher.FailCampaign(ctx, campaign.ID, failReason)
}

// ShouldFailCampaign applies the failure policy to the campaign counters
// after a final send failure.
func ShouldFailCampaign(policy *config.FailurePolicyConfig, campaign *models.Campaign, email, cause string) (bool, string) {
	if policy == nil || policy.Mode == enum.CampaignFailureModeAny {
		return true, fmt.Sprintf("send to %s failed: %s", email, cause)
	}

	attempted := campaign.Attempted()
	if attempted == 0 || attempted < policy.MinAttempts {
		return false, ""
	}
	rate := float64(campaign.TotalFailed) * 100 / float64(attempted)
	if rate < policy.ThresholdPct {
		return false, ""
	}
	return true, fmt.Sprintf("failure rate %.1f%% reached threshold %.1f%% after %d attempts", rate, policy.ThresholdPct, attempted)
}
