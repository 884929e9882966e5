package repository

import (
	"context"
	"errors"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

const recipientInsertBatchSize = 500

type campaignRecipientRepository struct {
	db *gorm.DB
}

func NewCampaignRecipientRepository(db *gorm.DB) interfaces.CampaignRecipientRepository {
	return &campaignRecipientRepository{db: db}
}

// AddRecipients inserts recipients keyed by (campaign_id, email), skipping
// emails already present, and raises recipient_count by the inserted count in
// the same transaction. It returns the number of inserted rows.
func (r *campaignRecipientRepository) AddRecipients(ctx context.Context, campaignID string, recipients []models.CampaignRecipient) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRecipientRepository.AddRecipients")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)
	span.LogKV("recipients", len(recipients))

	if campaignID == "" {
		return 0, ErrInvalidInput
	}
	if len(recipients) == 0 {
		return 0, nil
	}

	for i := range recipients {
		recipients[i].CampaignID = campaignID
		recipients[i].Status = enum.RecipientStatusPending
	}

	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "email"}},
			DoNothing: true,
		}).CreateInBatches(&recipients, recipientInsertBatchSize)
		if result.Error != nil {
			return result.Error
		}
		inserted = result.RowsAffected
		if inserted == 0 {
			return nil
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaignID).
			Update("recipient_count", gorm.Expr("recipient_count + ?", inserted)).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}

	span.LogKV("result.inserted", inserted)
	return inserted, nil
}

func (r *campaignRecipientRepository) GetByID(ctx context.Context, id string) (*models.CampaignRecipient, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRecipientRepository.GetByID")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)

	var recipient models.CampaignRecipient
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&recipient).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecipientNotFound
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &recipient, nil
}

// SelectPending returns up to limit pending recipients in insertion order.
// Recipients pre-assigned to one of excludeSenderIDs are left out.
func (r *campaignRecipientRepository) SelectPending(ctx context.Context, campaignID string, limit int, excludeSenderIDs []string) ([]models.CampaignRecipient, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRecipientRepository.SelectPending")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)
	span.LogKV("limit", limit, "excludedSenders", excludeSenderIDs)

	if limit <= 0 {
		return nil, ErrInvalidInput
	}

	query := r.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, enum.RecipientStatusPending)
	if len(excludeSenderIDs) > 0 {
		query = query.Where("(sender_id = '' OR sender_id IS NULL OR sender_id NOT IN ?)", excludeSenderIDs)
	}

	var recipients []models.CampaignRecipient
	err := query.Order("created_at ASC, id ASC").Limit(limit).Find(&recipients).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return recipients, nil
}

func (r *campaignRecipientRepository) CountByStatus(ctx context.Context, campaignID string, status enum.RecipientStatus) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRecipientRepository.CountByStatus")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)

	var count int64
	err := r.db.WithContext(ctx).Model(&models.CampaignRecipient{}).
		Where("campaign_id = ? AND status = ?", campaignID, status).
		Count(&count).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	return count, nil
}

func (r *campaignRecipientRepository) MarkQueued(ctx context.Context, id, senderID string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRecipientRepository.MarkQueued")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)

	now := utils.Now()
	result := r.db.WithContext(ctx).Model(&models.CampaignRecipient{}).
		Where("id = ? AND status = ?", id, enum.RecipientStatusPending).
		Updates(map[string]interface{}{
			"status":     enum.RecipientStatusQueued,
			"sender_id":  senderID,
			"queued_at":  now,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseQueued returns a queued recipient to the pending set, used when the
// send task could not be published.
func (r *campaignRecipientRepository) ReleaseQueued(ctx context.Context, id string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRecipientRepository.ReleaseQueued")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)

	result := r.db.WithContext(ctx).Model(&models.CampaignRecipient{}).
		Where("id = ? AND status = ?", id, enum.RecipientStatusQueued).
		Updates(map[string]interface{}{
			"status":     enum.RecipientStatusPending,
			"queued_at":  nil,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *campaignRecipientRepository) ListStaleQueued(ctx context.Context, campaignID string, before time.Time) ([]models.CampaignRecipient, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRecipientRepository.ListStaleQueued")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)

	var recipients []models.CampaignRecipient
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ? AND queued_at < ?", campaignID, enum.RecipientStatusQueued, before).
		Find(&recipients).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return recipients, nil
}

func (r *campaignRecipientRepository) Settle(ctx context.Context, campaignID, id string, from, to enum.RecipientStatus, lastError string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRecipientRepository.Settle")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)
	tracing.TagEntity(span, id)
	span.LogKV("from", from, "to", to)

	if campaignCounterUpdate(to) == nil {
		return false, ErrInvalidInput
	}

	settled := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.CampaignRecipient{}).
			Where("id = ? AND campaign_id = ? AND status = ?", id, campaignID, from).
			Updates(map[string]interface{}{
				"status":     to,
				"last_error": lastError,
				"updated_at": utils.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		settled = true

		affected, err := incrementCampaignCounter(tx, campaignID, to)
		if err != nil {
			return err
		}
		if affected == 0 {
			span.SetTag("counter.guarded", true)
		}
		return nil
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return false, err
	}

	span.LogKV("result.settled", settled)
	return settled, nil
}

// incrementCampaignCounter applies the counter matching a final recipient
// status. Sent and failed increments never push the attempted total past
// recipient_count.
func incrementCampaignCounter(tx *gorm.DB, campaignID string, to enum.RecipientStatus) (int64, error) {
	query := tx.Model(&models.Campaign{}).Where("id = ?", campaignID)
	if to != enum.RecipientStatusSuppressed {
		query = query.Where("total_sent + total_failed < recipient_count")
	}
	result := query.Updates(campaignCounterUpdate(to))
	return result.RowsAffected, result.Error
}

func campaignCounterUpdate(to enum.RecipientStatus) map[string]interface{} {
	switch to {
	case enum.RecipientStatusSent:
		return map[string]interface{}{"total_sent": gorm.Expr("total_sent + 1")}
	case enum.RecipientStatusFailed:
		return map[string]interface{}{"total_failed": gorm.Expr("total_failed + 1")}
	case enum.RecipientStatusSuppressed:
		return map[string]interface{}{
			"total_suppressed": gorm.Expr("total_suppressed + 1"),
			"recipient_count":  gorm.Expr("GREATEST(recipient_count - 1, total_sent + total_failed)"),
		}
	}
	return nil
}
