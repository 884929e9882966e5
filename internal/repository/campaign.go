package repository

import (
	"context"
	"errors"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

type campaignRepository struct {
	db *gorm.DB
}

func NewCampaignRepository(db *gorm.DB) interfaces.CampaignRepository {
	return &campaignRepository{db: db}
}

func (r *campaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRepository.Create")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if campaign == nil {
		return ErrInvalidInput
	}

	if err := r.db.WithContext(ctx).Create(campaign).Error; err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *campaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRepository.GetByID")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, id)

	var campaign models.Campaign
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&campaign).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &campaign, nil
}

func (r *campaignRepository) ListByStatus(ctx context.Context, status enum.CampaignStatus) ([]models.Campaign, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRepository.ListByStatus")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("status", status)

	var campaigns []models.Campaign
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&campaigns).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return campaigns, nil
}

// Activate moves the campaign to active from one of the given statuses and
// installs a fresh dispatch token.
func (r *campaignRepository) Activate(ctx context.Context, id, token string, from ...enum.CampaignStatus) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRepository.Activate")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, id)

	if id == "" || token == "" || len(from) == 0 {
		return false, ErrInvalidInput
	}

	now := utils.Now()
	result := r.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(map[string]interface{}{
			"status":         enum.CampaignStatusActive,
			"dispatch_token": token,
			"failure_reason": "",
			"started_at":     gorm.Expr("COALESCE(started_at, ?)", now),
			"updated_at":     now,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}

	span.LogKV("result.activated", result.RowsAffected == 1)
	return result.RowsAffected == 1, nil
}

// TransitionStatus is a conditional status change. Leaving active always
// clears the dispatch token so pending continuations are dropped.
func (r *campaignRepository) TransitionStatus(ctx context.Context, id string, to enum.CampaignStatus, reason string, from ...enum.CampaignStatus) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRepository.TransitionStatus")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, id)
	span.LogKV("to", to, "from", from)

	if id == "" || len(from) == 0 {
		return false, ErrInvalidInput
	}

	now := utils.Now()
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	if to != enum.CampaignStatusActive {
		updates["dispatch_token"] = ""
	}
	if to.IsTerminal() {
		updates["completed_at"] = now
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}

	result := r.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(updates)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RotateDispatchToken swaps the token only when the caller still holds the
// current one and the campaign is active.
func (r *campaignRepository) RotateDispatchToken(ctx context.Context, id, expected, next string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignRepository.RotateDispatchToken")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, id)

	if id == "" || expected == "" {
		return false, ErrInvalidInput
	}

	result := r.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND dispatch_token = ? AND status = ?", id, expected, enum.CampaignStatusActive).
		Updates(map[string]interface{}{
			"dispatch_token": next,
			"updated_at":     utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func statusStrings(statuses []enum.CampaignStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
