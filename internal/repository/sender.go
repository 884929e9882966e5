package repository

import (
	"context"
	"errors"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

type senderRepository struct {
	db *gorm.DB
}

func NewSenderRepository(db *gorm.DB) interfaces.SenderRepository {
	return &senderRepository{db: db}
}

func (r *senderRepository) Create(ctx context.Context, sender *models.Sender) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.Create")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if sender == nil {
		return ErrInvalidInput
	}
	sender.Email = utils.NormalizeEmail(sender.Email)

	if err := r.db.WithContext(ctx).Create(sender).Error; err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *senderRepository) GetByID(ctx context.Context, id string) (*models.Sender, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.GetByID")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)

	if id == "" {
		return nil, ErrInvalidInput
	}

	var sender models.Sender
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&sender).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSenderNotFound
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &sender, nil
}

func (r *senderRepository) GetByIDs(ctx context.Context, ids []string) ([]models.Sender, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.GetByIDs")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("ids", ids)

	if len(ids) == 0 {
		return nil, nil
	}

	var senders []models.Sender
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&senders).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return senders, nil
}

func (r *senderRepository) ListActive(ctx context.Context) ([]models.Sender, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.ListActive")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var senders []models.Sender
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&senders).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return senders, nil
}

func (r *senderRepository) ListActiveDomains(ctx context.Context) ([]string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.ListActiveDomains")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var domains []string
	err := r.db.WithContext(ctx).Model(&models.Sender{}).
		Where("is_active = ? AND domain <> ''", true).
		Distinct().
		Order("domain ASC").
		Pluck("domain", &domains).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return domains, nil
}

func (r *senderRepository) GetUserIDsForDomain(ctx context.Context, domain string) ([]string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.GetUserIDsForDomain")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("domain", domain)

	var userIDs []string
	err := r.db.WithContext(ctx).Model(&models.Sender{}).
		Where("domain = ? AND user_id <> ''", domain).
		Distinct().
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return userIDs, nil
}

// ReserveQuota locks the sender row and reserves up to want sends for day.
// It returns the number actually granted, which may be zero.
func (r *senderRepository) ReserveQuota(ctx context.Context, id string, want int, day time.Time) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.ReserveQuota")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)
	span.LogKV("want", want)

	if id == "" || want <= 0 {
		return 0, nil
	}

	quotaDay := utils.StartOfDay(day)
	granted := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sender models.Sender
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&sender).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSenderNotFound
			}
			return err
		}

		granted = min(want, sender.RemainingQuota(quotaDay))
		if granted <= 0 {
			granted = 0
			return nil
		}

		used := sender.SentToday
		if sender.QuotaDate == nil || !utils.StartOfDay(*sender.QuotaDate).Equal(quotaDay) {
			used = 0
		}

		return tx.Model(&models.Sender{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"sent_today": used + granted,
				"quota_date": quotaDay,
			}).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}

	span.LogKV("result.granted", granted)
	return granted, nil
}

func (r *senderRepository) ReleaseQuota(ctx context.Context, id string, n int, day time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.ReleaseQuota")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)

	if n <= 0 {
		return nil
	}

	err := r.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ? AND quota_date = ?", id, utils.StartOfDay(day)).
		Update("sent_today", gorm.Expr("GREATEST(sent_today - ?, 0)", n)).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *senderRepository) UpdateDailyLimit(ctx context.Context, id string, limit int) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.UpdateDailyLimit")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, id)
	span.LogKV("limit", limit)

	if limit < 0 {
		return ErrInvalidInput
	}

	result := r.db.WithContext(ctx).Model(&models.Sender{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"daily_limit": limit,
			"updated_at":  utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSenderNotFound
	}
	return nil
}

func (r *senderRepository) ResetDailyQuotas(ctx context.Context, day time.Time) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderRepository.ResetDailyQuotas")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	quotaDay := utils.StartOfDay(day)
	result := r.db.WithContext(ctx).Model(&models.Sender{}).
		Where("quota_date IS NULL OR quota_date < ?", quotaDay).
		Updates(map[string]interface{}{
			"sent_today": 0,
			"quota_date": quotaDay,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, result.Error
	}

	span.LogKV("result.reset", result.RowsAffected)
	return result.RowsAffected, nil
}
