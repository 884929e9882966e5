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

type trackingRepository struct {
	db *gorm.DB
}

func NewTrackingRepository(db *gorm.DB) interfaces.TrackingRepository {
	return &trackingRepository{db: db}
}

// GetOrCreate inserts the record for (campaign, recipient) unless one exists
// and returns the stored row. Concurrent callers all observe the same row.
func (r *trackingRepository) GetOrCreate(ctx context.Context, campaignID, email, senderID string) (*models.RecipientTrackingRecord, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.GetOrCreate")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)

	if campaignID == "" || email == "" {
		return nil, ErrInvalidInput
	}

	email = utils.NormalizeEmail(email)
	record := models.RecipientTrackingRecord{
		CampaignID:     campaignID,
		RecipientEmail: email,
		SenderID:       senderID,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "recipient_email"}},
			DoNothing: true,
		}).
		Create(&record).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	var stored models.RecipientTrackingRecord
	err = r.db.WithContext(ctx).
		Where("campaign_id = ? AND recipient_email = ?", campaignID, email).
		First(&stored).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	span.LogKV("result.trackingId", stored.TrackingID)
	return &stored, nil
}

func (r *trackingRepository) GetByTrackingID(ctx context.Context, trackingID string) (*models.RecipientTrackingRecord, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.GetByTrackingID")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID)

	var record models.RecipientTrackingRecord
	err := r.db.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrackingRecordNotFound
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &record, nil
}

func (r *trackingRepository) GetLatestByEmail(ctx context.Context, email string) (*models.RecipientTrackingRecord, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.GetLatestByEmail")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var record models.RecipientTrackingRecord
	err := r.db.WithContext(ctx).
		Where("recipient_email = ?", utils.NormalizeEmail(email)).
		Order("sent_at DESC NULLS LAST, created_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrackingRecordNotFound
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &record, nil
}

// ClaimSend marks an unsent record as being sent. A claim older than ttl is
// taken over, so a crashed attempt does not block the message for good.
func (r *trackingRepository) ClaimSend(ctx context.Context, trackingID string, ttl time.Duration) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.ClaimSend")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID, "ttl", ttl.String())

	now := utils.Now()
	result := r.db.WithContext(ctx).Model(&models.RecipientTrackingRecord{}).
		Where("tracking_id = ? AND sent_at IS NULL AND (sending_at IS NULL OR sending_at <= ?)", trackingID, now.Add(-ttl)).
		Update("sending_at", now)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}
	span.LogKV("result.claimed", result.RowsAffected == 1)
	return result.RowsAffected == 1, nil
}

func (r *trackingRepository) MarkSent(ctx context.Context, trackingID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.MarkSent")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID)

	return r.update(ctx, span, trackingID, map[string]interface{}{
		"sent_at":        utils.Now(),
		"sending_at":     nil,
		"failed_at":      nil,
		"failure_reason": "",
	})
}

// MarkFailed records a failure only while the message has not been sent.
func (r *trackingRepository) MarkFailed(ctx context.Context, trackingID, reason string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.MarkFailed")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID)

	result := r.db.WithContext(ctx).Model(&models.RecipientTrackingRecord{}).
		Where("tracking_id = ? AND sent_at IS NULL", trackingID).
		Updates(map[string]interface{}{
			"failed_at":      utils.Now(),
			"failure_reason": reason,
			"sending_at":     nil,
			"sent_at":        nil,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *trackingRepository) MarkOpened(ctx context.Context, trackingID string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.MarkOpened")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID)

	result := r.db.WithContext(ctx).Model(&models.RecipientTrackingRecord{}).
		Where("tracking_id = ?", trackingID).
		Updates(map[string]interface{}{
			"opened_at":  gorm.Expr("COALESCE(opened_at, ?)", utils.Now()),
			"open_count": gorm.Expr("open_count + 1"),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *trackingRepository) MarkBounced(ctx context.Context, trackingID string, kind enum.BounceKind) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.MarkBounced")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID, "kind", kind)

	return r.update(ctx, span, trackingID, map[string]interface{}{
		"bounced_at":  gorm.Expr("COALESCE(bounced_at, ?)", utils.Now()),
		"bounce_type": kind,
	})
}

func (r *trackingRepository) MarkComplained(ctx context.Context, trackingID string, feedbackLoop bool) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.MarkComplained")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID, "feedbackLoop", feedbackLoop)

	return r.update(ctx, span, trackingID, map[string]interface{}{
		"complained_at": gorm.Expr("COALESCE(complained_at, ?)", utils.Now()),
		"feedback_loop": gorm.Expr("feedback_loop OR ?", feedbackLoop),
	})
}

func (r *trackingRepository) RecordSoftBounce(ctx context.Context, trackingID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.RecordSoftBounce")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID)

	return r.update(ctx, span, trackingID, map[string]interface{}{
		"soft_bounce_count":   gorm.Expr("soft_bounce_count + 1"),
		"last_soft_bounce_at": utils.Now(),
	})
}

func (r *trackingRepository) RegisterLinks(ctx context.Context, trackingID string, links map[string]string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.RegisterLinks")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID, "links", len(links))

	if len(links) == 0 {
		return nil
	}

	now := utils.Now()
	clicks := make([]models.ClickRecord, 0, len(links))
	for linkID, url := range links {
		clicks = append(clicks, models.ClickRecord{
			TrackingID:  trackingID,
			LinkID:      linkID,
			OriginalURL: url,
			CreatedAt:   now,
		})
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tracking_id"}, {Name: "link_id"}},
			DoNothing: true,
		}).
		Create(&clicks).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// RecordClick stamps the click on the single row for the link and returns it.
func (r *trackingRepository) RecordClick(ctx context.Context, trackingID, linkID string) (*models.ClickRecord, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.RecordClick")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("trackingId", trackingID, "linkId", linkID)

	var click models.ClickRecord
	result := r.db.WithContext(ctx).Model(&click).
		Clauses(clause.Returning{}).
		Where("tracking_id = ? AND link_id = ?", trackingID, linkID).
		Updates(map[string]interface{}{
			"clicked_at":  utils.Now(),
			"click_count": gorm.Expr("click_count + 1"),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrClickNotFound
	}
	return &click, nil
}

func (r *trackingRepository) SenderStats(ctx context.Context, since time.Time) ([]models.SenderDeliveryStats, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingRepository.SenderStats")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("since", since)

	var stats []models.SenderDeliveryStats
	err := r.db.WithContext(ctx).Model(&models.RecipientTrackingRecord{}).
		Select(`sender_id,
			COUNT(*) FILTER (WHERE sent_at IS NOT NULL) AS sent,
			COUNT(*) FILTER (WHERE bounce_type = ?) AS hard_bounces,
			COALESCE(SUM(soft_bounce_count), 0) AS soft_bounces,
			COUNT(*) FILTER (WHERE complained_at IS NOT NULL) AS complaints,
			COUNT(*) FILTER (WHERE feedback_loop) AS feedback_loop`, enum.BounceKindHard).
		Where("sender_id <> '' AND sent_at >= ?", since).
		Group("sender_id").
		Scan(&stats).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return stats, nil
}

func (r *trackingRepository) update(ctx context.Context, span opentracing.Span, trackingID string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.RecipientTrackingRecord{}).
		Where("tracking_id = ?", trackingID).
		Updates(updates)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTrackingRecordNotFound
	}
	return nil
}
