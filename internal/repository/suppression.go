package repository

import (
	"context"
	"errors"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

const suppressionLookupChunk = 1000

var suppressionUpsertClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "email"}},
	DoUpdates: clause.AssignmentColumns([]string{"reason", "source", "status", "added_at", "removed_at"}),
}

type suppressionRepository struct {
	db *gorm.DB
}

func NewSuppressionRepository(db *gorm.DB) interfaces.SuppressionRepository {
	return &suppressionRepository{db: db}
}

func (r *suppressionRepository) Get(ctx context.Context, email string) (*models.SuppressionEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionRepository.Get")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var entry models.SuppressionEntry
	err := r.db.WithContext(ctx).Where("email = ?", utils.NormalizeEmail(email)).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &entry, nil
}

func (r *suppressionRepository) IsSuppressed(ctx context.Context, email string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionRepository.IsSuppressed")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var count int64
	err := r.db.WithContext(ctx).Model(&models.SuppressionEntry{}).
		Where("email = ? AND status = ?", utils.NormalizeEmail(email), enum.SuppressionStatusActive).
		Count(&count).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return false, err
	}
	return count > 0, nil
}

func (r *suppressionRepository) FilterSuppressed(ctx context.Context, emails []string) (map[string]bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionRepository.FilterSuppressed")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("emails", len(emails))

	suppressed := make(map[string]bool)
	normalized := make([]string, 0, len(emails))
	for _, email := range emails {
		normalized = append(normalized, utils.NormalizeEmail(email))
	}

	for _, chunk := range utils.Chunk(utils.UniqueStrings(normalized), suppressionLookupChunk) {
		var found []string
		err := r.db.WithContext(ctx).Model(&models.SuppressionEntry{}).
			Where("email IN ? AND status = ?", chunk, enum.SuppressionStatusActive).
			Pluck("email", &found).Error
		if err != nil {
			tracing.TraceErr(span, err)
			return nil, err
		}
		for _, email := range found {
			suppressed[email] = true
		}
	}

	span.LogKV("result.suppressed", len(suppressed))
	return suppressed, nil
}

// Upsert inserts the entry or, when the email is already listed, reactivates
// it with the new reason, source and timestamp.
func (r *suppressionRepository) Upsert(ctx context.Context, entry *models.SuppressionEntry) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionRepository.Upsert")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if entry == nil || entry.Email == "" {
		return ErrInvalidInput
	}
	prepareSuppressionEntry(entry)

	err := r.db.WithContext(ctx).Clauses(suppressionUpsertClause).Create(entry).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *suppressionRepository) UpsertMany(ctx context.Context, entries []models.SuppressionEntry) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionRepository.UpsertMany")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("entries", len(entries))

	if len(entries) == 0 {
		return 0, nil
	}
	for i := range entries {
		prepareSuppressionEntry(&entries[i])
	}

	result := r.db.WithContext(ctx).Clauses(suppressionUpsertClause).CreateInBatches(&entries, suppressionLookupChunk)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *suppressionRepository) Remove(ctx context.Context, email string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionRepository.Remove")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	result := r.db.WithContext(ctx).Model(&models.SuppressionEntry{}).
		Where("email = ? AND status = ?", utils.NormalizeEmail(email), enum.SuppressionStatusActive).
		Updates(map[string]interface{}{
			"status":     enum.SuppressionStatusRemoved,
			"removed_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func prepareSuppressionEntry(entry *models.SuppressionEntry) {
	entry.Email = utils.NormalizeEmail(entry.Email)
	entry.Status = enum.SuppressionStatusActive
	entry.AddedAt = utils.Now()
	entry.RemovedAt = nil
}
