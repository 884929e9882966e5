package repository

import (
	"context"
	"errors"
	"fmt"
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

type trainingConfigRepository struct {
	db *gorm.DB
}

func NewTrainingConfigRepository(db *gorm.DB) interfaces.TrainingConfigRepository {
	return &trainingConfigRepository{db: db}
}

func (r *trainingConfigRepository) GetOrCreateGlobal(ctx context.Context) (*models.TrainingConfig, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrainingConfigRepository.GetOrCreateGlobal")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	cfg := models.TrainingConfig{
		Scope:                    models.TrainingScopeGlobal,
		Mode:                     enum.TrainingModeAutomatic,
		ManualTrainingPercentage: 10,
		AnalysisIntervalHours:    24,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "scope"}}, DoNothing: true}).
		Create(&cfg).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	return r.GetByScope(ctx, models.TrainingScopeGlobal)
}

func (r *trainingConfigRepository) GetByScope(ctx context.Context, scope string) (*models.TrainingConfig, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrainingConfigRepository.GetByScope")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("scope", scope)

	var cfg models.TrainingConfig
	err := r.db.WithContext(ctx).Where("scope = ?", scope).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTrainingConfigNotFound
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &cfg, nil
}

func (r *trainingConfigRepository) Save(ctx context.Context, cfg *models.TrainingConfig) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrainingConfigRepository.Save")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if cfg == nil || cfg.Scope == "" {
		return ErrInvalidInput
	}
	cfg.UpdatedAt = utils.Now()

	if err := r.db.WithContext(ctx).Save(cfg).Error; err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// DomainCeilings maps domain scopes to their daily_limit ceiling.
func (r *trainingConfigRepository) DomainCeilings(ctx context.Context) (map[string]int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrainingConfigRepository.DomainCeilings")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var configs []models.TrainingConfig
	err := r.db.WithContext(ctx).
		Where("scope <> ? AND daily_limit > 0", models.TrainingScopeGlobal).
		Find(&configs).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	ceilings := make(map[string]int, len(configs))
	for _, cfg := range configs {
		ceilings[cfg.Scope] = cfg.DailyLimit
	}
	return ceilings, nil
}

// ClaimDue stamps the run timestamp for mode if the interval has elapsed.
// Only one of several concurrent callers gets true.
func (r *trainingConfigRepository) ClaimDue(ctx context.Context, id string, mode enum.TrainingMode, now time.Time, interval time.Duration) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrainingConfigRepository.ClaimDue")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("mode", mode)

	column := "last_analysis"
	if mode == enum.TrainingModeManual {
		column = "last_manual_training_at"
	}

	result := r.db.WithContext(ctx).Model(&models.TrainingConfig{}).
		Where("id = ?", id).
		Where(fmt.Sprintf("(%s IS NULL OR %s <= ?)", column, column), now.Add(-interval)).
		Update(column, now)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}

	span.LogKV("result.claimed", result.RowsAffected == 1)
	return result.RowsAffected == 1, nil
}
