package repository

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

type senderReputationRepository struct {
	db *gorm.DB
}

func NewSenderReputationRepository(db *gorm.DB) interfaces.SenderReputationRepository {
	return &senderReputationRepository{db: db}
}

func (r *senderReputationRepository) Create(ctx context.Context, reputation *models.SenderReputation) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SenderReputationRepository.Create")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagEntity(span, reputation.SenderID)

	reputation.CreatedAt = utils.Now()

	err := r.db.WithContext(ctx).Create(reputation).Error
	if err != nil {
		tracing.TraceErr(span, errors.Wrap(err, "db error"))
		return err
	}
	return nil
}
