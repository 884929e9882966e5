package repository

import (
	"context"
	"errors"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/tracing"
)

type bounceCredentialRepository struct {
	db *gorm.DB
}

func NewBounceCredentialRepository(db *gorm.DB) interfaces.BounceCredentialRepository {
	return &bounceCredentialRepository{db: db}
}

// Create stores the credential. A new default replaces the user's previous
// domain agnostic default in the same transaction.
func (r *bounceCredentialRepository) Create(ctx context.Context, credential *models.BounceCredential) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceCredentialRepository.Create")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	if credential == nil || credential.UserID == "" {
		return ErrInvalidInput
	}
	if credential.IsDefault && credential.Domain != "" {
		return ErrDomainCredentialDefault
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if credential.IsDefault {
			err := tx.Model(&models.BounceCredential{}).
				Where("user_id = ? AND domain = '' AND is_default = ?", credential.UserID, true).
				Update("is_default", false).Error
			if err != nil {
				return err
			}
		}
		return tx.Create(credential).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *bounceCredentialRepository) GetActiveForDomain(ctx context.Context, domain string) (*models.BounceCredential, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceCredentialRepository.GetActiveForDomain")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("domain", domain)

	if domain == "" {
		return nil, ErrInvalidInput
	}

	var credential models.BounceCredential
	err := r.db.WithContext(ctx).
		Where("domain = ? AND is_active = ?", domain, true).
		Order("updated_at DESC").
		First(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &credential, nil
}

func (r *bounceCredentialRepository) GetDefaultForUser(ctx context.Context, userID string) (*models.BounceCredential, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceCredentialRepository.GetDefaultForUser")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.LogKV("userId", userID)

	var credential models.BounceCredential
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND domain = '' AND is_default = ? AND is_active = ?", userID, true, true).
		First(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &credential, nil
}

func (r *bounceCredentialRepository) ListDomains(ctx context.Context) ([]string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BounceCredentialRepository.ListDomains")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var domains []string
	err := r.db.WithContext(ctx).Model(&models.BounceCredential{}).
		Where("domain <> '' AND is_active = ?", true).
		Distinct().
		Order("domain ASC").
		Pluck("domain", &domains).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return domains, nil
}
