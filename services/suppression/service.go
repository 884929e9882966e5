package suppression

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

const importBatchSize = 500

type suppressionService struct {
	repositories *repository.Repositories
}

func NewSuppressionService(repos *repository.Repositories) interfaces.SuppressionService {
	return &suppressionService{
		repositories: repos,
	}
}

func (s *suppressionService) IsSuppressed(ctx context.Context, email string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionService.IsSuppressed")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	email = utils.NormalizeEmail(email)
	if email == "" {
		return false, nil
	}

	suppressed, err := s.repositories.SuppressionRepository.IsSuppressed(ctx, email)
	if err != nil {
		tracing.TraceErr(span, err)
		return false, err
	}
	span.LogKV("result.suppressed", suppressed)
	return suppressed, nil
}

// FilterSuppressed returns the suppressed subset of emails, keyed by normalized address.
func (s *suppressionService) FilterSuppressed(ctx context.Context, emails []string) (map[string]bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionService.FilterSuppressed")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("request.count", len(emails))

	normalized := make([]string, 0, len(emails))
	for _, email := range emails {
		if e := utils.NormalizeEmail(email); e != "" {
			normalized = append(normalized, e)
		}
	}
	normalized = utils.UniqueStrings(normalized)
	if len(normalized) == 0 {
		return map[string]bool{}, nil
	}

	suppressed, err := s.repositories.SuppressionRepository.FilterSuppressed(ctx, normalized)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	span.LogKV("result.suppressed", len(suppressed))
	return suppressed, nil
}

func (s *suppressionService) Add(ctx context.Context, email string, reason enum.SuppressionReason, source string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionService.Add")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("request.email", email, "request.reason", reason.String(), "request.source", source)

	entry, err := buildEntry(email, reason, source)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if err := s.repositories.SuppressionRepository.Upsert(ctx, entry); err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to upsert suppression entry")
	}
	return nil
}

func (s *suppressionService) Remove(ctx context.Context, email string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionService.Remove")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("request.email", email)

	email = utils.NormalizeEmail(email)
	if email == "" {
		return mberrors.ValidationError(nil, "email is required")
	}

	removed, err := s.repositories.SuppressionRepository.Remove(ctx, email)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	span.LogKV("result.removed", removed)
	return nil
}

// BulkImport upserts every valid row and reports the rest. A bad row never
// aborts the import.
func (s *suppressionService) BulkImport(ctx context.Context, rows []dto.SuppressionImportRow) (*dto.BulkImportResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionService.BulkImport")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("request.rows", len(rows))

	result := &dto.BulkImportResult{}
	seen := make(map[string]bool, len(rows))
	entries := make([]models.SuppressionEntry, 0, len(rows))

	for _, row := range rows {
		reason := enum.SuppressionReason(strings.ToLower(strings.TrimSpace(row.Reason)))
		if reason == "" {
			reason = enum.SuppressionReasonManual
		}
		source := strings.TrimSpace(row.Source)
		if source == "" {
			source = enum.SuppressionSourceImport
		}

		entry, err := buildEntry(row.Email, reason, source)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", row.Line, err))
			continue
		}
		if seen[entry.Email] {
			result.Skipped++
			continue
		}
		seen[entry.Email] = true
		entries = append(entries, *entry)
	}

	for _, chunk := range utils.Chunk(entries, importBatchSize) {
		added, err := s.repositories.SuppressionRepository.UpsertMany(ctx, chunk)
		if err != nil {
			tracing.TraceErr(span, err)
			return result, errors.Wrap(err, "failed to upsert suppression batch")
		}
		result.Added += int(added)
	}

	span.LogKV("result.added", result.Added, "result.skipped", result.Skipped)
	return result, nil
}

func (s *suppressionService) ImportFile(ctx context.Context, filename string, r io.Reader) (*dto.BulkImportResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SuppressionService.ImportFile")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("request.filename", filename)

	rows, err := ParseImportFile(filename, r)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	return s.BulkImport(ctx, rows)
}

func buildEntry(email string, reason enum.SuppressionReason, source string) (*models.SuppressionEntry, error) {
	email = utils.NormalizeEmail(email)
	if email == "" {
		return nil, mberrors.ValidationError(nil, "email is required")
	}
	if !mailvalidate.ValidateEmailSyntax(email).IsValid {
		return nil, mberrors.ValidationError(nil, fmt.Sprintf("invalid email %q", email))
	}
	if !reason.IsValid() {
		return nil, mberrors.ValidationError(nil, fmt.Sprintf("unknown suppression reason %q", reason))
	}

	return &models.SuppressionEntry{
		Email:  email,
		Reason: reason,
		Source: source,
	}, nil
}
