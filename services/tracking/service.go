package tracking

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

type trackingService struct {
	repositories      *repository.Repositories
	publicURL         string
	unsubscribeSecret string
}

func NewTrackingService(repos *repository.Repositories, appConfig *config.AppConfig) interfaces.TrackingService {
	return &trackingService{
		repositories:      repos,
		publicURL:         strings.TrimRight(appConfig.TrackingPublicUrl, "/"),
		unsubscribeSecret: appConfig.UnsubscribeSecret,
	}
}

func (s *trackingService) GetOrCreateRecord(ctx context.Context, campaignID, email, senderID string) (*models.RecipientTrackingRecord, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingService.GetOrCreateRecord")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, campaignID)

	record, err := s.repositories.TrackingRepository.GetOrCreate(ctx, campaignID, utils.NormalizeEmail(email), senderID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, errors.Wrap(err, "failed to get tracking record")
	}
	return record, nil
}

func (s *trackingService) PixelURL(trackingID string) string {
	return fmt.Sprintf("%s/t/o/%s", s.publicURL, url.PathEscape(trackingID))
}

func (s *trackingService) ClickURL(trackingID, linkID string) string {
	return fmt.Sprintf("%s/t/c/%s/%s", s.publicURL, url.PathEscape(trackingID), url.PathEscape(linkID))
}

func (s *trackingService) UnsubscribeURL(email, campaignID string) string {
	email = utils.NormalizeEmail(email)
	params := url.Values{}
	params.Set("e", email)
	params.Set("c", campaignID)
	params.Set("t", s.UnsubscribeToken(email, campaignID))
	return fmt.Sprintf("%s/unsubscribe?%s", s.publicURL, params.Encode())
}

// UnsubscribeToken is the hex sha256 of email, campaign id and the secret.
func (s *trackingService) UnsubscribeToken(email, campaignID string) string {
	sum := sha256.Sum256([]byte(utils.NormalizeEmail(email) + campaignID + s.unsubscribeSecret))
	return hex.EncodeToString(sum[:])
}

func (s *trackingService) VerifyUnsubscribeToken(email, campaignID, token string) bool {
	if email == "" || token == "" {
		return false
	}
	expected := s.UnsubscribeToken(email, campaignID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(token))) == 1
}

func (s *trackingService) RegisterLinks(ctx context.Context, trackingID string, links map[string]string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingService.RegisterLinks")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("trackingId", trackingID, "links", len(links))

	if len(links) == 0 {
		return nil
	}

	err := s.repositories.TrackingRepository.RegisterLinks(ctx, trackingID, links)
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to register tracked links")
	}
	return nil
}

func (s *trackingService) RecordOpen(ctx context.Context, trackingID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingService.RecordOpen")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("trackingId", trackingID)

	found, err := s.repositories.TrackingRepository.MarkOpened(ctx, trackingID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if !found {
		return repository.ErrTrackingRecordNotFound
	}
	return nil
}

// ResolveClick records the click and returns the url to redirect to.
func (s *trackingService) ResolveClick(ctx context.Context, trackingID, linkID string) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingService.ResolveClick")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("trackingId", trackingID, "linkId", linkID)

	click, err := s.repositories.TrackingRepository.RecordClick(ctx, trackingID, linkID)
	if err != nil {
		if !errors.Is(err, repository.ErrClickNotFound) {
			tracing.TraceErr(span, err)
		}
		return "", err
	}

	span.LogKV("result.clickCount", click.ClickCount)
	return click.OriginalURL, nil
}

// ClaimSend reports whether the caller may transmit the message. It is false
// while another attempt holds a fresh claim or once the message is sent.
func (s *trackingService) ClaimSend(ctx context.Context, trackingID string, ttl time.Duration) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingService.ClaimSend")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("trackingId", trackingID)

	claimed, err := s.repositories.TrackingRepository.ClaimSend(ctx, trackingID, ttl)
	if err != nil {
		tracing.TraceErr(span, err)
		return false, err
	}
	return claimed, nil
}

func (s *trackingService) MarkSent(ctx context.Context, trackingID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingService.MarkSent")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("trackingId", trackingID)

	if err := s.repositories.TrackingRepository.MarkSent(ctx, trackingID); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// MarkFailed is a no-op for a record that was already sent.
func (s *trackingService) MarkFailed(ctx context.Context, trackingID, reason string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingService.MarkFailed")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("trackingId", trackingID, "reason", reason)

	updated, err := s.repositories.TrackingRepository.MarkFailed(ctx, trackingID, reason)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	span.LogKV("result.updated", updated)
	return nil
}

// RecordBounce stamps bounce feedback on the tracking record. When the bounce
// carried no tracking id the most recent record for the email is used.
func (s *trackingService) RecordBounce(ctx context.Context, trackingID, email string, kind enum.BounceKind, feedbackLoop bool) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "TrackingService.RecordBounce")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("trackingId", trackingID, "email", email, "kind", kind.String())

	if trackingID == "" {
		if email == "" {
			return nil
		}
		record, err := s.repositories.TrackingRepository.GetLatestByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, repository.ErrTrackingRecordNotFound) {
				span.LogKV("result.found", false)
				return nil
			}
			tracing.TraceErr(span, err)
			return err
		}
		trackingID = record.TrackingID
	}

	var err error
	switch kind {
	case enum.BounceKindHard:
		err = s.repositories.TrackingRepository.MarkBounced(ctx, trackingID, kind)
	case enum.BounceKindSoft:
		err = s.repositories.TrackingRepository.RecordSoftBounce(ctx, trackingID)
	case enum.BounceKindComplaint:
		err = s.repositories.TrackingRepository.MarkComplained(ctx, trackingID, feedbackLoop)
	default:
		return nil
	}
	if errors.Is(err, repository.ErrTrackingRecordNotFound) {
		span.LogKV("result.found", false)
		return nil
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}
