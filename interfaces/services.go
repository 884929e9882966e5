package interfaces

import (
	"context"
	"io"
	"time"

	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
)

type SuppressionService interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
	FilterSuppressed(ctx context.Context, emails []string) (map[string]bool, error)
	Add(ctx context.Context, email string, reason enum.SuppressionReason, source string) error
	Remove(ctx context.Context, email string) error
	BulkImport(ctx context.Context, rows []dto.SuppressionImportRow) (*dto.BulkImportResult, error)
	ImportFile(ctx context.Context, filename string, r io.Reader) (*dto.BulkImportResult, error)
}

type TrackingService interface {
	GetOrCreateRecord(ctx context.Context, campaignID, email, senderID string) (*models.RecipientTrackingRecord, error)
	PixelURL(trackingID string) string
	ClickURL(trackingID, linkID string) string
	UnsubscribeURL(email, campaignID string) string
	UnsubscribeToken(email, campaignID string) string
	VerifyUnsubscribeToken(email, campaignID, token string) bool
	RegisterLinks(ctx context.Context, trackingID string, links map[string]string) error
	RecordOpen(ctx context.Context, trackingID string) error
	ResolveClick(ctx context.Context, trackingID, linkID string) (string, error)
	ClaimSend(ctx context.Context, trackingID string, ttl time.Duration) (bool, error)
	MarkSent(ctx context.Context, trackingID string) error
	MarkFailed(ctx context.Context, trackingID, reason string) error
	RecordBounce(ctx context.Context, trackingID, email string, kind enum.BounceKind, feedbackLoop bool) error
}

type SmtpTransport interface {
	Send(ctx context.Context, sender *models.Sender, email *dto.OutboundEmail) error
}

type Locker interface {
	// Acquire returns ok=false when the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type DispatcherService interface {
	ProcessCampaign(ctx context.Context, campaignID string, batchSize int, token string) (*dto.BatchResult, error)
	StartCampaign(ctx context.Context, campaignID string) error
	PauseCampaign(ctx context.Context, campaignID string) error
	ResumeCampaign(ctx context.Context, campaignID string) error
	StopCampaign(ctx context.Context, campaignID string) error
	FailCampaign(ctx context.Context, campaignID string, reason string) error
	AddRecipients(ctx context.Context, campaignID string, recipients []dto.RecipientInput) (int64, error)
	RecoverStalled(ctx context.Context, idleFor time.Duration) (int, error)
}

type SendWorker interface {
	Send(ctx context.Context, task dto.SendEmail) error
	FinalizeFailure(ctx context.Context, task dto.SendEmail, cause error) error
}

type BounceProcessor interface {
	ProcessDomainBounces(ctx context.Context, domain string) (*dto.DomainBounceResult, error)
	ProcessAllDomains(ctx context.Context) (map[string]*dto.DomainBounceResult, error)
	ListDomains(ctx context.Context) ([]string, error)
}

type TrainerService interface {
	Run(ctx context.Context, mode enum.TrainingMode) (*dto.TrainingResult, error)
}

type BounceCredentialService interface {
	Create(ctx context.Context, request dto.BounceCredentialRequest) (*models.BounceCredential, error)
}

type OperationsService interface {
	Names() []string
	Run(ctx context.Context, name string, request dto.OperationRequest) (interface{}, error)
}
