package interfaces

import (
	"context"
	"time"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
)

type CampaignRepository interface {
	Create(ctx context.Context, campaign *models.Campaign) error
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	ListByStatus(ctx context.Context, status enum.CampaignStatus) ([]models.Campaign, error)
	Activate(ctx context.Context, id, token string, from ...enum.CampaignStatus) (bool, error)
	TransitionStatus(ctx context.Context, id string, to enum.CampaignStatus, reason string, from ...enum.CampaignStatus) (bool, error)
	RotateDispatchToken(ctx context.Context, id, expected, next string) (bool, error)
}

type CampaignRecipientRepository interface {
	AddRecipients(ctx context.Context, campaignID string, recipients []models.CampaignRecipient) (int64, error)
	GetByID(ctx context.Context, id string) (*models.CampaignRecipient, error)
	SelectPending(ctx context.Context, campaignID string, limit int, excludeSenderIDs []string) ([]models.CampaignRecipient, error)
	CountByStatus(ctx context.Context, campaignID string, status enum.RecipientStatus) (int64, error)
	MarkQueued(ctx context.Context, id, senderID string) (bool, error)
	ReleaseQueued(ctx context.Context, id string) (bool, error)
	ListStaleQueued(ctx context.Context, campaignID string, before time.Time) ([]models.CampaignRecipient, error)
	// Settle moves a recipient to a final status and applies the matching
	// campaign counter in one transaction.
	Settle(ctx context.Context, campaignID, id string, from, to enum.RecipientStatus, lastError string) (bool, error)
}

type EmailTemplateRepository interface {
	Create(ctx context.Context, template *models.EmailTemplate) error
	GetByID(ctx context.Context, id string) (*models.EmailTemplate, error)
}

type SenderRepository interface {
	Create(ctx context.Context, sender *models.Sender) error
	GetByID(ctx context.Context, id string) (*models.Sender, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.Sender, error)
	ListActive(ctx context.Context) ([]models.Sender, error)
	ListActiveDomains(ctx context.Context) ([]string, error)
	GetUserIDsForDomain(ctx context.Context, domain string) ([]string, error)
	ReserveQuota(ctx context.Context, id string, want int, day time.Time) (int, error)
	ReleaseQuota(ctx context.Context, id string, n int, day time.Time) error
	UpdateDailyLimit(ctx context.Context, id string, limit int) error
	ResetDailyQuotas(ctx context.Context, day time.Time) (int64, error)
}

type SuppressionRepository interface {
	Get(ctx context.Context, email string) (*models.SuppressionEntry, error)
	IsSuppressed(ctx context.Context, email string) (bool, error)
	FilterSuppressed(ctx context.Context, emails []string) (map[string]bool, error)
	Upsert(ctx context.Context, entry *models.SuppressionEntry) error
	UpsertMany(ctx context.Context, entries []models.SuppressionEntry) (int64, error)
	Remove(ctx context.Context, email string) (bool, error)
}

type TrackingRepository interface {
	GetOrCreate(ctx context.Context, campaignID, email, senderID string) (*models.RecipientTrackingRecord, error)
	GetByTrackingID(ctx context.Context, trackingID string) (*models.RecipientTrackingRecord, error)
	GetLatestByEmail(ctx context.Context, email string) (*models.RecipientTrackingRecord, error)
	ClaimSend(ctx context.Context, trackingID string, ttl time.Duration) (bool, error)
	MarkSent(ctx context.Context, trackingID string) error
	MarkFailed(ctx context.Context, trackingID, reason string) (bool, error)
	MarkOpened(ctx context.Context, trackingID string) (bool, error)
	MarkBounced(ctx context.Context, trackingID string, kind enum.BounceKind) error
	MarkComplained(ctx context.Context, trackingID string, feedbackLoop bool) error
	RecordSoftBounce(ctx context.Context, trackingID string) error
	RegisterLinks(ctx context.Context, trackingID string, links map[string]string) error
	RecordClick(ctx context.Context, trackingID, linkID string) (*models.ClickRecord, error)
	SenderStats(ctx context.Context, since time.Time) ([]models.SenderDeliveryStats, error)
}

type TrainingConfigRepository interface {
	GetOrCreateGlobal(ctx context.Context) (*models.TrainingConfig, error)
	GetByScope(ctx context.Context, scope string) (*models.TrainingConfig, error)
	Save(ctx context.Context, config *models.TrainingConfig) error
	DomainCeilings(ctx context.Context) (map[string]int, error)
	ClaimDue(ctx context.Context, id string, mode enum.TrainingMode, now time.Time, interval time.Duration) (bool, error)
}

type SenderReputationRepository interface {
	Create(ctx context.Context, reputation *models.SenderReputation) error
}

type BounceCredentialRepository interface {
	Create(ctx context.Context, credential *models.BounceCredential) error
	GetActiveForDomain(ctx context.Context, domain string) (*models.BounceCredential, error)
	GetDefaultForUser(ctx context.Context, userID string) (*models.BounceCredential, error)
	ListDomains(ctx context.Context) ([]string, error)
}
