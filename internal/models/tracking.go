package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/utils"
)

type RecipientTrackingRecord struct {
	ID               string          `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	TrackingID       string          `gorm:"column:tracking_id;type:varchar(64);uniqueIndex;not null" json:"trackingId"`
	CampaignID       string          `gorm:"column:campaign_id;type:varchar(50);not null;uniqueIndex:uq_tracking_campaign_recipient" json:"campaignId"`
	RecipientEmail   string          `gorm:"column:recipient_email;type:varchar(320);not null;uniqueIndex:uq_tracking_campaign_recipient;index" json:"recipientEmail"`
	SenderID         string          `gorm:"column:sender_id;type:varchar(50);index" json:"senderId"`
	SendingAt        *time.Time      `gorm:"column:sending_at;type:timestamp" json:"-"`
	SentAt           *time.Time      `gorm:"column:sent_at;type:timestamp" json:"sentAt,omitempty"`
	OpenedAt         *time.Time      `gorm:"column:opened_at;type:timestamp" json:"openedAt,omitempty"`
	OpenCount        int             `gorm:"column:open_count;type:integer;default:0" json:"openCount"`
	FailedAt         *time.Time      `gorm:"column:failed_at;type:timestamp" json:"failedAt,omitempty"`
	FailureReason    string          `gorm:"column:failure_reason;type:text" json:"failureReason,omitempty"`
	BouncedAt        *time.Time      `gorm:"column:bounced_at;type:timestamp" json:"bouncedAt,omitempty"`
	BounceType       enum.BounceKind `gorm:"column:bounce_type;type:varchar(20)" json:"bounceType,omitempty"`
	ComplainedAt     *time.Time      `gorm:"column:complained_at;type:timestamp" json:"complainedAt,omitempty"`
	FeedbackLoop     bool            `gorm:"column:feedback_loop;type:boolean;default:false" json:"feedbackLoop"`
	SoftBounceCount  int             `gorm:"column:soft_bounce_count;type:integer;default:0" json:"softBounceCount"`
	LastSoftBounceAt *time.Time      `gorm:"column:last_soft_bounce_at;type:timestamp" json:"lastSoftBounceAt,omitempty"`
	CreatedAt        time.Time       `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (RecipientTrackingRecord) TableName() string {
	return "recipient_tracking"
}

func (r *RecipientTrackingRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = utils.GenerateNanoIDWithPrefix("trk", 16)
	}
	if r.TrackingID == "" {
		r.TrackingID = uuid.NewString()
	}
	return nil
}

type ClickRecord struct {
	TrackingID  string     `gorm:"column:tracking_id;type:varchar(64);primaryKey" json:"trackingId"`
	LinkID      string     `gorm:"column:link_id;type:varchar(20);primaryKey" json:"linkId"`
	OriginalURL string     `gorm:"column:original_url;type:text;not null" json:"originalUrl"`
	ClickedAt   *time.Time `gorm:"column:clicked_at;type:timestamp" json:"clickedAt,omitempty"`
	ClickCount  int        `gorm:"column:click_count;type:integer;default:0" json:"clickCount"`
	CreatedAt   time.Time  `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
}

func (ClickRecord) TableName() string {
	return "recipient_tracking_clicks"
}
