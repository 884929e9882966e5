package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/utils"
)

type Campaign struct {
	ID                string              `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	Tenant            string              `gorm:"column:tenant;type:varchar(255);index" json:"tenant"`
	OwnerID           string              `gorm:"column:owner_id;type:varchar(255);index" json:"ownerId"`
	Name              string              `gorm:"column:name;type:varchar(255)" json:"name"`
	Status            enum.CampaignStatus `gorm:"column:status;type:varchar(20);index;default:draft" json:"status"`
	TemplateID        string              `gorm:"column:template_id;type:varchar(50)" json:"templateId"`
	SenderIDs         pq.StringArray      `gorm:"column:sender_ids;type:text[]" json:"senderIds"`
	TrackOpens        bool                `gorm:"column:track_opens;type:boolean;default:true" json:"trackOpens"`
	TrackClicks       bool                `gorm:"column:track_clicks;type:boolean;default:true" json:"trackClicks"`
	UnsubscribeLink   bool                `gorm:"column:unsubscribe_link;type:boolean;default:true" json:"unsubscribeLink"`
	TemplateVariables bool                `gorm:"column:template_variables;type:boolean;default:true" json:"templateVariables"`
	BatchSize         int                 `gorm:"column:batch_size;type:integer;default:200" json:"batchSize"`
	RecipientCount    int                 `gorm:"column:recipient_count;type:integer;default:0" json:"recipientCount"`
	TotalSent         int                 `gorm:"column:total_sent;type:integer;default:0" json:"totalSent"`
	TotalFailed       int                 `gorm:"column:total_failed;type:integer;default:0" json:"totalFailed"`
	TotalSuppressed   int                 `gorm:"column:total_suppressed;type:integer;default:0" json:"totalSuppressed"`
	DispatchToken     string              `gorm:"column:dispatch_token;type:varchar(50)" json:"-"`
	FailureReason     string              `gorm:"column:failure_reason;type:text" json:"failureReason,omitempty"`
	StartedAt         *time.Time          `gorm:"column:started_at;type:timestamp" json:"startedAt,omitempty"`
	CompletedAt       *time.Time          `gorm:"column:completed_at;type:timestamp" json:"completedAt,omitempty"`
	CreatedAt         time.Time           `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = utils.GenerateNanoIDWithPrefix("cmpn", 16)
	}
	return nil
}

// Attempted is the number of recipients with a final outcome.
func (c *Campaign) Attempted() int {
	return c.TotalSent + c.TotalFailed
}

type CampaignRecipient struct {
	ID         string               `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	CampaignID string               `gorm:"column:campaign_id;type:varchar(50);not null;uniqueIndex:uq_campaign_recipient;index:idx_campaign_recipient_status,priority:1" json:"campaignId"`
	Email      string               `gorm:"column:email;type:varchar(320);not null;uniqueIndex:uq_campaign_recipient" json:"email"`
	Data       StringMap            `gorm:"column:data;type:jsonb" json:"data"`
	SenderID   string               `gorm:"column:sender_id;type:varchar(50)" json:"senderId"`
	Status     enum.RecipientStatus `gorm:"column:status;type:varchar(20);default:pending;index:idx_campaign_recipient_status,priority:2" json:"status"`
	Attempts   int                  `gorm:"column:attempts;type:integer;default:0" json:"attempts"`
	LastError  string               `gorm:"column:last_error;type:text" json:"lastError,omitempty"`
	QueuedAt   *time.Time           `gorm:"column:queued_at;type:timestamp" json:"queuedAt,omitempty"`
	CreatedAt  time.Time            `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt  time.Time            `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (CampaignRecipient) TableName() string {
	return "campaign_recipients"
}

func (r *CampaignRecipient) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = utils.GenerateNanoIDWithPrefix("rcpt", 16)
	}
	return nil
}

type EmailTemplate struct {
	ID        string    `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	Tenant    string    `gorm:"column:tenant;type:varchar(255);index" json:"tenant"`
	Name      string    `gorm:"column:name;type:varchar(255)" json:"name"`
	Subject   string    `gorm:"column:subject;type:text" json:"subject"`
	BodyHTML  string    `gorm:"column:body_html;type:text" json:"bodyHtml"`
	BodyText  string    `gorm:"column:body_text;type:text" json:"bodyText"`
	CreatedAt time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (EmailTemplate) TableName() string {
	return "email_templates"
}

func (t *EmailTemplate) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = utils.GenerateNanoIDWithPrefix("tmpl", 16)
	}
	return nil
}
