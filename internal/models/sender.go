package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/utils"
)

type Sender struct {
	ID           string              `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	Tenant       string              `gorm:"column:tenant;type:varchar(255)" json:"tenant"`
	UserID       string              `gorm:"column:user_id;type:varchar(255);index" json:"userId"`
	Email        string              `gorm:"column:email;type:varchar(320);uniqueIndex" json:"email"`
	DisplayName  string              `gorm:"column:display_name;type:varchar(255)" json:"displayName"`
	Domain       string              `gorm:"column:domain;type:varchar(255);index" json:"domain"`
	Provider     enum.SenderProvider `gorm:"column:provider;type:varchar(20)" json:"provider"`
	SmtpHost     string              `gorm:"column:smtp_host;type:varchar(255)" json:"smtpHost"`
	SmtpPort     int                 `gorm:"column:smtp_port;type:integer" json:"smtpPort"`
	SmtpUsername string              `gorm:"column:smtp_username;type:varchar(255)" json:"smtpUsername"`
	SmtpPassword string              `gorm:"column:smtp_password;type:varchar(255)" json:"-"`
	SmtpSecurity enum.EmailSecurity  `gorm:"column:smtp_security;type:varchar(10);default:tls" json:"smtpSecurity"`
	DailyLimit   int                 `gorm:"column:daily_limit;type:integer;default:50" json:"dailyLimit"`
	SentToday    int                 `gorm:"column:sent_today;type:integer;default:0" json:"sentToday"`
	QuotaDate    *time.Time          `gorm:"column:quota_date;type:date" json:"quotaDate,omitempty"`
	IsActive     bool                `gorm:"column:is_active;type:boolean;default:true" json:"isActive"`
	CreatedAt    time.Time           `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt    time.Time           `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (Sender) TableName() string {
	return "senders"
}

func (m *Sender) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = utils.GenerateNanoIDWithPrefix("sndr", 16)
	}
	if m.Domain == "" {
		m.Domain = utils.ExtractDomainFromEmail(m.Email)
	}
	return nil
}

// RemainingQuota is the number of sends still available on day.
// A quota counter from an earlier day counts as zero.
func (m *Sender) RemainingQuota(day time.Time) int {
	used := m.SentToday
	if m.QuotaDate == nil || !utils.StartOfDay(*m.QuotaDate).Equal(utils.StartOfDay(day)) {
		used = 0
	}
	remaining := m.DailyLimit - used
	if remaining < 0 {
		return 0
	}
	return remaining
}
