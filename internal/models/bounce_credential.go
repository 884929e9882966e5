package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/utils"
)

type BounceCredential struct {
	ID         string               `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	Tenant     string               `gorm:"column:tenant;type:varchar(255)" json:"tenant"`
	UserID     string               `gorm:"column:user_id;type:varchar(255);index;uniqueIndex:uq_bounce_credential_default,where:is_default = true AND domain = ''" json:"userId" validate:"required"`
	Domain     string               `gorm:"column:domain;type:varchar(255);index;default:''" json:"domain" validate:"omitempty,fqdn"`
	Protocol   enum.MailboxProtocol `gorm:"column:protocol;type:varchar(10)" json:"protocol" validate:"required,oneof=imap pop3"`
	Host       string               `gorm:"column:host;type:varchar(255)" json:"host" validate:"required,hostname|ip"`
	Port       int                  `gorm:"column:port;type:integer" json:"port" validate:"required,min=1,max=65535"`
	Encryption enum.EmailSecurity   `gorm:"column:encryption;type:varchar(10)" json:"encryption" validate:"required,oneof=ssl tls none"`
	Username   string               `gorm:"column:username;type:varchar(255)" json:"username" validate:"required"`
	Password   string               `gorm:"column:password;type:varchar(255)" json:"-" validate:"required"`
	Folder     string               `gorm:"column:folder;type:varchar(255);default:INBOX" json:"folder"`
	IsDefault  bool                 `gorm:"column:is_default;type:boolean;default:false" json:"isDefault"`
	IsActive   bool                 `gorm:"column:is_active;type:boolean;default:true" json:"isActive"`
	CreatedAt  time.Time            `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt  time.Time            `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (BounceCredential) TableName() string {
	return "bounce_credentials"
}

func (b *BounceCredential) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = utils.GenerateNanoIDWithPrefix("bcrd", 16)
	}
	return nil
}
