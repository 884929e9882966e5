package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/utils"
)

type SuppressionEntry struct {
	ID        string                 `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	Email     string                 `gorm:"column:email;type:varchar(320);uniqueIndex;not null" json:"email"`
	Reason    enum.SuppressionReason `gorm:"column:reason;type:varchar(20);not null" json:"reason"`
	Source    string                 `gorm:"column:source;type:varchar(255)" json:"source"`
	Status    enum.SuppressionStatus `gorm:"column:status;type:varchar(20);default:active;index" json:"status"`
	AddedAt   time.Time              `gorm:"column:added_at;type:timestamp;default:current_timestamp" json:"addedAt"`
	RemovedAt *time.Time             `gorm:"column:removed_at;type:timestamp" json:"removedAt,omitempty"`
}

func (SuppressionEntry) TableName() string {
	return "suppression_list"
}

func (s *SuppressionEntry) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = utils.GenerateNanoIDWithPrefix("supp", 16)
	}
	return nil
}
