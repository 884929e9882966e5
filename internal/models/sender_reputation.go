package models

import (
	"time"

	"github.com/customeros/mailblast/internal/enum"
)

// SenderReputation is one automatic training analysis of a sender.
type SenderReputation struct {
	ID                  string              `gorm:"primary_key;type:uuid;default:gen_random_uuid()" json:"id"`
	CreatedAt           time.Time           `gorm:"column:created_at;type:timestamp;DEFAULT:current_timestamp" json:"createdAt"`
	SenderID            string              `gorm:"column:sender_id;type:varchar(50);index" json:"senderId"`
	Domain              string              `gorm:"column:domain;type:varchar(255)" json:"domain"`
	Sent                int64               `gorm:"column:sent;type:bigint" json:"sent"`
	BounceRate          float64             `gorm:"column:bounce_rate;type:numeric(6,3)" json:"bounceRate"`
	ComplaintRate       float64             `gorm:"column:complaint_rate;type:numeric(6,3)" json:"complaintRate"`
	Score               float64             `gorm:"column:score;type:numeric(6,2)" json:"score"`
	Tier                enum.ReputationTier `gorm:"column:tier;type:varchar(20)" json:"tier"`
	BlacklistPenaltyPct int                 `gorm:"column:blacklist_penalty_pct;type:integer" json:"blacklistPenaltyPct"`
	PreviousLimit       int                 `gorm:"column:previous_limit;type:integer" json:"previousLimit"`
	NewLimit            int                 `gorm:"column:new_limit;type:integer" json:"newLimit"`
	Decision            string              `gorm:"column:decision;type:varchar(20)" json:"decision"`
}

func (SenderReputation) TableName() string {
	return "sender_reputation"
}

// SenderDeliveryStats aggregates a sender's outcomes over a window.
type SenderDeliveryStats struct {
	SenderID     string `gorm:"column:sender_id"`
	Sent         int64  `gorm:"column:sent"`
	HardBounces  int64  `gorm:"column:hard_bounces"`
	SoftBounces  int64  `gorm:"column:soft_bounces"`
	Complaints   int64  `gorm:"column:complaints"`
	FeedbackLoop int64  `gorm:"column:feedback_loop"`
}
