package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/utils"
)

const TrainingScopeGlobal = "global"

type TrainingConfig struct {
	ID                       string            `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	Scope                    string            `gorm:"column:scope;type:varchar(255);uniqueIndex;not null" json:"scope"`
	Mode                     enum.TrainingMode `gorm:"column:mode;type:varchar(20);default:automatic" json:"mode"`
	ManualTrainingPercentage int               `gorm:"column:manual_training_percentage;type:integer;default:10" json:"manualTrainingPercentage"`
	DailyLimit               int               `gorm:"column:daily_limit;type:integer;default:0" json:"dailyLimit"`
	AnalysisIntervalHours    int               `gorm:"column:analysis_interval_hours;type:integer;default:24" json:"analysisIntervalHours"`
	LastAnalysis             *time.Time        `gorm:"column:last_analysis;type:timestamp" json:"lastAnalysis,omitempty"`
	LastManualTrainingAt     *time.Time        `gorm:"column:last_manual_training_at;type:timestamp" json:"lastManualTrainingAt,omitempty"`
	CreatedAt                time.Time         `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt                time.Time         `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
}

func (TrainingConfig) TableName() string {
	return "training_configs"
}

func (c *TrainingConfig) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = utils.GenerateNanoIDWithPrefix("tcfg", 16)
	}
	return nil
}

func (c *TrainingConfig) Interval() time.Duration {
	if c.AnalysisIntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.AnalysisIntervalHours) * time.Hour
}

// LastRun returns the timestamp relevant for mode.
func (c *TrainingConfig) LastRun(mode enum.TrainingMode) *time.Time {
	if mode == enum.TrainingModeManual {
		return c.LastManualTrainingAt
	}
	return c.LastAnalysis
}

func (c *TrainingConfig) IsDue(mode enum.TrainingMode, now time.Time) bool {
	last := c.LastRun(mode)
	return last == nil || now.Sub(*last) >= c.Interval()
}
