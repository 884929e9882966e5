package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/models"
)

type Repositories struct {
	CampaignRepository          interfaces.CampaignRepository
	CampaignRecipientRepository interfaces.CampaignRecipientRepository
	EmailTemplateRepository     interfaces.EmailTemplateRepository
	SenderRepository            interfaces.SenderRepository
	SuppressionRepository       interfaces.SuppressionRepository
	TrackingRepository          interfaces.TrackingRepository
	TrainingConfigRepository    interfaces.TrainingConfigRepository
	SenderReputationRepository  interfaces.SenderReputationRepository
	BounceCredentialRepository  interfaces.BounceCredentialRepository
}

func InitRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		CampaignRepository:          NewCampaignRepository(db),
		CampaignRecipientRepository: NewCampaignRecipientRepository(db),
		EmailTemplateRepository:     NewEmailTemplateRepository(db),
		SenderRepository:            NewSenderRepository(db),
		SuppressionRepository:       NewSuppressionRepository(db),
		TrackingRepository:          NewTrackingRepository(db),
		TrainingConfigRepository:    NewTrainingConfigRepository(db),
		SenderReputationRepository:  NewSenderReputationRepository(db),
		BounceCredentialRepository:  NewBounceCredentialRepository(db),
	}
}

func MigrateMailblastDB(dbConfig *config.MailblastDatabaseConfig, mailblastDB *gorm.DB) error {
	db, err := mailblastDB.DB()
	if err != nil {
		return err
	}

	db.SetMaxOpenConns(5)

	err = mailblastDB.AutoMigrate(
		&models.Campaign{},
		&models.CampaignRecipient{},
		&models.EmailTemplate{},
		&models.Sender{},
		&models.SuppressionEntry{},
		&models.RecipientTrackingRecord{},
		&models.ClickRecord{},
		&models.TrainingConfig{},
		&models.SenderReputation{},
		&models.BounceCredential{},
	)

	db.SetMaxIdleConns(dbConfig.MaxIdleConn)
	db.SetMaxOpenConns(dbConfig.MaxConn)
	db.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Minute)

	return err
}
