// Package testutil holds in-memory repositories that follow the conditional
// update semantics of the Postgres implementations.
package testutil

import (
	"fmt"
	"sync"

	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/repository"
)

type Store struct {
	mu sync.Mutex
	// seq orders rows the way created_at does
	seq int

	Campaigns       map[string]*models.Campaign
	Recipients      map[string]*models.CampaignRecipient
	recipientSeq    map[string]int
	Templates       map[string]*models.EmailTemplate
	Senders         map[string]*models.Sender
	Suppressions    map[string]*models.SuppressionEntry
	Tracking        map[string]*models.RecipientTrackingRecord
	Clicks          map[string]*models.ClickRecord
	TrainingConfigs map[string]*models.TrainingConfig
	Reputations     []models.SenderReputation
	Credentials     []*models.BounceCredential
}

func NewStore() *Store {
	return &Store{
		Campaigns:       map[string]*models.Campaign{},
		Recipients:      map[string]*models.CampaignRecipient{},
		recipientSeq:    map[string]int{},
		Templates:       map[string]*models.EmailTemplate{},
		Senders:         map[string]*models.Sender{},
		Suppressions:    map[string]*models.SuppressionEntry{},
		Tracking:        map[string]*models.RecipientTrackingRecord{},
		Clicks:          map[string]*models.ClickRecord{},
		TrainingConfigs: map[string]*models.TrainingConfig{},
	}
}

// NewRepositories returns repositories backed by a fresh store.
func NewRepositories() (*repository.Repositories, *Store) {
	store := NewStore()
	return store.Repositories(), store
}

func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		CampaignRepository:          &campaignRepository{s},
		CampaignRecipientRepository: &recipientRepository{s},
		EmailTemplateRepository:     &templateRepository{s},
		SenderRepository:            &senderRepository{s},
		SuppressionRepository:       &suppressionRepository{s},
		TrackingRepository:          &trackingRepository{s},
		TrainingConfigRepository:    &trainingConfigRepository{s},
		SenderReputationRepository:  &reputationRepository{s},
		BounceCredentialRepository:  &bounceCredentialRepository{s},
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// Campaign returns a snapshot of the stored campaign.
func (s *Store) Campaign(id string) models.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.Campaigns[id]; ok {
		return *c
	}
	return models.Campaign{}
}

func (s *Store) Recipient(id string) models.CampaignRecipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.Recipients[id]; ok {
		return *r
	}
	return models.CampaignRecipient{}
}

func (s *Store) Sender(id string) models.Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender, ok := s.Senders[id]; ok {
		return *sender
	}
	return models.Sender{}
}

func (s *Store) Suppression(email string) *models.SuppressionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.Suppressions[email]; ok {
		copied := *entry
		return &copied
	}
	return nil
}

// TrackingByEmail returns every tracking record for the address.
func (s *Store) TrackingByEmail(email string) []models.RecipientTrackingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []models.RecipientTrackingRecord
	for _, r := range s.Tracking {
		if r.RecipientEmail == email {
			records = append(records, *r)
		}
	}
	return records
}

// NewTestLogger returns an initialized logger that only prints errors.
func NewTestLogger() logger.Logger {
	log := logger.NewAppLogger(&logger.Config{LogLevel: "error", Encoder: "console"})
	log.InitLogger()
	return log
}
