package testutil

import (
	"context"
	"sort"
	"time"

	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/models"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/utils"
)

type campaignRepository struct{ s *Store }

func (r *campaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if campaign.ID == "" {
		campaign.ID = r.s.nextID("cmpn")
	}
	if campaign.Status == "" {
		campaign.Status = enum.CampaignStatusDraft
	}
	if campaign.CreatedAt.IsZero() {
		campaign.CreatedAt = utils.Now()
	}
	if campaign.UpdatedAt.IsZero() {
		campaign.UpdatedAt = campaign.CreatedAt
	}
	copied := *campaign
	r.s.Campaigns[campaign.ID] = &copied
	return nil
}

func (r *campaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.Campaigns[id]
	if !ok {
		return nil, repository.ErrCampaignNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *campaignRepository) ListByStatus(ctx context.Context, status enum.CampaignStatus) ([]models.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var campaigns []models.Campaign
	for _, c := range r.s.Campaigns {
		if c.Status == status {
			campaigns = append(campaigns, *c)
		}
	}
	sort.Slice(campaigns, func(i, j int) bool { return campaigns[i].CreatedAt.Before(campaigns[j].CreatedAt) })
	return campaigns, nil
}

func (r *campaignRepository) Activate(ctx context.Context, id, token string, from ...enum.CampaignStatus) (bool, error) {
	if id == "" || token == "" || len(from) == 0 {
		return false, repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.Campaigns[id]
	if !ok || !statusIn(c.Status, from) {
		return false, nil
	}
	now := utils.Now()
	c.Status = enum.CampaignStatusActive
	c.DispatchToken = token
	c.FailureReason = ""
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	c.UpdatedAt = now
	return true, nil
}

func (r *campaignRepository) TransitionStatus(ctx context.Context, id string, to enum.CampaignStatus, reason string, from ...enum.CampaignStatus) (bool, error) {
	if id == "" || len(from) == 0 {
		return false, repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.Campaigns[id]
	if !ok || !statusIn(c.Status, from) {
		return false, nil
	}
	now := utils.Now()
	c.Status = to
	c.UpdatedAt = now
	if to != enum.CampaignStatusActive {
		c.DispatchToken = ""
	}
	if to.IsTerminal() {
		c.CompletedAt = &now
	}
	if reason != "" {
		c.FailureReason = reason
	}
	return true, nil
}

func (r *campaignRepository) RotateDispatchToken(ctx context.Context, id, expected, next string) (bool, error) {
	if id == "" || expected == "" {
		return false, repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.Campaigns[id]
	if !ok || c.DispatchToken != expected || c.Status != enum.CampaignStatusActive {
		return false, nil
	}
	c.DispatchToken = next
	c.UpdatedAt = utils.Now()
	return true, nil
}

func statusIn(status enum.CampaignStatus, from []enum.CampaignStatus) bool {
	for _, s := range from {
		if s == status {
			return true
		}
	}
	return false
}

type recipientRepository struct{ s *Store }

func (r *recipientRepository) AddRecipients(ctx context.Context, campaignID string, recipients []models.CampaignRecipient) (int64, error) {
	if campaignID == "" {
		return 0, repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing := map[string]bool{}
	for _, rc := range r.s.Recipients {
		if rc.CampaignID == campaignID {
			existing[rc.Email] = true
		}
	}

	var inserted int64
	for i := range recipients {
		rc := recipients[i]
		if existing[rc.Email] {
			continue
		}
		existing[rc.Email] = true
		if rc.ID == "" {
			rc.ID = r.s.nextID("rcpt")
		}
		rc.CampaignID = campaignID
		rc.Status = enum.RecipientStatusPending
		rc.CreatedAt = utils.Now()
		r.s.Recipients[rc.ID] = &rc
		r.s.recipientSeq[rc.ID] = r.s.seq
		r.s.seq++
		inserted++
	}
	if c, ok := r.s.Campaigns[campaignID]; ok {
		c.RecipientCount += int(inserted)
	}
	return inserted, nil
}

func (r *recipientRepository) GetByID(ctx context.Context, id string) (*models.CampaignRecipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc, ok := r.s.Recipients[id]
	if !ok {
		return nil, repository.ErrRecipientNotFound
	}
	copied := *rc
	return &copied, nil
}

func (r *recipientRepository) SelectPending(ctx context.Context, campaignID string, limit int, excludeSenderIDs []string) ([]models.CampaignRecipient, error) {
	if limit <= 0 {
		return nil, repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var pending []models.CampaignRecipient
	for _, rc := range r.s.Recipients {
		if rc.CampaignID != campaignID || rc.Status != enum.RecipientStatusPending {
			continue
		}
		if rc.SenderID != "" && utils.IsStringInSlice(rc.SenderID, excludeSenderIDs) {
			continue
		}
		pending = append(pending, *rc)
	}
	sort.Slice(pending, func(i, j int) bool {
		return r.s.recipientSeq[pending[i].ID] < r.s.recipientSeq[pending[j].ID]
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *recipientRepository) CountByStatus(ctx context.Context, campaignID string, status enum.RecipientStatus) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var count int64
	for _, rc := range r.s.Recipients {
		if rc.CampaignID == campaignID && rc.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *recipientRepository) MarkQueued(ctx context.Context, id, senderID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc, ok := r.s.Recipients[id]
	if !ok || rc.Status != enum.RecipientStatusPending {
		return false, nil
	}
	now := utils.Now()
	rc.Status = enum.RecipientStatusQueued
	rc.SenderID = senderID
	rc.QueuedAt = &now
	rc.Attempts++
	rc.UpdatedAt = now
	return true, nil
}

func (r *recipientRepository) ReleaseQueued(ctx context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc, ok := r.s.Recipients[id]
	if !ok || rc.Status != enum.RecipientStatusQueued {
		return false, nil
	}
	rc.Status = enum.RecipientStatusPending
	rc.QueuedAt = nil
	rc.UpdatedAt = utils.Now()
	return true, nil
}

func (r *recipientRepository) ListStaleQueued(ctx context.Context, campaignID string, before time.Time) ([]models.CampaignRecipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var stale []models.CampaignRecipient
	for _, rc := range r.s.Recipients {
		if rc.CampaignID == campaignID && rc.Status == enum.RecipientStatusQueued && rc.QueuedAt != nil && rc.QueuedAt.Before(before) {
			stale = append(stale, *rc)
		}
	}
	return stale, nil
}

func (r *recipientRepository) Settle(ctx context.Context, campaignID, id string, from, to enum.RecipientStatus, lastError string) (bool, error) {
	switch to {
	case enum.RecipientStatusSent, enum.RecipientStatusFailed, enum.RecipientStatusSuppressed:
	default:
		return false, repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc, ok := r.s.Recipients[id]
	if !ok || rc.CampaignID != campaignID || rc.Status != from {
		return false, nil
	}
	rc.Status = to
	rc.LastError = lastError
	rc.UpdatedAt = utils.Now()

	c, ok := r.s.Campaigns[campaignID]
	if !ok {
		return true, nil
	}
	switch to {
	case enum.RecipientStatusSent:
		if c.Attempted() < c.RecipientCount {
			c.TotalSent++
		}
	case enum.RecipientStatusFailed:
		if c.Attempted() < c.RecipientCount {
			c.TotalFailed++
		}
	case enum.RecipientStatusSuppressed:
		c.TotalSuppressed++
		c.RecipientCount = max(c.RecipientCount-1, c.Attempted())
	}
	return true, nil
}

type templateRepository struct{ s *Store }

func (r *templateRepository) Create(ctx context.Context, template *models.EmailTemplate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if template.ID == "" {
		template.ID = r.s.nextID("tmpl")
	}
	copied := *template
	r.s.Templates[template.ID] = &copied
	return nil
}

func (r *templateRepository) GetByID(ctx context.Context, id string) (*models.EmailTemplate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.Templates[id]
	if !ok {
		return nil, repository.ErrTemplateNotFound
	}
	copied := *t
	return &copied, nil
}

type senderRepository struct{ s *Store }

func (r *senderRepository) Create(ctx context.Context, sender *models.Sender) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sender.ID == "" {
		sender.ID = r.s.nextID("sndr")
	}
	if sender.Domain == "" {
		sender.Domain = utils.ExtractDomainFromEmail(sender.Email)
	}
	if sender.CreatedAt.IsZero() {
		sender.CreatedAt = utils.Now()
	}
	copied := *sender
	r.s.Senders[sender.ID] = &copied
	return nil
}

func (r *senderRepository) GetByID(ctx context.Context, id string) (*models.Sender, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sender, ok := r.s.Senders[id]
	if !ok {
		return nil, repository.ErrSenderNotFound
	}
	copied := *sender
	return &copied, nil
}

func (r *senderRepository) GetByIDs(ctx context.Context, ids []string) ([]models.Sender, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var senders []models.Sender
	for _, id := range ids {
		if sender, ok := r.s.Senders[id]; ok {
			senders = append(senders, *sender)
		}
	}
	return senders, nil
}

func (r *senderRepository) ListActive(ctx context.Context) ([]models.Sender, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var senders []models.Sender
	for _, sender := range r.s.Senders {
		if sender.IsActive {
			senders = append(senders, *sender)
		}
	}
	sort.Slice(senders, func(i, j int) bool { return senders[i].ID < senders[j].ID })
	return senders, nil
}

func (r *senderRepository) ListActiveDomains(ctx context.Context) ([]string, error) {
	senders, _ := r.ListActive(ctx)
	var domains []string
	for _, sender := range senders {
		domains = append(domains, sender.Domain)
	}
	domains = utils.UniqueStrings(domains)
	sort.Strings(domains)
	return domains, nil
}

func (r *senderRepository) GetUserIDsForDomain(ctx context.Context, domain string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var userIDs []string
	for _, sender := range r.s.Senders {
		if sender.Domain == domain && sender.UserID != "" {
			userIDs = append(userIDs, sender.UserID)
		}
	}
	userIDs = utils.UniqueStrings(userIDs)
	sort.Strings(userIDs)
	return userIDs, nil
}

func (r *senderRepository) ReserveQuota(ctx context.Context, id string, want int, day time.Time) (int, error) {
	if id == "" || want <= 0 {
		return 0, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sender, ok := r.s.Senders[id]
	if !ok {
		return 0, repository.ErrSenderNotFound
	}
	quotaDay := utils.StartOfDay(day)
	granted := min(want, sender.RemainingQuota(quotaDay))
	if granted <= 0 {
		return 0, nil
	}
	used := sender.SentToday
	if sender.QuotaDate == nil || !utils.StartOfDay(*sender.QuotaDate).Equal(quotaDay) {
		used = 0
	}
	sender.SentToday = used + granted
	sender.QuotaDate = &quotaDay
	return granted, nil
}

func (r *senderRepository) ReleaseQuota(ctx context.Context, id string, n int, day time.Time) error {
	if n <= 0 {
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sender, ok := r.s.Senders[id]
	if !ok || sender.QuotaDate == nil || !utils.StartOfDay(*sender.QuotaDate).Equal(utils.StartOfDay(day)) {
		return nil
	}
	sender.SentToday = max(sender.SentToday-n, 0)
	return nil
}

func (r *senderRepository) UpdateDailyLimit(ctx context.Context, id string, limit int) error {
	if limit < 0 {
		return repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sender, ok := r.s.Senders[id]
	if !ok {
		return repository.ErrSenderNotFound
	}
	sender.DailyLimit = limit
	sender.UpdatedAt = utils.Now()
	return nil
}

func (r *senderRepository) ResetDailyQuotas(ctx context.Context, day time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	quotaDay := utils.StartOfDay(day)
	var reset int64
	for _, sender := range r.s.Senders {
		if sender.QuotaDate == nil || sender.QuotaDate.Before(quotaDay) {
			sender.SentToday = 0
			sender.QuotaDate = &quotaDay
			reset++
		}
	}
	return reset, nil
}

type suppressionRepository struct{ s *Store }

func (r *suppressionRepository) Get(ctx context.Context, email string) (*models.SuppressionEntry, error) {
	return r.s.Suppression(utils.NormalizeEmail(email)), nil
}

func (r *suppressionRepository) IsSuppressed(ctx context.Context, email string) (bool, error) {
	entry := r.s.Suppression(utils.NormalizeEmail(email))
	return entry != nil && entry.Status == enum.SuppressionStatusActive, nil
}

func (r *suppressionRepository) FilterSuppressed(ctx context.Context, emails []string) (map[string]bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	suppressed := map[string]bool{}
	for _, email := range emails {
		email = utils.NormalizeEmail(email)
		if entry, ok := r.s.Suppressions[email]; ok && entry.Status == enum.SuppressionStatusActive {
			suppressed[email] = true
		}
	}
	return suppressed, nil
}

func (r *suppressionRepository) Upsert(ctx context.Context, entry *models.SuppressionEntry) error {
	if entry == nil || entry.Email == "" {
		return repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.upsertLocked(entry)
	return nil
}

func (r *suppressionRepository) UpsertMany(ctx context.Context, entries []models.SuppressionEntry) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range entries {
		r.upsertLocked(&entries[i])
	}
	return int64(len(entries)), nil
}

func (r *suppressionRepository) upsertLocked(entry *models.SuppressionEntry) {
	entry.Email = utils.NormalizeEmail(entry.Email)
	entry.Status = enum.SuppressionStatusActive
	entry.AddedAt = utils.Now()
	entry.RemovedAt = nil

	if existing, ok := r.s.Suppressions[entry.Email]; ok {
		entry.ID = existing.ID
	} else if entry.ID == "" {
		entry.ID = r.s.nextID("supp")
	}
	copied := *entry
	r.s.Suppressions[entry.Email] = &copied
}

func (r *suppressionRepository) Remove(ctx context.Context, email string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	entry, ok := r.s.Suppressions[utils.NormalizeEmail(email)]
	if !ok || entry.Status != enum.SuppressionStatusActive {
		return false, nil
	}
	entry.Status = enum.SuppressionStatusRemoved
	entry.RemovedAt = utils.NowPtr()
	return true, nil
}

type trackingRepository struct{ s *Store }

func (r *trackingRepository) GetOrCreate(ctx context.Context, campaignID, email, senderID string) (*models.RecipientTrackingRecord, error) {
	if campaignID == "" || email == "" {
		return nil, repository.ErrInvalidInput
	}
	email = utils.NormalizeEmail(email)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, record := range r.s.Tracking {
		if record.CampaignID == campaignID && record.RecipientEmail == email {
			copied := *record
			return &copied, nil
		}
	}
	record := &models.RecipientTrackingRecord{
		ID:             r.s.nextID("trk"),
		TrackingID:     r.s.nextID("tid"),
		CampaignID:     campaignID,
		RecipientEmail: email,
		SenderID:       senderID,
		CreatedAt:      utils.Now(),
	}
	r.s.Tracking[record.TrackingID] = record
	copied := *record
	return &copied, nil
}

func (r *trackingRepository) GetByTrackingID(ctx context.Context, trackingID string) (*models.RecipientTrackingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record, ok := r.s.Tracking[trackingID]
	if !ok {
		return nil, repository.ErrTrackingRecordNotFound
	}
	copied := *record
	return &copied, nil
}

func (r *trackingRepository) GetLatestByEmail(ctx context.Context, email string) (*models.RecipientTrackingRecord, error) {
	records := r.s.TrackingByEmail(utils.NormalizeEmail(email))
	if len(records) == 0 {
		return nil, repository.ErrTrackingRecordNotFound
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].SentAt, records[j].SentAt
		switch {
		case a != nil && b != nil:
			return a.After(*b)
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return &records[0], nil
}

func (r *trackingRepository) update(trackingID string, apply func(record *models.RecipientTrackingRecord)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record, ok := r.s.Tracking[trackingID]
	if !ok {
		return repository.ErrTrackingRecordNotFound
	}
	apply(record)
	record.UpdatedAt = utils.Now()
	return nil
}

func (r *trackingRepository) ClaimSend(ctx context.Context, trackingID string, ttl time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record, ok := r.s.Tracking[trackingID]
	if !ok || record.SentAt != nil {
		return false, nil
	}
	now := utils.Now()
	if record.SendingAt != nil && record.SendingAt.After(now.Add(-ttl)) {
		return false, nil
	}
	record.SendingAt = &now
	return true, nil
}

func (r *trackingRepository) MarkSent(ctx context.Context, trackingID string) error {
	return r.update(trackingID, func(record *models.RecipientTrackingRecord) {
		record.SentAt = utils.NowPtr()
		record.SendingAt = nil
		record.FailedAt = nil
		record.FailureReason = ""
	})
}

func (r *trackingRepository) MarkFailed(ctx context.Context, trackingID, reason string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record, ok := r.s.Tracking[trackingID]
	if !ok || record.SentAt != nil {
		return false, nil
	}
	record.FailedAt = utils.NowPtr()
	record.FailureReason = reason
	record.SendingAt = nil
	return true, nil
}

func (r *trackingRepository) MarkOpened(ctx context.Context, trackingID string) (bool, error) {
	err := r.update(trackingID, func(record *models.RecipientTrackingRecord) {
		if record.OpenedAt == nil {
			record.OpenedAt = utils.NowPtr()
		}
		record.OpenCount++
	})
	if err == repository.ErrTrackingRecordNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r *trackingRepository) MarkBounced(ctx context.Context, trackingID string, kind enum.BounceKind) error {
	return r.update(trackingID, func(record *models.RecipientTrackingRecord) {
		if record.BouncedAt == nil {
			record.BouncedAt = utils.NowPtr()
		}
		record.BounceType = kind
	})
}

func (r *trackingRepository) MarkComplained(ctx context.Context, trackingID string, feedbackLoop bool) error {
	return r.update(trackingID, func(record *models.RecipientTrackingRecord) {
		if record.ComplainedAt == nil {
			record.ComplainedAt = utils.NowPtr()
		}
		record.FeedbackLoop = record.FeedbackLoop || feedbackLoop
	})
}

func (r *trackingRepository) RecordSoftBounce(ctx context.Context, trackingID string) error {
	return r.update(trackingID, func(record *models.RecipientTrackingRecord) {
		record.SoftBounceCount++
		record.LastSoftBounceAt = utils.NowPtr()
	})
}

func (r *trackingRepository) RegisterLinks(ctx context.Context, trackingID string, links map[string]string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for linkID, url := range links {
		key := trackingID + "|" + linkID
		if _, ok := r.s.Clicks[key]; ok {
			continue
		}
		r.s.Clicks[key] = &models.ClickRecord{
			TrackingID:  trackingID,
			LinkID:      linkID,
			OriginalURL: url,
			CreatedAt:   utils.Now(),
		}
	}
	return nil
}

func (r *trackingRepository) RecordClick(ctx context.Context, trackingID, linkID string) (*models.ClickRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	click, ok := r.s.Clicks[trackingID+"|"+linkID]
	if !ok {
		return nil, repository.ErrClickNotFound
	}
	click.ClickedAt = utils.NowPtr()
	click.ClickCount++
	copied := *click
	return &copied, nil
}

func (r *trackingRepository) SenderStats(ctx context.Context, since time.Time) ([]models.SenderDeliveryStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	bySender := map[string]*models.SenderDeliveryStats{}
	for _, record := range r.s.Tracking {
		if record.SenderID == "" || record.SentAt == nil || record.SentAt.Before(since) {
			continue
		}
		stats, ok := bySender[record.SenderID]
		if !ok {
			stats = &models.SenderDeliveryStats{SenderID: record.SenderID}
			bySender[record.SenderID] = stats
		}
		stats.Sent++
		if record.BounceType == enum.BounceKindHard {
			stats.HardBounces++
		}
		stats.SoftBounces += int64(record.SoftBounceCount)
		if record.ComplainedAt != nil {
			stats.Complaints++
		}
		if record.FeedbackLoop {
			stats.FeedbackLoop++
		}
	}
	result := make([]models.SenderDeliveryStats, 0, len(bySender))
	for _, stats := range bySender {
		result = append(result, *stats)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SenderID < result[j].SenderID })
	return result, nil
}

// Clicks returns the stored click rows for a tracking id.
func (s *Store) ClicksFor(trackingID string) []models.ClickRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var clicks []models.ClickRecord
	for _, click := range s.Clicks {
		if click.TrackingID == trackingID {
			clicks = append(clicks, *click)
		}
	}
	return clicks
}

type trainingConfigRepository struct{ s *Store }

func (r *trainingConfigRepository) GetOrCreateGlobal(ctx context.Context) (*models.TrainingConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cfg, ok := r.s.TrainingConfigs[models.TrainingScopeGlobal]
	if !ok {
		cfg = &models.TrainingConfig{
			ID:                       r.s.nextID("tcfg"),
			Scope:                    models.TrainingScopeGlobal,
			Mode:                     enum.TrainingModeAutomatic,
			ManualTrainingPercentage: 10,
			AnalysisIntervalHours:    24,
		}
		r.s.TrainingConfigs[cfg.Scope] = cfg
	}
	copied := *cfg
	return &copied, nil
}

func (r *trainingConfigRepository) GetByScope(ctx context.Context, scope string) (*models.TrainingConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cfg, ok := r.s.TrainingConfigs[scope]
	if !ok {
		return nil, repository.ErrTrainingConfigNotFound
	}
	copied := *cfg
	return &copied, nil
}

func (r *trainingConfigRepository) Save(ctx context.Context, cfg *models.TrainingConfig) error {
	if cfg == nil || cfg.Scope == "" {
		return repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = r.s.nextID("tcfg")
	}
	copied := *cfg
	r.s.TrainingConfigs[cfg.Scope] = &copied
	return nil
}

func (r *trainingConfigRepository) DomainCeilings(ctx context.Context) (map[string]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ceilings := map[string]int{}
	for scope, cfg := range r.s.TrainingConfigs {
		if scope != models.TrainingScopeGlobal && cfg.DailyLimit > 0 {
			ceilings[scope] = cfg.DailyLimit
		}
	}
	return ceilings, nil
}

func (r *trainingConfigRepository) ClaimDue(ctx context.Context, id string, mode enum.TrainingMode, now time.Time, interval time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, cfg := range r.s.TrainingConfigs {
		if cfg.ID != id {
			continue
		}
		last := cfg.LastRun(mode)
		if last != nil && last.After(now.Add(-interval)) {
			return false, nil
		}
		stamp := now
		if mode == enum.TrainingModeManual {
			cfg.LastManualTrainingAt = &stamp
		} else {
			cfg.LastAnalysis = &stamp
		}
		return true, nil
	}
	return false, nil
}

type reputationRepository struct{ s *Store }

func (r *reputationRepository) Create(ctx context.Context, reputation *models.SenderReputation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.Reputations = append(r.s.Reputations, *reputation)
	return nil
}

type bounceCredentialRepository struct{ s *Store }

func (r *bounceCredentialRepository) Create(ctx context.Context, credential *models.BounceCredential) error {
	if credential.Domain != "" && credential.IsDefault {
		return repository.ErrDomainCredentialDefault
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if credential.ID == "" {
		credential.ID = r.s.nextID("bcrd")
	}
	if credential.IsDefault {
		for _, existing := range r.s.Credentials {
			if existing.UserID == credential.UserID && existing.Domain == "" {
				existing.IsDefault = false
			}
		}
	}
	copied := *credential
	r.s.Credentials = append(r.s.Credentials, &copied)
	return nil
}

func (r *bounceCredentialRepository) GetActiveForDomain(ctx context.Context, domain string) (*models.BounceCredential, error) {
	if domain == "" {
		return nil, repository.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.Credentials) - 1; i >= 0; i-- {
		c := r.s.Credentials[i]
		if c.Domain == domain && c.IsActive {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *bounceCredentialRepository) GetDefaultForUser(ctx context.Context, userID string) (*models.BounceCredential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.Credentials {
		if c.UserID == userID && c.Domain == "" && c.IsDefault && c.IsActive {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *bounceCredentialRepository) ListDomains(ctx context.Context) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var domains []string
	for _, c := range r.s.Credentials {
		if c.Domain != "" && c.IsActive {
			domains = append(domains, c.Domain)
		}
	}
	domains = utils.UniqueStrings(domains)
	sort.Strings(domains)
	return domains, nil
}
