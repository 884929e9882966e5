package enum

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusStopped   CampaignStatus = "stopped"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

func (s CampaignStatus) String() string {
	return string(s)
}

func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed || s == CampaignStatusStopped
}

type RecipientStatus string

const (
	RecipientStatusPending    RecipientStatus = "pending"
	RecipientStatusQueued     RecipientStatus = "queued"
	RecipientStatusSent       RecipientStatus = "sent"
	RecipientStatusFailed     RecipientStatus = "failed"
	RecipientStatusSuppressed RecipientStatus = "suppressed"
)

func (s RecipientStatus) String() string {
	return string(s)
}

// CampaignFailureMode selects how final send failures escalate to the campaign.
type CampaignFailureMode string

const (
	CampaignFailureModeAny       CampaignFailureMode = "any"
	CampaignFailureModeThreshold CampaignFailureMode = "threshold"
)
