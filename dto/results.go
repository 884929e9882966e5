package dto

import "github.com/customeros/mailblast/internal/enum"

type BatchResult struct {
	EmailsSent          int   `json:"emailsSent"`
	EmailsFailed        int   `json:"emailsFailed"`
	RemainingRecipients int64 `json:"remainingRecipients"`
	ProcessingTimeMs    int64 `json:"processingTimeMs"`
	Deferred            int   `json:"deferred"`
	Suppressed          int   `json:"suppressed"`
	Completed           bool  `json:"completed"`
}

type DomainBounceResult struct {
	Domain      string   `json:"domain"`
	Processed   int      `json:"processed"`
	Suppressed  int      `json:"suppressed"`
	SoftBounces int      `json:"softBounces"`
	Complaints  int      `json:"complaints"`
	Errors      []string `json:"errors,omitempty"`
	// SharedWith lists the other domains whose bounces land in the same mailbox.
	SharedWith []string `json:"sharedWith,omitempty"`
	// ProcessedVia names the domain whose result holds this domain's counts
	// when its mailbox is shared.
	ProcessedVia string `json:"processedVia,omitempty"`
	// Skipped is set when another run held the mailbox.
	Skipped bool `json:"skipped,omitempty"`
}

type TrainingResult struct {
	Mode              enum.TrainingMode `json:"mode"`
	Skipped           bool              `json:"skipped"`
	SendersUpdated    int               `json:"sendersUpdated"`
	PercentageApplied int               `json:"percentageApplied,omitempty"`
	Analysis          []SenderAnalysis  `json:"analysis,omitempty"`
}

type SenderAnalysis struct {
	SenderId      string              `json:"senderId"`
	Sent          int64               `json:"sent"`
	BounceRate    float64             `json:"bounceRate"`
	ComplaintRate float64             `json:"complaintRate"`
	Score         float64             `json:"score"`
	Tier          enum.ReputationTier `json:"tier"`
	PreviousLimit int                 `json:"previousLimit"`
	NewLimit      int                 `json:"newLimit"`
	Decision      string              `json:"decision"`
}
