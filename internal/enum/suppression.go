package enum

type SuppressionReason string

const (
	SuppressionReasonBounce      SuppressionReason = "bounce"
	SuppressionReasonComplaint   SuppressionReason = "complaint"
	SuppressionReasonUnsubscribe SuppressionReason = "unsubscribe"
	SuppressionReasonManual      SuppressionReason = "manual"
)

func (r SuppressionReason) String() string {
	return string(r)
}

func (r SuppressionReason) IsValid() bool {
	switch r {
	case SuppressionReasonBounce, SuppressionReasonComplaint, SuppressionReasonUnsubscribe, SuppressionReasonManual:
		return true
	}
	return false
}

type SuppressionStatus string

const (
	SuppressionStatusActive  SuppressionStatus = "active"
	SuppressionStatusRemoved SuppressionStatus = "removed"
)

const (
	SuppressionSourceUnsubscribeLink = "unsubscribe-link"
	SuppressionSourceImport          = "import"
	SuppressionSourceAPI             = "api"
	SuppressionSourceSendWorker      = "send-worker"
)
