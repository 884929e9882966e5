package enum

type SenderProvider string

const (
	SenderProviderGmail     SenderProvider = "gmail"
	SenderProviderYahoo     SenderProvider = "yahoo"
	SenderProviderMicrosoft SenderProvider = "microsoft"
	SenderProviderOther     SenderProvider = "other"
)

func (p SenderProvider) String() string {
	return string(p)
}

type TrainingMode string

const (
	TrainingModeAutomatic TrainingMode = "automatic"
	TrainingModeManual    TrainingMode = "manual"
)

func (m TrainingMode) String() string {
	return string(m)
}

func (m TrainingMode) IsValid() bool {
	return m == TrainingModeAutomatic || m == TrainingModeManual
}

type ReputationTier string

const (
	ReputationExcellent        ReputationTier = "excellent"
	ReputationGood             ReputationTier = "good"
	ReputationFair             ReputationTier = "fair"
	ReputationPoor             ReputationTier = "poor"
	ReputationInsufficientData ReputationTier = "insufficient_data"
)
