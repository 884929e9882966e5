package dto

type SuppressionRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Reason string `json:"reason" validate:"required,oneof=bounce complaint unsubscribe manual"`
	Source string `json:"source"`
}

type SuppressionImportRow struct {
	Line   int
	Email  string
	Reason string
	Source string
}

type BulkImportResult struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

type AddRecipientsRequest struct {
	Recipients []RecipientInput `json:"recipients" validate:"required,min=1,dive"`
}

type RecipientInput struct {
	Email    string            `json:"email" validate:"required"`
	SenderId string            `json:"senderId"`
	Data     map[string]string `json:"data"`
}

type OperationRequest struct {
	CampaignId string `json:"campaignId"`
	Domain     string `json:"domain"`
	Mode       string `json:"mode"`
	BatchSize  int    `json:"batchSize"`
}

type BounceCredentialRequest struct {
	UserId     string `json:"userId"`
	Tenant     string `json:"tenant"`
	Domain     string `json:"domain"`
	Protocol   string `json:"protocol"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Encryption string `json:"encryption"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Folder     string `json:"folder"`
	IsDefault  bool   `json:"isDefault"`
}
