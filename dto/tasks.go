package dto

type ProcessCampaignBatch struct {
	CampaignId string `json:"campaignId"`
	BatchSize  int    `json:"batchSize"`
	Token      string `json:"token"`
}

type SendEmail struct {
	CampaignId  string `json:"campaignId"`
	RecipientId string `json:"recipientId"`
	SenderId    string `json:"senderId"`
}

type ProcessDomainBounces struct {
	Domain string `json:"domain"`
}
