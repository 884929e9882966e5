package dto

import "github.com/customeros/mailblast/internal/enum"

type Task struct {
	Task     TaskDetails  `json:"task"`
	Metadata TaskMetadata `json:"metadata"`
}

type TaskDetails struct {
	Id         string          `json:"id"`
	Tenant     string          `json:"tenant"`
	EntityId   string          `json:"entityId"`
	EntityType enum.EntityType `json:"entityType"`
	TaskType   string          `json:"taskType"`
	Attempt    int             `json:"attempt"`
	Data       interface{}     `json:"data"`
}

type TaskMetadata struct {
	UberTraceId string `json:"uber-trace-id"`
	AppSource   string `json:"appSource"`
	UserId      string `json:"userId"`
	Timestamp   string `json:"timestamp"`
}

type CampaignStatusChanged struct {
	CampaignId     string              `json:"campaignId"`
	Name           string              `json:"name"`
	Status         enum.CampaignStatus `json:"status"`
	TotalSent      int                 `json:"totalSent"`
	TotalFailed    int                 `json:"totalFailed"`
	RecipientCount int                 `json:"recipientCount"`
	OwnerId        string              `json:"ownerId"`
	Reason         string              `json:"reason,omitempty"`
}
