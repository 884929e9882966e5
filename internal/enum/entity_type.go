package enum

type EntityType string

const (
	CAMPAIGN           EntityType = "CAMPAIGN"
	CAMPAIGN_RECIPIENT EntityType = "CAMPAIGN_RECIPIENT"
	SENDER             EntityType = "SENDER"
	DOMAIN             EntityType = "DOMAIN"
	TRAINING           EntityType = "TRAINING"
)

func (entityType EntityType) String() string {
	return string(entityType)
}
