package interfaces

import (
	"context"
	"time"

	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/internal/enum"
)

type TaskPublisher interface {
	PublishTask(ctx context.Context, queue string, entityId string, entityType enum.EntityType, data interface{}, delay time.Duration) error
	RepublishTask(ctx context.Context, queue string, task dto.Task, delay time.Duration) error
	PublishCampaignStatusChanged(ctx context.Context, event dto.CampaignStatusChanged) error
	Close() error
}

// RetryPolicy describes how a failed task is rescheduled.
type RetryPolicy struct {
	Backoff []time.Duration
	Timeout time.Duration
}

func (p RetryPolicy) MaxRetries() int {
	return len(p.Backoff)
}

type EventListener interface {
	Handle(ctx context.Context, task any) error
	GetEventType() string
	GetQueueName() string
	RetryPolicy() RetryPolicy
	// OnExhausted runs once a task will no longer be retried.
	OnExhausted(ctx context.Context, task dto.Task, cause error)
}

type EventSubscriber interface {
	RegisterListener(listener EventListener)
	ListenQueue(queueName string) error
	Close() error
}
