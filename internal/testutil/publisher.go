package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/utils"
)

type PublishedTask struct {
	Queue      string
	EntityId   string
	EntityType enum.EntityType
	Data       interface{}
	Delay      time.Duration
	Tenant     string
}

// Publisher records published tasks instead of sending them.
type Publisher struct {
	mu       sync.Mutex
	Tasks    []PublishedTask
	Statuses []dto.CampaignStatusChanged
	// Fail, when set, decides whether a publish to queue fails.
	Fail func(queue string, data interface{}) error
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) PublishTask(ctx context.Context, queue string, entityId string, entityType enum.EntityType, data interface{}, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		if err := p.Fail(queue, data); err != nil {
			return err
		}
	}
	p.Tasks = append(p.Tasks, PublishedTask{
		Queue:      queue,
		EntityId:   entityId,
		EntityType: entityType,
		Data:       data,
		Delay:      delay,
		Tenant:     utils.GetTenantFromContext(ctx),
	})
	return nil
}

func (p *Publisher) RepublishTask(ctx context.Context, queue string, task dto.Task, delay time.Duration) error {
	return p.PublishTask(ctx, queue, task.Task.EntityId, task.Task.EntityType, task.Task.Data, delay)
}

func (p *Publisher) PublishCampaignStatusChanged(ctx context.Context, event dto.CampaignStatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Statuses = append(p.Statuses, event)
	return nil
}

func (p *Publisher) Close() error {
	return nil
}

// TasksFor returns the tasks published to queue, in order.
func (p *Publisher) TasksFor(queue string) []PublishedTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	var tasks []PublishedTask
	for _, t := range p.Tasks {
		if t.Queue == queue {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Tasks = nil
	p.Statuses = nil
}

// Locker is an in-process lock table.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocker() *Locker {
	return &Locker{held: map[string]bool{}}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return func() {}, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}
