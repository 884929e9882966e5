package events

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/tracing"
)

// Retry schedules per queue.
var (
	EmailsRetryPolicy = interfaces.RetryPolicy{
		Backoff: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		Timeout: 60 * time.Second,
	}
	CampaignsRetryPolicy = interfaces.RetryPolicy{
		Backoff: []time.Duration{60 * time.Second, 180 * time.Second, 360 * time.Second},
		Timeout: 300 * time.Second,
	}
	BouncesRetryPolicy = interfaces.RetryPolicy{
		Backoff: []time.Duration{60 * time.Second, 60 * time.Second, 60 * time.Second},
		Timeout: 300 * time.Second,
	}
)

// BaseEventListener provides common functionality for all listeners
type BaseEventListener struct {
	logger      logger.Logger
	eventType   string
	queueName   string
	retryPolicy interfaces.RetryPolicy
}

func NewBaseEventListener(logger logger.Logger, eventType, queueName string, retryPolicy interfaces.RetryPolicy) BaseEventListener {
	return BaseEventListener{
		logger:      logger,
		eventType:   eventType,
		queueName:   queueName,
		retryPolicy: retryPolicy,
	}
}

func (b BaseEventListener) GetEventType() string {
	return b.eventType
}

func (b BaseEventListener) GetQueueName() string {
	return b.queueName
}

func (b BaseEventListener) RetryPolicy() interfaces.RetryPolicy {
	return b.retryPolicy
}

func (b BaseEventListener) Logger() logger.Logger {
	return b.logger
}

// OnExhausted only logs; listeners with a failure side effect override it.
func (b BaseEventListener) OnExhausted(ctx context.Context, task dto.Task, cause error) {
	b.logger.Errorf("Task %s (%s) for %s exhausted after attempt %d: %v",
		task.Task.Id, task.Task.TaskType, task.Task.EntityId, task.Task.Attempt, cause)
}

func (b BaseEventListener) ValidateBaseTask(ctx context.Context, input any) (*dto.Task, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Events.ValidateTask")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)

	message, ok := input.(dto.Task)
	if !ok {
		err := errors.New("unable to cast to task type")
		tracing.TraceErr(span, err)
		return nil, err
	}

	if message.Task.Data == nil {
		err := errors.New("task data is nil")
		tracing.TraceErr(span, err)
		return nil, err
	}

	if message.Task.EntityId == "" {
		err := errors.New("entity id is empty")
		tracing.TraceErr(span, err)
		return nil, err
	}

	if message.Task.TaskType == "" {
		err := errors.New("task type is empty")
		tracing.TraceErr(span, err)
		return nil, err
	}

	return &message, nil
}

func DecodeTaskData[T any](ctx context.Context, task *dto.Task) (T, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Listener.DecodeTaskData")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)

	var decoded T

	jsonBytes, err := json.Marshal(task.Task.Data)
	if err != nil {
		tracing.TraceErr(span, err)
		return decoded, err
	}

	err = json.Unmarshal(jsonBytes, &decoded)
	if err != nil {
		tracing.TraceErr(span, err)
		return decoded, err
	}

	return decoded, nil
}

func GetTaskType[T any]() string {
	var t T
	taskType := reflect.TypeOf(t)
	if taskType.Kind() == reflect.Ptr {
		taskType = taskType.Elem()
	}
	return taskType.Name()
}
