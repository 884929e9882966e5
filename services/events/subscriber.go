package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"

	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/metrics"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

type SubscriberConfig struct {
	Prefetch            int
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

type RabbitMQSubscriber struct {
	connection      *amqp091.Connection
	connectionMutex sync.Mutex
	url             string
	logger          logger.Logger
	config          SubscriberConfig
	publisher       interfaces.TaskPublisher
	listeners       map[string]interfaces.EventListener
	listenerMutex   sync.RWMutex
	done            chan struct{}
}

func NewRabbitMQSubscriber(rabbitmqURL string, logger logger.Logger, publisher interfaces.TaskPublisher, config *SubscriberConfig) (*RabbitMQSubscriber, error) {
	if config == nil {
		config = &SubscriberConfig{
			Prefetch:            10,
			ReconnectBackoff:    time.Second,
			MaxReconnectBackoff: time.Second * 30,
		}
	}

	subscriber := &RabbitMQSubscriber{
		url:       rabbitmqURL,
		logger:    logger,
		config:    *config,
		publisher: publisher,
		listeners: make(map[string]interfaces.EventListener),
		done:      make(chan struct{}),
	}

	err := subscriber.connect()
	if err != nil {
		return nil, err
	}

	return subscriber, nil
}

func (r *RabbitMQSubscriber) RegisterListener(listener interfaces.EventListener) {
	r.listenerMutex.Lock()
	defer r.listenerMutex.Unlock()

	eventType := listener.GetEventType()
	r.listeners[eventType] = listener
	r.logger.Infof("Registered listener for task type: %s on queue: %s",
		eventType, listener.GetQueueName())
}

// ListenQueue starts consuming queueName in the background, re-subscribing
// after connection loss.
func (r *RabbitMQSubscriber) ListenQueue(queueName string) error {
	go func() {
		for {
			select {
			case <-r.done:
				return
			default:
			}

			if err := r.consume(queueName); err != nil {
				r.logger.Errorf("Consumer on queue %s stopped: %v. Retrying...", queueName, err)
			} else {
				r.logger.Warnf("Connection lost for queue %s. Reconnecting...", queueName)
			}
			time.Sleep(5 * time.Second)
		}
	}()

	return nil
}

func (r *RabbitMQSubscriber) consume(queueName string) error {
	r.connectionMutex.Lock()
	connection := r.connection
	r.connectionMutex.Unlock()

	if connection == nil || connection.IsClosed() {
		return errors.New("no open connection")
	}

	channel, err := connection.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open channel")
	}
	defer channel.Close()

	if err := channel.Qos(r.config.Prefetch, 0, false); err != nil {
		return errors.Wrap(err, "failed to set qos")
	}

	msgs, err := channel.Consume(
		queueName, // queue
		"",        // consumer tag
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return errors.Wrap(err, "failed to register consumer")
	}

	r.logger.Infof("Listening for messages on queue %s", queueName)

	var wg sync.WaitGroup
	for d := range msgs {
		wg.Add(1)
		go func(d amqp091.Delivery) {
			defer wg.Done()
			r.handleMessage(d, queueName)
		}(d)
	}
	wg.Wait()
	return nil
}

func (r *RabbitMQSubscriber) handleMessage(d amqp091.Delivery, queueName string) {
	defer tracing.RecoverAndLogToJaeger(r.logger)

	var task dto.Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		r.logger.Errorf("Failed to unmarshal message on queue %s: %v", queueName, err)
		metrics.TasksProcessed.WithLabelValues(queueName, "malformed").Inc()
		r.retryAckNack(d, false)
		return
	}

	r.listenerMutex.RLock()
	listener, exists := r.listeners[task.Task.TaskType]
	r.listenerMutex.RUnlock()

	if !exists {
		r.logger.Infof("No listener found for task type: %s on queue: %s", task.Task.TaskType, queueName)
		r.retryAckNack(d, true)
		return
	}

	if listener.GetQueueName() != queueName {
		r.logger.Warnf("Task type %s received on wrong queue. Expected %s, got %s",
			task.Task.TaskType, listener.GetQueueName(), queueName)
		r.retryAckNack(d, true)
		return
	}

	ctx := utils.WithCustomContext(context.Background(), &utils.CustomContext{
		AppSource: task.Metadata.AppSource,
		Tenant:    task.Task.Tenant,
		UserId:    task.Metadata.UserId,
	})
	ctx, span := tracing.StartRabbitMQMessageTracerSpanWithHeader(ctx, "RabbitMQSubscriber.ProcessMessage", task.Metadata.UberTraceId)
	defer span.Finish()
	span.LogKV("task_type", task.Task.TaskType, "queue_name", queueName, "attempt", task.Task.Attempt)

	policy := listener.RetryPolicy()
	err := runWithTimeout(ctx, policy.Timeout, func(ctx context.Context) error {
		return listener.Handle(ctx, task)
	})

	action, delay := DecideRetry(err, task.Task.Attempt, policy)
	span.LogKV("result.action", action.String())
	metrics.TasksProcessed.WithLabelValues(queueName, action.String()).Inc()

	switch action {
	case ActionAck:
		r.retryAckNack(d, true)
	case ActionRetry:
		tracing.TraceErr(span, err)
		r.logger.Warnf("Task %s on queue %s failed (attempt %d), retrying in %v: %v",
			task.Task.Id, queueName, task.Task.Attempt, delay, err)
		next := task
		next.Task.Attempt++
		if pubErr := r.publisher.RepublishTask(ctx, queueName, next, delay); pubErr != nil {
			tracing.TraceErr(span, pubErr)
			r.logger.Errorf("Failed to reschedule task %s: %v", task.Task.Id, pubErr)
			r.requeue(d)
			return
		}
		r.retryAckNack(d, true)
	case ActionExhausted:
		tracing.TraceErr(span, err)
		listener.OnExhausted(ctx, task, err)
		r.retryAckNack(d, false)
	}
}

// runWithTimeout gives the handler its own deadline and stops waiting for it
// once the deadline passes.
func runWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- fn(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "task timed out")
	}
}

func (r *RabbitMQSubscriber) connect() error {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()

	var err error
	r.connection, err = amqp091.Dial(r.url)
	if err != nil {
		return errors.Wrap(err, "Failed to connect to RabbitMQ")
	}

	connection := r.connection
	go func() {
		notifyClose := connection.NotifyClose(make(chan *amqp091.Error, 1))
		<-notifyClose
		select {
		case <-r.done:
			return
		default:
		}
		r.logger.Warn("RabbitMQ connection closed, attempting to reconnect")
		boff := newReconnectBackoff(r.config.ReconnectBackoff, r.config.MaxReconnectBackoff)
		for {
			err := r.connect()
			if err == nil {
				r.logger.Info("Subscriber reconnected to RabbitMQ")
				return
			}
			wait := boff.Duration()
			r.logger.Errorf("Failed to reconnect subscriber: %v, retrying in %v", err, wait)
			time.Sleep(wait)
		}
	}()

	return nil
}

func (r *RabbitMQSubscriber) requeue(d amqp091.Delivery) {
	if err := d.Nack(false, true); err != nil {
		r.logger.Errorf("Failed to requeue message: %v", err)
	}
}

func (r *RabbitMQSubscriber) retryAckNack(d amqp091.Delivery, ack bool) {
	maxRetries := 5
	retryDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		var err error
		if ack {
			err = d.Ack(false)
		} else {
			err = d.Nack(false, false)
		}

		if err == nil {
			return
		}

		time.Sleep(retryDelay)
	}

	r.logger.Errorf("Failed to %s message after %d attempts",
		map[bool]string{true: "acknowledge", false: "negative acknowledge"}[ack],
		maxRetries)
}

func (r *RabbitMQSubscriber) Close() error {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()

	select {
	case <-r.done:
	default:
		close(r.done)
	}

	if r.connection != nil && !r.connection.IsClosed() {
		return r.connection.Close()
	}
	return nil
}
