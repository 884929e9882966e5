package events

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"

	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

const (
	// Exchange names
	ExchangeTasks         = "mailblast-tasks"
	ExchangeNotifications = "notifications"
	ExchangeDeadLetter    = "dead-letter"

	// queues
	QueueEmails        = "emails"
	QueueCampaigns     = "campaigns"
	QueueBounces       = "bounces"
	QueueDefault       = "default"
	QueueNotifications = "notifications"

	// Default configurations
	DefaultMessageTTL          = 240 * time.Hour // after TTL message moves to DLQ
	DefaultMaxRetries          = 3
	DefaultPublishTimeout      = 5 * time.Second
	DefaultReconnectBackoff    = time.Second
	DefaultMaxReconnectBackoff = 30 * time.Second
)

// TaskQueues are the work queues bound to the tasks exchange, routed by name.
var TaskQueues = []string{QueueEmails, QueueCampaigns, QueueBounces, QueueDefault}

func DLQName(queue string) string {
	return queue + "-dlq"
}

func DelayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s-delay-%d", queue, delay.Milliseconds())
}

type PublisherConfig struct {
	MessageTTL          time.Duration
	MaxRetries          int
	PublishTimeout      time.Duration
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

type RabbitMQPublisher struct {
	connection      *amqp091.Connection
	connectionMutex sync.Mutex
	publishChannel  *amqp091.Channel
	publishMutex    sync.Mutex
	url             string
	logger          logger.Logger
	confirms        chan amqp091.Confirmation
	returns         chan amqp091.Return
	config          PublisherConfig
	delayQueues     map[string]bool
	closed          bool
}

func NewRabbitMQPublisher(rabbitmqURL string, logger logger.Logger, config *PublisherConfig) (*RabbitMQPublisher, error) {
	if config == nil {
		config = &PublisherConfig{
			MessageTTL:          DefaultMessageTTL,
			MaxRetries:          DefaultMaxRetries,
			PublishTimeout:      DefaultPublishTimeout,
			ReconnectBackoff:    DefaultReconnectBackoff,
			MaxReconnectBackoff: DefaultMaxReconnectBackoff,
		}
	}

	publisher := &RabbitMQPublisher{
		url:         rabbitmqURL,
		logger:      logger,
		config:      *config,
		delayQueues: make(map[string]bool),
	}

	err := publisher.connect()
	if err != nil {
		return nil, err
	}
	go publisher.handleReconnection()

	return publisher, nil
}

// PublishTask wraps data into a task envelope and routes it to queue,
// optionally through a delay queue.
func (r *RabbitMQPublisher) PublishTask(ctx context.Context, queue string, entityId string, entityType enum.EntityType, data interface{}, delay time.Duration) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RabbitMQPublisher.PublishTask")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagEntity(span, entityId)
	span.LogKV("queue", queue, "delay", delay.String())

	tracingData := tracing.ExtractTextMapCarrier(span.Context())

	task := dto.Task{
		Task: dto.TaskDetails{
			Id:         utils.GenerateNanoIDWithPrefix("task", 21),
			Tenant:     utils.GetTenantFromContext(ctx),
			EntityId:   entityId,
			EntityType: entityType,
			TaskType:   taskTypeName(data),
			Data:       data,
		},
		Metadata: dto.TaskMetadata{
			UberTraceId: tracingData["uber-trace-id"],
			AppSource:   utils.GetAppSourceFromContext(ctx),
			UserId:      utils.GetUserIdFromContext(ctx),
			Timestamp:   utils.Now().Format(time.RFC3339),
		},
	}

	err := r.publishToQueue(ctx, task, queue, delay)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// RepublishTask sends an existing task again, keeping its id and attempt.
func (r *RabbitMQPublisher) RepublishTask(ctx context.Context, queue string, task dto.Task, delay time.Duration) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RabbitMQPublisher.RepublishTask")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagEntity(span, task.Task.EntityId)
	span.LogKV("queue", queue, "attempt", task.Task.Attempt, "delay", delay.String())

	err := r.publishToQueue(ctx, task, queue, delay)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *RabbitMQPublisher) PublishCampaignStatusChanged(ctx context.Context, event dto.CampaignStatusChanged) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RabbitMQPublisher.PublishCampaignStatusChanged")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagCampaign(span, event.CampaignId)
	span.LogKV("status", event.Status)

	tracingData := tracing.ExtractTextMapCarrier(span.Context())
	message := dto.Task{
		Task: dto.TaskDetails{
			Id:         utils.GenerateNanoIDWithPrefix("event", 21),
			Tenant:     utils.GetTenantFromContext(ctx),
			EntityId:   event.CampaignId,
			EntityType: enum.CAMPAIGN,
			TaskType:   taskTypeName(event),
			Data:       event,
		},
		Metadata: dto.TaskMetadata{
			UberTraceId: tracingData["uber-trace-id"],
			Timestamp:   utils.Now().Format(time.RFC3339),
		},
	}

	err := r.publishMessageOnExchange(ctx, message, ExchangeNotifications, "")
	if err != nil {
		tracing.TraceErr(span, err)
		r.logger.Errorf("Failed to publish campaign status notification: %v", err)
		return err
	}
	return nil
}

func (r *RabbitMQPublisher) publishToQueue(ctx context.Context, task dto.Task, queue string, delay time.Duration) error {
	if delay <= 0 {
		return r.publishMessageOnExchange(ctx, task, ExchangeTasks, queue)
	}

	delayQueue, err := r.ensureDelayQueue(queue, delay)
	if err != nil {
		return err
	}
	// default exchange routes by queue name
	err = r.publishMessageOnExchange(ctx, task, "", delayQueue)
	if err == nil {
		return nil
	}

	// the delay queue may have been deleted behind our back, declare it again
	r.forgetDelayQueue(delayQueue)
	if _, declareErr := r.ensureDelayQueue(queue, delay); declareErr != nil {
		return err
	}
	return r.publishMessageOnExchange(ctx, task, "", delayQueue)
}

func (r *RabbitMQPublisher) forgetDelayQueue(name string) {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()
	delete(r.delayQueues, name)
}

func taskTypeName(message interface{}) string {
	messageType := reflect.TypeOf(message)
	if messageType.Kind() == reflect.Ptr {
		messageType = messageType.Elem()
	}
	return messageType.Name()
}

func (r *RabbitMQPublisher) setupPublishChannel() error {
	channel, err := r.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "Failed to open publish channel")
	}

	// Enable publisher confirms
	err = channel.Confirm(false)
	if err != nil {
		channel.Close()
		return errors.Wrap(err, "Failed to enable publisher confirms")
	}

	r.confirms = channel.NotifyPublish(make(chan amqp091.Confirmation, 1))
	r.returns = channel.NotifyReturn(make(chan amqp091.Return, 16))
	r.publishChannel = channel
	return nil
}

func (r *RabbitMQPublisher) handleReconnection() {
	boff := newReconnectBackoff(r.config.ReconnectBackoff, r.config.MaxReconnectBackoff)

	for {
		r.connectionMutex.Lock()
		connection := r.connection
		r.connectionMutex.Unlock()

		notifyClose := connection.NotifyClose(make(chan *amqp091.Error, 1))
		err := <-notifyClose

		r.connectionMutex.Lock()
		closed := r.closed
		r.connectionMutex.Unlock()
		if closed {
			return
		}
		r.logger.Warnf("RabbitMQ connection closed: %v, attempting to reconnect", err)

		for {
			err := r.connect()
			if err == nil {
				r.logger.Info("Successfully reconnected to RabbitMQ")
				break
			}

			wait := boff.Duration()
			r.logger.Errorf("Failed to reconnect: %v, retrying in %v", err, wait)
			time.Sleep(wait)
		}

		boff.Reset()
	}
}

func (r *RabbitMQPublisher) setupExchangesAndQueues() error {
	channel, err := r.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "Failed to open channel for exchange/queue setup")
	}
	defer channel.Close()

	err = r.declareExchanges(channel)
	if err != nil {
		return err
	}

	err = r.declareAndBindQueues(channel)
	if err != nil {
		return err
	}

	return nil
}

func (r *RabbitMQPublisher) declareExchanges(channel *amqp091.Channel) error {
	// Dead Letter Exchange (direct)
	err := channel.ExchangeDeclare(
		ExchangeDeadLetter,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return errors.Wrap(err, "Failed to declare dead letter exchange")
	}

	// Notifications exchange (fanout)
	err = channel.ExchangeDeclare(
		ExchangeNotifications,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "Failed to declare notifications exchange")
	}

	// Tasks exchange (direct, routed by queue name)
	err = channel.ExchangeDeclare(
		ExchangeTasks,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "Failed to declare tasks exchange")
	}

	return nil
}

func (r *RabbitMQPublisher) declareAndBindQueues(channel *amqp091.Channel) error {
	err := r.declareQueueWithDLQ(channel, QueueNotifications)
	if err != nil {
		return err
	}
	err = channel.QueueBind(
		QueueNotifications,
		"",
		ExchangeNotifications,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrapf(err, "Failed to bind queue %s to exchange %s", QueueNotifications, ExchangeNotifications)
	}

	for _, queue := range TaskQueues {
		err := r.declareQueueWithDLQ(channel, queue)
		if err != nil {
			return err
		}
		err = channel.QueueBind(
			queue,
			queue,
			ExchangeTasks,
			false,
			nil,
		)
		if err != nil {
			return errors.Wrapf(err, "Failed to bind queue %s to exchange %s", queue, ExchangeTasks)
		}
	}

	return nil
}

func (r *RabbitMQPublisher) declareQueueWithDLQ(channel *amqp091.Channel, queueName string) error {
	dlqName := DLQName(queueName)

	// First declare the DLQ
	_, err := channel.QueueDeclare(
		dlqName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrapf(err, "Failed to declare DLQ %s", dlqName)
	}

	// Each DLQ gets its own routing key so dead letters stay per queue
	err = channel.QueueBind(
		dlqName,
		dlqName,
		ExchangeDeadLetter,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrapf(err, "Failed to bind DLQ %s to exchange", dlqName)
	}

	args := amqp091.Table{
		"x-dead-letter-exchange":    ExchangeDeadLetter,
		"x-dead-letter-routing-key": dlqName,
		"x-message-ttl":             int64(r.config.MessageTTL.Milliseconds()),
	}

	_, err = channel.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		args,
	)
	if err != nil {
		return errors.Wrapf(err, "Failed to declare queue %s", queueName)
	}

	return nil
}

// delayQueueArgs makes messages wait delay in the delay queue and then
// dead-letter back into queue through the tasks exchange. Delay queues carry
// no x-expires: publishing does not renew the lease, so an expiring queue
// would drop the messages still waiting in it.
func delayQueueArgs(queue string, delay time.Duration) amqp091.Table {
	return amqp091.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    ExchangeTasks,
		"x-dead-letter-routing-key": queue,
	}
}

// ensureDelayQueue declares the TTL queue for (queue, delay) once per connection.
func (r *RabbitMQPublisher) ensureDelayQueue(queue string, delay time.Duration) (string, error) {
	name := DelayQueueName(queue, delay)

	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()

	if r.delayQueues[name] {
		return name, nil
	}

	channel, err := r.connection.Channel()
	if err != nil {
		return "", errors.Wrap(err, "Failed to open channel for delay queue setup")
	}
	defer channel.Close()

	_, err = channel.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		delayQueueArgs(queue, delay),
	)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to declare delay queue %s", name)
	}

	r.delayQueues[name] = true
	return name, nil
}

func (r *RabbitMQPublisher) connect() error {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()

	var err error
	r.connection, err = amqp091.Dial(r.url)
	if err != nil {
		return errors.Wrap(err, "Failed to connect to RabbitMQ")
	}

	err = r.setupExchangesAndQueues()
	if err != nil {
		return errors.Wrap(err, "Failed to setup exchanges and queues")
	}

	err = r.setupPublishChannel()
	if err != nil {
		return errors.Wrap(err, "Failed to setup publish channel")
	}

	// re-declare delay queues on the new connection
	r.delayQueues = make(map[string]bool)

	return nil
}

func (r *RabbitMQPublisher) ensureConnectionAndChannel() error {
	if r.connection == nil || r.connection.IsClosed() {
		if err := r.connect(); err != nil {
			return errors.Wrap(err, "Failed to establish connection")
		}
	}

	if r.publishChannel == nil || r.publishChannel.IsClosed() {
		if err := r.setupPublishChannel(); err != nil {
			return errors.Wrap(err, "Failed to establish channel")
		}
	}

	return nil
}

func (r *RabbitMQPublisher) publishMessageOnExchange(ctx context.Context, message interface{}, exchange, routingKey string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RabbitMQPublisher.PublishMessageOnExchange")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("exchange", exchange, "routingKey", routingKey)

	tracing.LogObjectAsJson(span, "message", message)

	var lastErr error
	for attempt := 0; attempt < r.config.MaxRetries; attempt++ {
		err := r.publishWithConfirm(ctx, message, exchange, routingKey)
		if err == nil {
			return nil
		}
		lastErr = err

		r.logger.Warnf("Publish attempt %d failed: %v", attempt+1, err)
		if attempt < r.config.MaxRetries-1 {
			time.Sleep(time.Millisecond * 100 * time.Duration(attempt+1))
		}
	}

	return errors.Wrap(lastErr, "Failed to publish message after all retries")
}

func (r *RabbitMQPublisher) publishWithConfirm(ctx context.Context, message interface{}, exchange, routingKey string) error {
	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.ensureConnectionAndChannel(); err != nil {
		return err
	}

	jsonBody, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "Failed to marshal message")
	}

	if exchange == ExchangeNotifications {
		routingKey = ""
	}

	// drop returns left over from an earlier timed out publish
	drainReturns(r.returns)

	err = r.publishChannel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		true,  // mandatory - ensure message is routed
		false, // immediate
		amqp091.Publishing{
			DeliveryMode: amqp091.Persistent,
			ContentType:  "application/json",
			Body:         jsonBody,
			Timestamp:    time.Now(),
		})
	if err != nil {
		return errors.Wrap(err, "Failed to publish message")
	}

	return awaitConfirm(ctx, r.confirms, r.returns, r.config.PublishTimeout)
}

// awaitConfirm waits for the broker confirm of the last publish. The broker
// acks unroutable mandatory messages too, after sending them back as a
// basic.return, so a pending return turns the ack into an error.
func awaitConfirm(ctx context.Context, confirms <-chan amqp091.Confirmation, returns <-chan amqp091.Return, timeout time.Duration) error {
	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return errors.New("Message was not confirmed by server")
		}
	case <-time.After(timeout):
		return errors.New("Publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case ret := <-returns:
		return errors.Errorf("Message returned by server: %d %s (exchange %q, routing key %q)",
			ret.ReplyCode, ret.ReplyText, ret.Exchange, ret.RoutingKey)
	default:
	}
	return nil
}

func drainReturns(returns <-chan amqp091.Return) {
	for {
		select {
		case <-returns:
		default:
			return
		}
	}
}

// Close gracefully shuts down the publisher
func (r *RabbitMQPublisher) Close() error {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()

	r.closed = true

	var err error
	if r.publishChannel != nil {
		err = r.publishChannel.Close()
		if err != nil {
			r.logger.Errorf("Error closing publish channel: %v", err)
		}
	}

	if r.connection != nil {
		if closeErr := r.connection.Close(); closeErr != nil {
			r.logger.Errorf("Error closing connection: %v", closeErr)
			if err == nil {
				err = closeErr
			}
		}
	}

	return err
}
