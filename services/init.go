package services

import (
	"github.com/redis/go-redis/v9"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/services/bounce"
	"github.com/customeros/mailblast/services/credentials"
	"github.com/customeros/mailblast/services/dispatcher"
	"github.com/customeros/mailblast/services/events"
	"github.com/customeros/mailblast/services/locker"
	"github.com/customeros/mailblast/services/operations"
	"github.com/customeros/mailblast/services/render"
	"github.com/customeros/mailblast/services/sender"
	"github.com/customeros/mailblast/services/smtp"
	"github.com/customeros/mailblast/services/suppression"
	"github.com/customeros/mailblast/services/tracking"
	"github.com/customeros/mailblast/services/trainer"
)

type Services struct {
	EventsService           *events.EventsService
	RedisClient             *redis.Client
	SuppressionService      interfaces.SuppressionService
	TrackingService         interfaces.TrackingService
	DispatcherService       interfaces.DispatcherService
	SendWorker              interfaces.SendWorker
	BounceProcessor         interfaces.BounceProcessor
	TrainerService          interfaces.TrainerService
	OperationsService       interfaces.OperationsService
	BounceCredentialService interfaces.BounceCredentialService
}

func InitServices(cfg *config.Config, log logger.Logger, repos *repository.Repositories) (*Services, error) {
	// events
	publisherConfig := &events.PublisherConfig{
		MessageTTL:          events.DefaultMessageTTL,
		MaxRetries:          events.DefaultMaxRetries,
		PublishTimeout:      events.DefaultPublishTimeout,
		ReconnectBackoff:    events.DefaultReconnectBackoff,
		MaxReconnectBackoff: events.DefaultMaxReconnectBackoff,
	}

	subscriberConfig := &events.SubscriberConfig{
		Prefetch:            10,
		ReconnectBackoff:    events.DefaultReconnectBackoff,
		MaxReconnectBackoff: events.DefaultMaxReconnectBackoff,
	}

	eventsService, err := events.NewEventsService(cfg.AppConfig.RabbitMQURL, log, publisherConfig, subscriberConfig)
	if err != nil {
		return nil, err
	}

	// batch lock
	var redisClient *redis.Client
	batchLocker := locker.NewNoopLocker()
	if cfg.AppConfig.RedisURL != "" {
		redisClient, err = locker.NewRedisClient(cfg.AppConfig.RedisURL)
		if err != nil {
			_ = eventsService.Close()
			return nil, err
		}
		batchLocker = locker.NewRedisLocker(redisClient)
	} else {
		log.Warnf("REDIS_URL not set, campaign batches run without a lock")
	}

	suppressionService := suppression.NewSuppressionService(repos)
	trackingService := tracking.NewTrackingService(repos, cfg.AppConfig)
	renderer := render.NewRenderer(trackingService, render.Config{
		TrackingHeader:  cfg.BounceConfig.TrackingHeader,
		MessageIdDomain: cfg.AppConfig.MessageIdDomain,
	})

	dispatcherService := dispatcher.NewDispatcherService(log, repos, suppressionService, trackingService,
		eventsService.Publisher, batchLocker, cfg.DispatchConfig)
	sendWorker := sender.NewSendWorker(log, repos, suppressionService, trackingService, renderer,
		smtp.NewSMTPTransport(cfg.AppConfig.MessageIdDomain), dispatcherService, cfg.FailurePolicyConfig)
	bounceProcessor := bounce.NewBounceProcessor(log, repos, suppressionService, trackingService, batchLocker, cfg.BounceConfig)
	trainerService := trainer.NewTrainerService(log, repos, cfg.TrainerConfig)

	services := Services{
		EventsService:           eventsService,
		RedisClient:             redisClient,
		SuppressionService:      suppressionService,
		TrackingService:         trackingService,
		DispatcherService:       dispatcherService,
		SendWorker:              sendWorker,
		BounceProcessor:         bounceProcessor,
		TrainerService:          trainerService,
		OperationsService:       operations.NewOperationsService(log, repos, dispatcherService, bounceProcessor, trainerService),
		BounceCredentialService: credentials.NewBounceCredentialService(repos),
	}

	return &services, nil
}

func (s *Services) Close() {
	if s.EventsService != nil {
		_ = s.EventsService.Close()
	}
	if s.RedisClient != nil {
		_ = s.RedisClient.Close()
	}
}
