package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/customeros/mailblast/api"
	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/internal/cron"
	"github.com/customeros/mailblast/internal/listeners"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/services"
	"github.com/customeros/mailblast/services/events"
)

const shutdownTimeout = 15 * time.Second

type Server struct {
	config       *config.Config
	log          logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	services     *services.Services
	repositories *repository.Repositories
	cronManager  *cron.CronManager
	tracerCloser io.Closer
}

func NewServer(cfg *config.Config, log logger.Logger, mailblastDB *gorm.DB) (*Server, error) {
	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, log)
	if err != nil {
		log.Fatalf("Could not initialize jaeger tracer: %s", err.Error())
	}
	opentracing.SetGlobalTracer(tracer)

	repos := repository.InitRepositories(mailblastDB)

	svcs, err := services.InitServices(cfg, log, repos)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	cronManager := cron.NewCronManager(cfg, log, kubernetesClient(log), repos, svcs.EventsService.Publisher,
		svcs.BounceProcessor, svcs.TrainerService, svcs.DispatcherService)

	return &Server{
		config:       cfg,
		log:          log,
		router:       router,
		services:     svcs,
		repositories: repos,
		cronManager:  cronManager,
		tracerCloser: closer,
		httpServer: &http.Server{
			Addr:              ":" + cfg.AppConfig.APIPort,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// kubernetesClient returns nil outside a cluster, which runs the crons
// without leader election.
func kubernetesClient(log logger.Logger) kubernetes.Interface {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		log.Infof("Not running in kubernetes: %v", err)
		return nil
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		log.Warnf("Failed to create kubernetes client: %v", err)
		return nil
	}
	return client
}

func (s *Server) Initialize() error {
	subscriber := s.services.EventsService.Subscriber
	subscriber.RegisterListener(listeners.NewCampaignBatchListener(s.log, s.services.DispatcherService))
	subscriber.RegisterListener(listeners.NewSendEmailListener(s.log, s.services.SendWorker))
	subscriber.RegisterListener(listeners.NewProcessBouncesListener(s.log, s.services.BounceProcessor))

	for _, queue := range []string{events.QueueCampaigns, events.QueueEmails, events.QueueBounces} {
		if err := subscriber.ListenQueue(queue); err != nil {
			return err
		}
	}

	api.RegisterRoutes(s.router, s.services, s.config.AppConfig.APIKey)
	return nil
}

func (s *Server) Run() error {
	if err := s.Initialize(); err != nil {
		return err
	}

	podName, _ := os.Hostname()
	if err := s.cronManager.Start(podName, os.Getenv("POD_NAMESPACE")); err != nil {
		return err
	}

	go func() {
		defer tracing.RecoverAndLogToJaeger(s.log)
		s.log.Infof("HTTP server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("HTTP server error: %v", err)
		}
	}()
	s.log.Info("Mailblast is running")

	return s.waitForShutdown()
}

func (s *Server) waitForShutdown() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	s.log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("HTTP server shutdown error: %v", err)
	}

	cronDone := make(chan struct{})
	go func() {
		defer close(cronDone)
		s.cronManager.Stop()
	}()
	select {
	case <-cronDone:
	case <-shutdownCtx.Done():
		s.log.Warn("Cron shutdown timed out")
	}

	s.services.Close()
	if s.tracerCloser != nil {
		_ = s.tracerCloser.Close()
	}
	_ = s.log.Sync()
	return nil
}
