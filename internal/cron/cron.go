package cron

import (
	"context"
	"os"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/customeros/mailblast/config"
	"github.com/customeros/mailblast/dto"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
	"github.com/customeros/mailblast/services/events"
)

// CONSTANTS
const (
	// GroupSenders serializes jobs that write sender limits and quotas
	GroupSenders = "senders"
	// GroupDispatch is for campaign dispatch jobs
	GroupDispatch = "dispatch"

	// LeaseDuration is how long a lease lasts before needing renewal
	LeaseDuration = 15 * time.Second
	// RenewDeadline is how long a leader has to renew its lease
	RenewDeadline = 10 * time.Second
	// RetryPeriod is how long to wait between leadership attempts
	RetryPeriod = 2 * time.Second

	jobTimeout = 10 * time.Minute
)

// LOCK MANAGEMENT
var jobLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: map[string]*sync.Mutex{
		GroupSenders:  new(sync.Mutex),
		GroupDispatch: new(sync.Mutex),
	},
}

type CronManager struct {
	cfg          *config.Config
	log          logger.Logger
	cron         *cronv3.Cron
	k8s          kubernetes.Interface
	stopCh       chan struct{}
	stopOnce     sync.Once
	jobIDs       map[string]cronv3.EntryID
	repositories *repository.Repositories
	publisher    interfaces.TaskPublisher
	bounces      interfaces.BounceProcessor
	trainer      interfaces.TrainerService
	dispatcher   interfaces.DispatcherService
}

func NewCronManager(cfg *config.Config, log logger.Logger, k8s kubernetes.Interface, repos *repository.Repositories,
	publisher interfaces.TaskPublisher, bounces interfaces.BounceProcessor, trainer interfaces.TrainerService,
	dispatcher interfaces.DispatcherService) *CronManager {
	return &CronManager{
		cfg:          cfg,
		log:          log,
		k8s:          k8s,
		stopCh:       make(chan struct{}),
		jobIDs:       make(map[string]cronv3.EntryID),
		repositories: repos,
		publisher:    publisher,
		bounces:      bounces,
		trainer:      trainer,
		dispatcher:   dispatcher,
	}
}

// Start initializes and starts the cron manager with leader election
// If k8s is nil, it will start in local mode without leader election
func (cm *CronManager) Start(podName, namespace string) error {
	if cm.k8s == nil || os.Getenv("LOCAL_DEV") == "true" {
		cm.log.Info("Starting cron manager in local mode")
		cm.StartCron()
		return nil
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      "mailblast-cron-leader",
			Namespace: namespace,
		},
		Client: cm.k8s.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: podName,
		},
	}

	errCh := make(chan error, 1)

	go func() {
		le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
			Lock:            lock,
			ReleaseOnCancel: true,
			LeaseDuration:   LeaseDuration,
			RenewDeadline:   RenewDeadline,
			RetryPeriod:     RetryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					cm.StartCron()
				},
				OnStoppedLeading: func() {
					cm.log.Info("Leader lost - stopping crons")
					cm.Stop()
				},
				OnNewLeader: func(identity string) {
					cm.log.Infof("New leader elected: %s", identity)
				},
			},
		})
		if err != nil {
			errCh <- err
			return
		}

		le.Run(context.Background())
	}()

	// Wait briefly to see if leader election fails immediately
	select {
	case err := <-errCh:
		cm.log.Warnf("Leader election failed, falling back to local mode: %v", err)
		cm.StartCron()
	case <-time.After(5 * time.Second):
	}

	return nil
}

// Stop gracefully stops the cron manager
func (cm *CronManager) Stop() {
	cm.stopOnce.Do(func() {
		if cm.cron != nil {
			cm.log.Info("Stopping cron manager")
			ctx := cm.cron.Stop()
			// Wait for jobs to finish
			<-ctx.Done()
		}
		close(cm.stopCh)
	})
}

// registerJobs adds all cron jobs to the scheduler
func (cm *CronManager) registerJobs(c *cronv3.Cron) {
	cronConfig := cm.cfg.CronConfig

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = "local"
	}
	cm.addJob(c, "heartbeat", cronConfig.CronScheduleHeartbeat, "", func(ctx context.Context) error {
		cm.log.Infof("Cron heartbeat from pod: %s", podName)
		return nil
	})
	cm.addJob(c, "training", cronConfig.CronScheduleTraining, GroupSenders, cm.runTraining)
	cm.addJob(c, "bounces", cronConfig.CronScheduleBounces, "", cm.fanOutBounces)
	cm.addJob(c, "quota_reset", cronConfig.CronScheduleQuotaReset, GroupSenders, cm.resetDailyQuotas)
	cm.addJob(c, "dispatch_watchdog", cronConfig.CronScheduleDispatchWatchdog, GroupDispatch, cm.recoverStalledCampaigns)
}

func (cm *CronManager) addJob(c *cronv3.Cron, name, schedule, group string, job func(ctx context.Context) error) {
	if schedule == "" {
		return
	}
	id, err := c.AddFunc(schedule, func() {
		defer tracing.RecoverAndLogToJaeger(cm.log)
		if group != "" {
			jobLocks.locks[group].Lock()
			defer jobLocks.locks[group].Unlock()
		}
		cm.runJob(name, job)
	})
	if err != nil {
		cm.log.Fatalf("Could not add %s cron job: %v", name, err)
	}
	cm.jobIDs[name] = id
	cm.log.Infof("Registered %s job with schedule: %s", name, schedule)
}

func (cm *CronManager) runJob(name string, job func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	span, ctx := tracing.StartTracerSpan(ctx, "CronManager."+name)
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	if err := job(ctx); err != nil {
		tracing.TraceErr(span, err)
		cm.log.Errorf("Cron job %s failed: %v", name, err)
	}
}

// StartCron initializes and starts the cron scheduler
func (cm *CronManager) StartCron() {
	cm.log.Info("Starting cron manager")
	// Create a new cron with seconds field enabled and panic recovery
	cronOptions := []cronv3.Option{
		cronv3.WithSeconds(),
		cronv3.WithLocation(time.UTC),
		cronv3.WithChain(
			cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
			cronv3.Recover(cronv3.DefaultLogger),
		),
	}
	c := cronv3.New(cronOptions...)
	cm.registerJobs(c)
	c.Start()
	cm.cron = c
}

func (cm *CronManager) runTraining(ctx context.Context) error {
	result, err := cm.trainer.Run(ctx, "")
	if err != nil {
		return err
	}
	if result.Skipped {
		cm.log.Debugf("Training (%s) not due", result.Mode)
		return nil
	}
	cm.log.Infof("Training (%s) updated %d senders", result.Mode, result.SendersUpdated)
	return nil
}

// fanOutBounces enqueues one bounce task per domain so domains are processed
// and retried independently.
func (cm *CronManager) fanOutBounces(ctx context.Context) error {
	domains, err := cm.bounces.ListDomains(ctx)
	if err != nil {
		return err
	}

	published := 0
	for _, domain := range domains {
		err := cm.publisher.PublishTask(ctx, events.QueueBounces, domain, enum.DOMAIN, dto.ProcessDomainBounces{Domain: domain}, 0)
		if err != nil {
			cm.log.Errorf("Failed to enqueue bounce processing for %s: %v", domain, err)
			continue
		}
		published++
	}
	cm.log.Infof("Enqueued bounce processing for %d of %d domains", published, len(domains))
	return nil
}

func (cm *CronManager) resetDailyQuotas(ctx context.Context) error {
	reset, err := cm.repositories.SenderRepository.ResetDailyQuotas(ctx, utils.Now())
	if err != nil {
		return err
	}
	cm.log.Infof("Reset daily quota for %d senders", reset)
	return nil
}

func (cm *CronManager) recoverStalledCampaigns(ctx context.Context) error {
	kicked, err := cm.dispatcher.RecoverStalled(ctx, cm.cfg.DispatchConfig.WatchdogIdle)
	if err != nil {
		return err
	}
	if kicked > 0 {
		cm.log.Warnf("Watchdog re-queued %d stalled campaigns", kicked)
	}
	return nil
}
