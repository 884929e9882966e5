package operations

import (
	"context"
	"sort"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/enum"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/repository"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/internal/utils"
)

const (
	StartCampaign        = "start_campaign"
	PauseCampaign        = "pause_campaign"
	ResumeCampaign       = "resume_campaign"
	StopCampaign         = "stop_campaign"
	ProcessBounces       = "process_bounces"
	ProcessDomainBounces = "process_domain_bounces"
	RunTraining          = "run_training"
	ResetDailyQuotas     = "reset_daily_quotas"
)

type handler func(ctx context.Context, request dto.OperationRequest) (interface{}, error)

type operationsService struct {
	log          logger.Logger
	repositories *repository.Repositories
	dispatcher   interfaces.DispatcherService
	bounces      interfaces.BounceProcessor
	trainer      interfaces.TrainerService
	handlers     map[string]handler
}

func NewOperationsService(log logger.Logger, repos *repository.Repositories, dispatcher interfaces.DispatcherService, bounces interfaces.BounceProcessor, trainer interfaces.TrainerService) interfaces.OperationsService {
	s := &operationsService{
		log:          log,
		repositories: repos,
		dispatcher:   dispatcher,
		bounces:      bounces,
		trainer:      trainer,
	}
	s.handlers = map[string]handler{
		StartCampaign:        s.campaignOperation(dispatcher.StartCampaign, enum.CampaignStatusActive),
		PauseCampaign:        s.campaignOperation(dispatcher.PauseCampaign, enum.CampaignStatusPaused),
		ResumeCampaign:       s.campaignOperation(dispatcher.ResumeCampaign, enum.CampaignStatusActive),
		StopCampaign:         s.campaignOperation(dispatcher.StopCampaign, enum.CampaignStatusStopped),
		ProcessBounces:       s.processBounces,
		ProcessDomainBounces: s.processDomainBounces,
		RunTraining:          s.runTraining,
		ResetDailyQuotas:     s.resetDailyQuotas,
	}
	return s
}

func (s *operationsService) Names() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes a whitelisted operation. Any other name is ErrUnknownOperation.
func (s *operationsService) Run(ctx context.Context, name string, request dto.OperationRequest) (interface{}, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "OperationsService.Run")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("operation", name)
	tracing.LogObjectAsJson(span, "request", request)

	run, ok := s.handlers[name]
	if !ok {
		err := errors.Wrap(mberrors.ErrUnknownOperation, name)
		tracing.TraceErr(span, err)
		return nil, err
	}

	s.log.Infof("Running operation %s", name)
	result, err := run(ctx, request)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return result, nil
}

func (s *operationsService) campaignOperation(action func(ctx context.Context, campaignID string) error, status enum.CampaignStatus) handler {
	return func(ctx context.Context, request dto.OperationRequest) (interface{}, error) {
		if request.CampaignId == "" {
			return nil, mberrors.ValidationError(mberrors.ErrInvalidInput, "campaignId is required")
		}
		if err := action(ctx, request.CampaignId); err != nil {
			return nil, err
		}
		return map[string]string{"campaignId": request.CampaignId, "status": status.String()}, nil
	}
}

func (s *operationsService) processBounces(ctx context.Context, request dto.OperationRequest) (interface{}, error) {
	return s.bounces.ProcessAllDomains(ctx)
}

func (s *operationsService) processDomainBounces(ctx context.Context, request dto.OperationRequest) (interface{}, error) {
	if request.Domain == "" {
		return nil, mberrors.ValidationError(mberrors.ErrInvalidInput, "domain is required")
	}
	return s.bounces.ProcessDomainBounces(ctx, request.Domain)
}

func (s *operationsService) runTraining(ctx context.Context, request dto.OperationRequest) (interface{}, error) {
	return s.trainer.Run(ctx, enum.TrainingMode(request.Mode))
}

func (s *operationsService) resetDailyQuotas(ctx context.Context, request dto.OperationRequest) (interface{}, error) {
	reset, err := s.repositories.SenderRepository.ResetDailyQuotas(ctx, utils.Now())
	if err != nil {
		return nil, err
	}
	return map[string]int64{"sendersReset": reset}, nil
}
