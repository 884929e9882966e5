package listeners

import (
	"context"
	"errors"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/services/events"
)

type CampaignBatchListener struct {
	events.BaseEventListener
	dispatcher interfaces.DispatcherService
}

func NewCampaignBatchListener(logger logger.Logger, dispatcher interfaces.DispatcherService) interfaces.EventListener {
	return &CampaignBatchListener{
		BaseEventListener: events.NewBaseEventListener(
			logger,
			events.GetTaskType[dto.ProcessCampaignBatch](),
			events.QueueCampaigns,
			events.CampaignsRetryPolicy,
		),
		dispatcher: dispatcher,
	}
}

func (l *CampaignBatchListener) Handle(ctx context.Context, baseTask any) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CampaignBatchListener.Handle")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)
	tracing.LogObjectAsJson(span, "task", baseTask)

	task, err := l.ValidateBaseTask(ctx, baseTask)
	if err != nil {
		tracing.TraceErr(span, err)
		return mberrors.ValidationError(err, "")
	}

	batch, err := events.DecodeTaskData[dto.ProcessCampaignBatch](ctx, task)
	if err != nil {
		tracing.TraceErr(span, err)
		return mberrors.ValidationError(err, "")
	}
	tracing.TagCampaign(span, batch.CampaignId)

	result, err := l.dispatcher.ProcessCampaign(ctx, batch.CampaignId, batch.BatchSize, batch.Token)
	switch {
	case err == nil:
		tracing.LogObjectAsJson(span, "result", result)
		return nil
	case isDroppedBatch(err):
		// nothing to retry: the campaign moved on or another batch holds it
		span.LogKV("result", "dropped", "reason", err.Error())
		l.Logger().Infof("Dropping batch for campaign %s: %v", batch.CampaignId, err)
		return nil
	default:
		tracing.TraceErr(span, err)
		return err
	}
}

// OnExhausted fails the campaign once a batch error survives every retry.
func (l *CampaignBatchListener) OnExhausted(ctx context.Context, task dto.Task, cause error) {
	l.BaseEventListener.OnExhausted(ctx, task, cause)

	batch, err := events.DecodeTaskData[dto.ProcessCampaignBatch](ctx, &task)
	if err != nil || batch.CampaignId == "" {
		return
	}

	reason := "batch processing failed"
	if cause != nil {
		reason = cause.Error()
	}
	if err := l.dispatcher.FailCampaign(ctx, batch.CampaignId, reason); err != nil {
		l.Logger().Errorf("Failed to mark campaign %s failed: %v", batch.CampaignId, err)
	}
}

func isDroppedBatch(err error) bool {
	return errors.Is(err, mberrors.ErrCampaignNotActive) ||
		errors.Is(err, mberrors.ErrStaleDispatchToken) ||
		errors.Is(err, mberrors.ErrBatchAlreadyRunning)
}
