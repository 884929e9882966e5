package listeners

import (
	"context"

	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailblast/dto"
	mberrors "github.com/customeros/mailblast/errors"
	"github.com/customeros/mailblast/interfaces"
	"github.com/customeros/mailblast/internal/logger"
	"github.com/customeros/mailblast/internal/tracing"
	"github.com/customeros/mailblast/services/events"
)

type ProcessBouncesListener struct {
	events.BaseEventListener
	processor interfaces.BounceProcessor
}

func NewProcessBouncesListener(logger logger.Logger, processor interfaces.BounceProcessor) interfaces.EventListener {
	return &ProcessBouncesListener{
		BaseEventListener: events.NewBaseEventListener(
			logger,
			events.GetTaskType[dto.ProcessDomainBounces](),
			events.QueueBounces,
			events.BouncesRetryPolicy,
		),
		processor: processor,
	}
}

func (l *ProcessBouncesListener) Handle(ctx context.Context, baseTask any) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ProcessBouncesListener.Handle")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)
	tracing.LogObjectAsJson(span, "task", baseTask)

	task, err := l.ValidateBaseTask(ctx, baseTask)
	if err != nil {
		tracing.TraceErr(span, err)
		return mberrors.ValidationError(err, "")
	}

	request, err := events.DecodeTaskData[dto.ProcessDomainBounces](ctx, task)
	if err != nil {
		tracing.TraceErr(span, err)
		return mberrors.ValidationError(err, "")
	}
	span.LogKV("domain", request.Domain)

	result, err := l.processor.ProcessDomainBounces(ctx, request.Domain)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	tracing.LogObjectAsJson(span, "result", result)
	if len(result.Errors) > 0 {
		l.Logger().Warnf("Bounce processing for %s finished with %d errors", request.Domain, len(result.Errors))
	}
	return nil
}
