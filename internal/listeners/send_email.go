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

type SendEmailListener struct {
	events.BaseEventListener
	worker interfaces.SendWorker
}

func NewSendEmailListener(logger logger.Logger, worker interfaces.SendWorker) interfaces.EventListener {
	return &SendEmailListener{
		BaseEventListener: events.NewBaseEventListener(
			logger,
			events.GetTaskType[dto.SendEmail](),
			events.QueueEmails,
			events.EmailsRetryPolicy,
		),
		worker: worker,
	}
}

func (l *SendEmailListener) Handle(ctx context.Context, baseTask any) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SendEmailListener.Handle")
	defer span.Finish()
	tracing.SetDefaultListenerSpanTags(ctx, span)
	tracing.LogObjectAsJson(span, "task", baseTask)

	task, err := l.ValidateBaseTask(ctx, baseTask)
	if err != nil {
		tracing.TraceErr(span, err)
		return mberrors.ValidationError(err, "")
	}

	sendEmail, err := events.DecodeTaskData[dto.SendEmail](ctx, task)
	if err != nil {
		tracing.TraceErr(span, err)
		return mberrors.ValidationError(err, "")
	}
	tracing.TagCampaign(span, sendEmail.CampaignId)
	tracing.TagEntity(span, sendEmail.RecipientId)

	err = l.worker.Send(ctx, sendEmail)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// OnExhausted records the final failure of the recipient.
func (l *SendEmailListener) OnExhausted(ctx context.Context, task dto.Task, cause error) {
	l.BaseEventListener.OnExhausted(ctx, task, cause)

	sendEmail, err := events.DecodeTaskData[dto.SendEmail](ctx, &task)
	if err != nil || sendEmail.RecipientId == "" {
		return
	}
	if err := l.worker.FinalizeFailure(ctx, sendEmail, cause); err != nil {
		l.Logger().Errorf("Failed to finalize recipient %s: %v", sendEmail.RecipientId, err)
	}
}
