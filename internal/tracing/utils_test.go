package tracing

import (
	"context"
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/jaeger-client-go"

	"github.com/customeros/mailblast/internal/utils"
)

func TestSetDefaultRestSpanTags(t *testing.T) {
	tracer := mocktracer.New()
	span := tracer.StartSpan("AddSuppression")
	ctx := utils.WithCustomContext(context.Background(), &utils.CustomContext{Tenant: "acme", UserId: "user-1"})

	SetDefaultRestSpanTags(ctx, span)
	span.Finish()

	tags := tracer.FinishedSpans()[0].Tags()
	assert.Equal(t, SpanTagComponentRest, tags[SpanTagComponent])
	assert.Equal(t, "acme", tags[SpanTagTenant])
	assert.Equal(t, "user-1", tags[SpanTagUserId])
	assert.NotContains(t, tags, SpanTagUserEmail)
}

func TestSetDefaultPostgresRepositorySpanTags(t *testing.T) {
	tracer := mocktracer.New()
	span := tracer.StartSpan("CampaignRepository.GetByID")
	ctx := utils.SetTenantInContext(context.Background(), "acme")

	SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.Finish()

	tags := tracer.FinishedSpans()[0].Tags()
	assert.Equal(t, SpanTagComponentPostgresRepository, tags[SpanTagComponent])
	assert.Equal(t, "acme", tags[SpanTagTenant])
}

func TestGetTraceId(t *testing.T) {
	tracer, closer := jaeger.NewTracer("mailblast-test", jaeger.NewConstSampler(true), jaeger.NewNullReporter())
	defer closer.Close()
	previous := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(tracer)
	defer opentracing.SetGlobalTracer(previous)

	span := tracer.StartSpan("RunOperation")
	defer span.Finish()

	spanContext, ok := span.Context().(jaeger.SpanContext)
	require.True(t, ok)
	assert.Equal(t, spanContext.TraceID().String(), GetTraceId(span))
}
