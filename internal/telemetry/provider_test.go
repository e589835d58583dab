package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitProviderDisabled(t *testing.T) {
	ctx := context.Background()
	shutdown, err := InitProvider(ctx, DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(ctx))

	_, span := StartWorkflowSpan(ctx, "wf-1", 3)
	assert.False(t, span.SpanContext().IsValid(), "noop provider should produce invalid span contexts")
	span.End()
}

func TestInitProviderEnabledWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = 0.5

	shutdown, err := InitProvider(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = shutdown(ctx)
		_, _ = InitProvider(ctx, DefaultConfig())
	})

	_, ok := GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)
}

func TestSpansRecordAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	providerMu.Lock()
	prev := globalProvider
	globalProvider = tp
	providerMu.Unlock()
	t.Cleanup(func() {
		providerMu.Lock()
		globalProvider = prev
		providerMu.Unlock()
	})

	ctx, wf := StartWorkflowSpan(context.Background(), "wf-7", 2)
	_, task := StartTaskSpan(ctx, "t1", "builtin:echo")
	RecordError(task, errors.New("boom"))
	task.End()
	RecordSuccess(wf, attribute.String("status", "completed"))
	wf.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "workflow.task", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().TraceID(), spans[0].SpanContext().TraceID())
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestExporterOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint = "collector:4318"
	assert.Len(t, exporterOptions(cfg), 2)

	cfg.Insecure = true
	cfg.Headers = map[string]string{"authorization": "Bearer t"}
	assert.Len(t, exporterOptions(cfg), 4)
}

func TestInitProviderWithEndpoint(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "127.0.0.1:4318"
	cfg.Insecure = true

	shutdown, err := InitProvider(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = InitProvider(ctx, DefaultConfig()) })

	_, span := StartCommandSpan(ctx, "run")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = shutdown(shutdownCtx)
}
