package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/felixgeelhaar/loom"

// StartCommandSpan creates a span for a CLI command execution.
func StartCommandSpan(ctx context.Context, cmdName string) (context.Context, trace.Span) {
	ctx, span := GetTracerProvider().Tracer(instrumentationName).Start(ctx, "command."+cmdName)
	span.SetAttributes(
		attribute.String("command", cmdName),
		attribute.String("component", "cli"),
	)
	return ctx, span
}

// StartWorkflowSpan creates the root span for one workflow run.
//
// Usage:
//
//	ctx, span := telemetry.StartWorkflowSpan(ctx, wfID, len(layers))
//	defer span.End()
func StartWorkflowSpan(ctx context.Context, workflowID string, layers int) (context.Context, trace.Span) {
	ctx, span := GetTracerProvider().Tracer(instrumentationName).Start(ctx, "workflow.run")
	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.Int("layers", layers),
	)
	return ctx, span
}

// StartLayerSpan creates a span for one DAG layer.
func StartLayerSpan(ctx context.Context, layer, tasks int) (context.Context, trace.Span) {
	ctx, span := GetTracerProvider().Tracer(instrumentationName).Start(ctx, "workflow.layer")
	span.SetAttributes(
		attribute.Int("layer", layer),
		attribute.Int("tasks", tasks),
	)
	return ctx, span
}

// StartTaskSpan creates a span for one tool invocation.
func StartTaskSpan(ctx context.Context, taskID, tool string) (context.Context, trace.Span) {
	ctx, span := GetTracerProvider().Tracer(instrumentationName).Start(ctx, "workflow.task")
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("tool", tool),
	)
	return ctx, span
}

// StartPlanSpan creates a span for plan synthesis.
func StartPlanSpan(ctx context.Context, tools int) (context.Context, trace.Span) {
	ctx, span := GetTracerProvider().Tracer(instrumentationName).Start(ctx, "plan.synthesize")
	span.SetAttributes(attribute.Int("tools", tools))
	return ctx, span
}

// RecordSuccess marks a span as successful with optional result attributes.
func RecordSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}

// RecordError records an error in a span and sets error status.
//
// Usage:
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	    return err
//	}
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
