// Package tracing wraps the engine's suspension points (§5: provider calls,
// tool calls, checkpoint waits, sub-cascade awaits, logger batch writes) in OTel
// spans. Grounded on the pack's otel/otel-trace dependency pair, which the
// teacher lists but never calls directly — wired here into the concrete
// suspension points the spec names, rather than left unused.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/smilemakc/cascade"

// Tracer returns the engine's named tracer, resolved against whatever
// TracerProvider the host process has installed via otel.SetTracerProvider
// (a no-op provider if none was set, per OTel's own default).
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan opens a span for one of the suspension points named in §5 and
// returns ctx, the span, and an end function that records err (if any) and
// closes the span. Callers defer the returned func.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(err error)) {
	ctx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	end := func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return ctx, span, end
}

// ProviderCall names the span wrapping one ModelProvider.Chat invocation.
func ProviderCall(ctx context.Context, cascadeID, cellName, model string) (context.Context, trace.Span, func(err error)) {
	return StartSpan(ctx, "cascade.provider_call",
		attribute.String("cascade_id", cascadeID),
		attribute.String("cell_name", cellName),
		attribute.String("model", model),
	)
}

// ToolCall names the span wrapping one tool invocation.
func ToolCall(ctx context.Context, cascadeID, cellName, toolName string) (context.Context, trace.Span, func(err error)) {
	return StartSpan(ctx, "cascade.tool_call",
		attribute.String("cascade_id", cascadeID),
		attribute.String("cell_name", cellName),
		attribute.String("tool_name", toolName),
	)
}

// CheckpointWait names the span wrapping a CellLoop's suspension on a
// checkpoint response; its duration is the human-in-the-loop latency.
func CheckpointWait(ctx context.Context, sessionID, checkpointID string) (context.Context, trace.Span, func(err error)) {
	return StartSpan(ctx, "cascade.checkpoint_wait",
		attribute.String("session_id", sessionID),
		attribute.String("checkpoint_id", checkpointID),
	)
}

// SubCascadeAwait names the span wrapping a recursive sub-cascade run.
func SubCascadeAwait(ctx context.Context, parentCascadeID, childPath string, depth int) (context.Context, trace.Span, func(err error)) {
	return StartSpan(ctx, "cascade.sub_cascade_await",
		attribute.String("parent_cascade_id", parentCascadeID),
		attribute.String("child_path", childPath),
		attribute.Int("depth", depth),
	)
}

// LoggerEnqueue names the span wrapping one batch write by the Logger's
// drain goroutine; useful for spotting a Logger whose store writes are slow
// under load.
func LoggerEnqueue(ctx context.Context, nodeType string) (context.Context, trace.Span, func(err error)) {
	return StartSpan(ctx, "cascade.logger_enqueue", attribute.String("node_type", nodeType))
}
