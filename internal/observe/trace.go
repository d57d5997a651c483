package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/millwright"

// StartSpan starts a span on the global tracer provider. The caller must end
// it, typically with [EndSpan].
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Logger returns the default logger with the trace_id of the span in ctx, so
// every line of one turn can be grouped. Without a span it is slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	id := traceID(ctx)
	if id == "" {
		return slog.Default()
	}
	return slog.Default().With(slog.String("trace_id", id))
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
