// Package telemetry installs the process tracer provider. Finished spans are
// written to the structured log at debug level; there is no collector.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter implements sdktrace.SpanExporter on top of slog.
type LogExporter struct {
	logger func() *slog.Logger
}

// NewLogExporter logs through the logger returned by fn at export time, so a
// logger swapped in later is still honoured.
func NewLogExporter(fn func() *slog.Logger) *LogExporter {
	if fn == nil {
		fn = slog.Default
	}
	return &LogExporter{logger: fn}
}

// ExportSpans never fails; a span that cannot be logged is dropped.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	l := e.logger()
	if !l.Enabled(ctx, slog.LevelDebug) {
		return nil
	}
	for _, s := range spans {
		args := []any{
			"component", "telemetry",
			"span", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
			"status", statusName(s.Status().Code),
		}
		if d := s.Status().Description; d != "" {
			args = append(args, "status_detail", d)
		}
		for _, kv := range s.Attributes() {
			args = append(args, attrKey(kv.Key), kv.Value.Emit())
		}
		l.DebugContext(ctx, "span_ended", args...)
	}
	return nil
}

// Shutdown is a no-op; the logger outlives the exporter.
func (e *LogExporter) Shutdown(context.Context) error { return nil }

// Install registers a tracer provider exporting through exp as the global
// provider. The returned function flushes and shuts it down.
func Install(exp sdktrace.SpanExporter) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func statusName(c codes.Code) string {
	switch c {
	case codes.Ok:
		return "ok"
	case codes.Error:
		return "error"
	}
	return "unset"
}

func attrKey(k attribute.Key) string { return "attr." + string(k) }
