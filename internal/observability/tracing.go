// File: internal/observability/tracing.go
package observability

import (
	"context"

	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/internal/config"
)

// LogSpanExporter writes finished spans to a zap logger at debug level.
type LogSpanExporter struct {
	logger *zap.Logger
}

var _ sdktrace.SpanExporter = (*LogSpanExporter)(nil)

// NewLogSpanExporter creates an exporter that logs through logger.
func NewLogSpanExporter(logger *zap.Logger) *LogSpanExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSpanExporter{logger: logger.Named("trace")}
}

// ExportSpans logs each span. It never fails.
func (e *LogSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := make([]zap.Field, 0, len(span.Attributes())+4)
		fields = append(fields,
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
			zap.String("status", span.Status().Code.String()),
		)
		for _, attr := range span.Attributes() {
			fields = append(fields, zap.String(string(attr.Key), attr.Value.Emit()))
		}
		e.logger.Debug(span.Name(), fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogSpanExporter) Shutdown(context.Context) error { return nil }

// NewTracerProvider returns a provider that logs spans when tracing is
// enabled, or a no-op provider otherwise. The returned shutdown function must
// be called before exit to flush pending spans.
func NewTracerProvider(cfg config.TracingConfig, serviceName string, logger *zap.Logger) (trace.TracerProvider, func(context.Context) error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		logger.Warn("Failed to build trace resource, using default.", zap.Error(err))
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(NewLogSpanExporter(logger))),
		sdktrace.WithResource(res),
	)
	return tp, tp.Shutdown
}
