// Package observability installs the process-wide OpenTelemetry tracer
// provider. Spans are exported to stdout (or any writer) when tracing is on.
package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/videa/videa-pipeline/internal/logging"
)

const defaultServiceName = "videa"

type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Version     string
	// SampleRatio is clamped to [0, 1]. Zero means sample everything.
	SampleRatio float64
	// Writer receives exported spans. Nil means stdout.
	Writer io.Writer
}

// ShutdownFunc flushes buffered spans.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// SetupTracing installs a tracer provider and the W3C propagators. When
// tracing is disabled the global no-op provider is left in place.
func SetupTracing(ctx context.Context, cfg TracingConfig, logger *slog.Logger) (ShutdownFunc, error) {
	logger = logging.OrDiscard(logger)
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
			attribute.String("service.component", "pipeline"),
		),
	)
	if err != nil {
		logger.Warn("otel resource init failed (continuing)", "error", err)
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return noopShutdown, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("otel tracing initialized", "service", serviceName)
	return tp.Shutdown, nil
}

func sampleRatio(r float64) float64 {
	switch {
	case r <= 0 || r > 1:
		return 1
	default:
		return r
	}
}
