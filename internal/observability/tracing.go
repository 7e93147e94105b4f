// Package observability configures OpenTelemetry tracing for the process.
package observability

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// TracingConfig controls InitTracing.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Version     string

	// Writer receives exported spans as JSON. Defaults to io.Discard when nil.
	Writer io.Writer
}

var (
	tracingOnce     sync.Once
	tracingShutdown = func(context.Context) error { return nil }
)

// InitTracing installs the global tracer provider once per process. When
// tracing is disabled the otel no-op provider stays in place. The returned
// function flushes and shuts the provider down.
func InitTracing(ctx context.Context, cfg TracingConfig) func(context.Context) error {
	tracingOnce.Do(func() {
		if !cfg.Enabled {
			return
		}
		name := cfg.ServiceName
		if name == "" {
			name = "assistd"
		}
		w := cfg.Writer
		if w == nil {
			w = io.Discard
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String(name),
				semconv.ServiceVersionKey.String(cfg.Version),
				attribute.String("service.component", "assistant-orchestration"),
			),
		)
		if err != nil {
			slog.Warn("otel resource init failed (continuing)", "error", err)
		}

		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			slog.Warn("otel exporter init failed, tracing disabled", "error", err)
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		tracingShutdown = tp.Shutdown
		slog.Info("otel tracing initialized", "service", name)
	})
	return tracingShutdown
}
