// Package telemetry wires OpenTelemetry tracing for the arkeep service.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool
	Endpoint       string // OTLP HTTP endpoint, e.g. "tempo:4318"
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRatio  float64 // 0.0 to 1.0
	InsecureConn   bool
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing sets up the global tracer provider. When tracing is
// disabled it returns a no-op provider so callers never branch.
func InitTracing(ctx context.Context, config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return &TracerProvider{
			provider: sdktrace.NewTracerProvider(),
			tracer:   otel.Tracer(config.ServiceName),
		}, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
	}
	if config.InsecureConn {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: tp,
		tracer:   otel.Tracer(config.ServiceName),
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the configured tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// GetTracer returns a tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
