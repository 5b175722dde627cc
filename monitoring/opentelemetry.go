package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/yanolja/relay/failure"
)

const instrumentationName = "github.com/yanolja/relay"

// OpenTelemetryConfig represents OpenTelemetry configuration
type OpenTelemetryConfig struct {
	// OTLP collector address. E.g., "localhost:4317" for metrics over gRPC.
	// Telemetry export is disabled when empty.
	MetricsEndpoint string `yaml:"metrics_endpoint"`

	// E.g., "localhost:4318" for traces over HTTP.
	TracesEndpoint string `yaml:"traces_endpoint"`

	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`

	// Fraction of traces to sample, between 0 and 1.
	SampleRate float64 `yaml:"sample_rate"`
}

// Telemetry owns the OpenTelemetry providers. A zero Telemetry hands out
// no-op tracers.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	recorder       Recorder
	logger         *zap.SugaredLogger
}

// SetupTelemetry creates exporters for every configured endpoint and installs
// the providers globally.
func SetupTelemetry(ctx context.Context, config OpenTelemetryConfig, logger *zap.SugaredLogger) (*Telemetry, error) {
	telemetry := &Telemetry{
		tracer:   noop.NewTracerProvider().Tracer(instrumentationName),
		recorder: Nop(),
		logger:   logger,
	}
	if config.MetricsEndpoint == "" && config.TracesEndpoint == "" {
		return telemetry, nil
	}

	if config.ServiceName == "" {
		config.ServiceName = "relay"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %v", err)
	}

	if config.TracesEndpoint != "" {
		options := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.TracesEndpoint),
			otlptracehttp.WithHeaders(config.Headers),
		}
		if config.Insecure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %v", err)
		}

		sampleRate := config.SampleRate
		if sampleRate <= 0 {
			sampleRate = 0.1
		}
		telemetry.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		)
		otel.SetTracerProvider(telemetry.tracerProvider)
		telemetry.tracer = telemetry.tracerProvider.Tracer(instrumentationName)
	}

	if config.MetricsEndpoint != "" {
		options := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(config.MetricsEndpoint),
			otlpmetricgrpc.WithHeaders(config.Headers),
		}
		if config.Insecure {
			options = append(options, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, options...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metrics exporter: %v", err)
		}

		telemetry.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		)
		otel.SetMeterProvider(telemetry.meterProvider)

		recorder, err := NewMeterRecorder(telemetry.meterProvider.Meter(instrumentationName))
		if err != nil {
			return nil, err
		}
		telemetry.recorder = recorder
	}

	logger.Infow("OpenTelemetry enabled",
		"traces_endpoint", config.TracesEndpoint,
		"metrics_endpoint", config.MetricsEndpoint)
	return telemetry, nil
}

func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Recorder returns a recorder exporting OTLP metrics, or a no-op recorder
// when metrics export is disabled.
func (t *Telemetry) Recorder() Recorder {
	return t.recorder
}

// Shutdown flushes and stops every provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down tracer provider: %v", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down meter provider: %v", err))
		}
	}
	return errors.Join(errs...)
}

// MeterRecorder records gateway events through an OpenTelemetry meter.
type MeterRecorder struct {
	attempts        metric.Int64Counter
	attemptDuration metric.Float64Histogram
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	cacheLookups    metric.Int64Counter
}

func NewMeterRecorder(meter metric.Meter) (*MeterRecorder, error) {
	var err error
	r := &MeterRecorder{}

	if r.attempts, err = meter.Int64Counter("relay.provider.attempts",
		metric.WithDescription("Provider invocations by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create attempt counter: %v", err)
	}
	if r.attemptDuration, err = meter.Float64Histogram("relay.provider.attempt.duration",
		metric.WithDescription("Provider invocation latency"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create attempt histogram: %v", err)
	}
	if r.requests, err = meter.Int64Counter("relay.requests",
		metric.WithDescription("Processed inputs by how they were served")); err != nil {
		return nil, fmt.Errorf("failed to create request counter: %v", err)
	}
	if r.requestDuration, err = meter.Float64Histogram("relay.request.duration",
		metric.WithDescription("End-to-end processing time, retries included"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create request histogram: %v", err)
	}
	if r.cacheLookups, err = meter.Int64Counter("relay.cache.lookups",
		metric.WithDescription("Result cache lookups by result")); err != nil {
		return nil, fmt.Errorf("failed to create cache counter: %v", err)
	}
	return r, nil
}

func (r *MeterRecorder) RecordAttempt(provider string, model string, success bool, kind failure.Kind, latency time.Duration) {
	ctx := context.Background()
	attributes := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", statusLabel(success)),
		attribute.String("error_kind", string(kind)),
	)
	r.attempts.Add(ctx, 1, attributes)
	r.attemptDuration.Record(ctx, latency.Seconds(), attributes)
}

func (r *MeterRecorder) RecordRequest(taskType string, outcome Outcome, kind failure.Kind, latency time.Duration) {
	ctx := context.Background()
	attributes := metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("outcome", string(outcome)),
		attribute.String("error_kind", string(kind)),
	)
	r.requests.Add(ctx, 1, attributes)
	r.requestDuration.Record(ctx, latency.Seconds(), attributes)
}

func (r *MeterRecorder) RecordCacheLookup(taskType string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("result", result),
	))
}
