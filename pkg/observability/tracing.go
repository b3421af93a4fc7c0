// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for transports, sessions and request dispatch.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Exporter configuration
	ExporterType ExporterType
	Endpoint     string // OTLP endpoint
	Headers      map[string]string
	Insecure     bool // Use insecure connection (for development)

	// Sampling configuration
	SampleRate  float64  // 0.0 to 1.0
	NeverSample []string // Method names never sampled, e.g. "ping"

	// Exporter replaces the configured exporter, for tests.
	Exporter sdktrace.SpanExporter
}

// ExporterType defines the type of trace exporter
type ExporterType string

const (
	// ExporterTypeNone disables tracing entirely
	ExporterTypeNone ExporterType = "none"

	// ExporterTypeOTLPGRPC exports traces via OTLP over gRPC
	ExporterTypeOTLPGRPC ExporterType = "otlp-grpc"

	// ExporterTypeOTLPHTTP exports traces via OTLP over HTTP
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"
)

// TracingProvider manages OpenTelemetry tracing
type TracingProvider struct {
	config         TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// NewTracingProvider creates a new tracing provider and installs it as the
// global tracer provider.
func NewTracingProvider(ctx context.Context, config TracingConfig) (*TracingProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mcp-server"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}

	exporter := config.Exporter
	if exporter == nil {
		var err error
		exporter, err = createExporter(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(config)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingProvider{
		config:         config,
		tracerProvider: tp,
		tracer:         tp.Tracer("github.com/ajitpratap0/mcp-transport-go"),
	}, nil
}

func createExporter(ctx context.Context, config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case ExporterTypeOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithHeaders(config.Headers)}
		if config.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(config.Endpoint))
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	case ExporterTypeOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithHeaders(config.Headers)}
		if config.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(config.Endpoint))
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.ExporterType)
	}
}

func createSampler(config TracingConfig) sdktrace.Sampler {
	var base sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		base = sdktrace.AlwaysSample()
	case config.SampleRate <= 0.0:
		base = sdktrace.NeverSample()
	default:
		base = sdktrace.TraceIDRatioBased(config.SampleRate)
	}
	if len(config.NeverSample) == 0 {
		return sdktrace.ParentBased(base)
	}
	never := make(map[string]struct{}, len(config.NeverSample))
	for _, m := range config.NeverSample {
		never[m] = struct{}{}
	}
	return &methodSampler{base: base, never: never}
}

// StartMethodSpan starts a server span for an MCP method
func (tp *TracingProvider) StartMethodSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, "mcp."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("mcp.method", method),
		),
	)
}

// RecordError records an error on the current span
func (tp *TracingProvider) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// ForceFlush exports all finished spans now.
func (tp *TracingProvider) ForceFlush(ctx context.Context) error {
	return tp.tracerProvider.ForceFlush(ctx)
}

// Shutdown flushes pending spans and stops the provider.
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	return tp.tracerProvider.Shutdown(ctx)
}

// methodSampler drops configured methods and defers to base otherwise.
type methodSampler struct {
	base  sdktrace.Sampler
	never map[string]struct{}
}

func (ms *methodSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == "mcp.method" {
			if _, ok := ms.never[attr.Value.AsString()]; ok {
				return sdktrace.SamplingResult{Decision: sdktrace.Drop}
			}
			break
		}
	}
	return ms.base.ShouldSample(params)
}

func (ms *methodSampler) Description() string {
	return fmt.Sprintf("MethodSampler{base=%s, never=%d}", ms.base.Description(), len(ms.never))
}
