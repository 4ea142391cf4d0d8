package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer every ragpipe span is started from.
const TracerName = "github.com/54b3r/ragpipe-go"

// OTelConfig configures span export.
type OTelConfig struct {
	// ServiceName defaults to "ragpipe".
	ServiceName string
	// ServiceVersion is the binary version.
	ServiceVersion string
	// Endpoint is the OTLP gRPC collector address (host:port).
	// Empty disables export and leaves the global no-op provider in place.
	Endpoint string
	// Insecure disables TLS to the collector.
	Insecure bool
	// SampleRate is the fraction of traces kept, 0 to 1. Defaults to 1.
	SampleRate float64
}

// OTelConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT,
// OTEL_EXPORTER_OTLP_INSECURE and OTEL_SAMPLE_RATE.
func OTelConfigFromEnv() OTelConfig {
	rate, _ := strconv.ParseFloat(getenv("OTEL_SAMPLE_RATE"), 64)
	return OTelConfig{
		Endpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:   getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		SampleRate: rate,
	}
}

// Provider owns the SDK tracer provider installed by SetupOTel.
type Provider struct {
	// sdk is nil when export is disabled.
	sdk *sdktrace.TracerProvider
}

// SetupOTel installs a global tracer provider exporting over OTLP gRPC.
// With no endpoint it returns a Provider whose Shutdown is a no-op.
func SetupOTel(ctx context.Context, cfg OTelConfig) (*Provider, error) {
	if cfg.Endpoint == "" {
		return &Provider{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ragpipe"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate <= 0 || cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{sdk: sdk}, nil
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p != nil && p.sdk != nil }

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// Start opens an internal span named name on the ragpipe tracer.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func getenv(key string) string { return os.Getenv(key) }
