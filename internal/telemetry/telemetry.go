// Package telemetry traces gateway requests with OpenTelemetry.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
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

const instrumentationName = "github.com/felipepmaragno/bedrock-gateway"

type Config struct {
	ServiceName string
	Version     string
	// Endpoint is the OTLP gRPC collector. Empty disables export.
	Endpoint string
	// SampleRatio of root spans to keep; <= 0 or >= 1 keeps all.
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown func.
// Without an endpoint spans go to the no-op provider.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// RequestInfo identifies one chat completion on its span.
type RequestInfo struct {
	KeyID        string
	Model        string
	BackendModel string
	RequestID    string
	Stream       bool
}

// StartRequest opens the span covering one completion. The tracer is looked
// up per call so a provider installed by Init after startup is honoured.
func StartRequest(ctx context.Context, name string, info RequestInfo) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("gateway.key_id", info.KeyID),
			attribute.String("gateway.model", info.Model),
			attribute.String("gateway.backend_model", info.BackendModel),
			attribute.String("gateway.request_id", info.RequestID),
			attribute.Bool("gateway.stream", info.Stream),
		),
	)
}

func RecordUsage(span trace.Span, u converse.Usage) {
	span.SetAttributes(
		attribute.Int("gateway.tokens.input", u.InputTokens),
		attribute.Int("gateway.tokens.output", u.OutputTokens),
		attribute.Int("gateway.tokens.cache_read", u.CacheReadTokens),
		attribute.Int("gateway.tokens.cache_write", u.CacheWriteTokens),
	)
}

func RecordFinish(span trace.Span, finishReason string) {
	span.SetAttributes(attribute.String("gateway.finish_reason", finishReason))
}

// RecordFailure marks the span failed with the error's outward code.
func RecordFailure(span trace.Span, err error) {
	code := domain.Classify(err).Code
	span.SetAttributes(attribute.String("gateway.error_code", code))
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
}

// TraceID is the hex trace id of the active span, or "" when unsampled.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
