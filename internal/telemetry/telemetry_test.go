package telemetry

import (
	"context"
	"testing"

	"github.com/felipepmaragno/bedrock-gateway/internal/converse"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "bedrock-gateway", Version: "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestTraceID_NoSpan(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Errorf("expected empty trace id, got %s", id)
	}
}

func TestRequestSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, span := StartRequest(context.Background(), "gateway.Stream", RequestInfo{
		KeyID:        "abc123",
		Model:        "claude-sonnet-4-5",
		BackendModel: "global.anthropic.claude-sonnet-4-5-20250929-v1:0",
		RequestID:    "chatcmpl-1",
		Stream:       true,
	})
	if TraceID(ctx) == "" {
		t.Error("expected a trace id on a recorded span")
	}
	RecordUsage(span, converse.Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 2})
	RecordFinish(span, "stop")
	RecordFailure(span, domain.ErrBackendThrottled)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	got := ended[0]
	if got.Status().Code != codes.Error || got.Status().Description != "rate_limit" {
		t.Errorf("unexpected status %+v", got.Status())
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range got.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	tests := []struct {
		key  attribute.Key
		want string
	}{
		{"gateway.key_id", "abc123"},
		{"gateway.request_id", "chatcmpl-1"},
		{"gateway.stream", "true"},
		{"gateway.tokens.input", "10"},
		{"gateway.tokens.cache_read", "2"},
		{"gateway.finish_reason", "stop"},
		{"gateway.error_code", "rate_limit"},
	}
	for _, tt := range tests {
		v, ok := attrs[tt.key]
		if !ok {
			t.Errorf("missing attribute %s", tt.key)
			continue
		}
		if v.Emit() != tt.want {
			t.Errorf("%s = %s, want %s", tt.key, v.Emit(), tt.want)
		}
	}
}
