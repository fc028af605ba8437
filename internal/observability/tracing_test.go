package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	if tracer == nil {
		t.Fatal("NewTracer returned nil")
	}
	if tracer.config.ServiceName != "warden" {
		t.Errorf("service name = %q", tracer.config.ServiceName)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestTraceExecutionSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer shutdown(context.Background())

	ctx, span := tracer.TraceExecution(context.Background(), "notes", "trusted")
	if span == nil {
		t.Fatal("TraceExecution returned nil span")
	}
	_, child := tracer.TraceBackend(ctx, "realm")
	tracer.SetAttributes(child, "execution.id", "abc", "attempt", 1, 42, "skipped")
	tracer.AddEvent(child, "fallback", "reason", "TypeError")
	tracer.RecordError(child, errors.New("boom"))
	tracer.RecordError(child, nil)
	child.End()
	span.End()
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		val  any
		want attribute.Type
	}{
		{"s", attribute.STRING},
		{1, attribute.INT64},
		{int64(2), attribute.INT64},
		{1.5, attribute.FLOAT64},
		{true, attribute.BOOL},
		{[]string{"a"}, attribute.STRINGSLICE},
		{time.Second, attribute.STRING},
		{struct{}{}, attribute.STRING},
	}
	for _, tt := range tests {
		if got := attributeFromValue("k", tt.val).Value.Type(); got != tt.want {
			t.Errorf("attributeFromValue(%v) type = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestTracerWithUnreachableEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{
		Endpoint:       "localhost:1",
		EnableInsecure: true,
		SamplingRate:   0.5,
	})
	if tracer == nil {
		t.Fatal("NewTracer returned nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}
