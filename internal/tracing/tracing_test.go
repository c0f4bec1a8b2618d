package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewNoopTracerWithoutEndpoint(t *testing.T) {
	tr, shutdown := New(Config{ServiceName: "core-test"})
	defer func() { _ = shutdown(context.Background()) }()

	if tr == nil {
		t.Fatal("New() returned nil tracer")
	}

	ctx, span := tr.StartAgentTurn(context.Background(), "sess-1", 3)
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End()
}

func TestWithSpanRecordsError(t *testing.T) {
	tr, shutdown := New(Config{})
	defer func() { _ = shutdown(context.Background()) }()

	wantErr := errors.New("boom")
	err := tr.WithSpan(context.Background(), "test.op", trace.SpanKindInternal, func(ctx context.Context, span trace.Span) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected WithSpan to return the underlying error, got %v", err)
	}
}

func TestTraceIDEmptyWithoutActiveSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Fatalf("expected empty trace id, got %q", got)
	}
}
