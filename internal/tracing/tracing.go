// Package tracing wires OpenTelemetry spans around the Agent Loop, the
// Tool Scheduler, and provider calls, exporting to any OTLP-compatible
// collector when configured, and falling back to a no-op tracer otherwise.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracer. An empty Endpoint yields a no-op tracer
// that still satisfies the Tracer API (agent/scheduler code doesn't need
// to branch on whether tracing is enabled).
type Config struct {
	ServiceName  string
	Environment  string
	Endpoint     string // OTLP endpoint, e.g. "localhost:4317"; empty disables export
	Protocol     string // not read: export always uses OTLP over gRPC
	Insecure     bool
	SamplingRate float64 // 0..1, defaults to 1.0
	Headers      map[string]string
}

// Tracer wraps an otel trace.Tracer with the span helpers the core uses.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Tracer from cfg, returning a shutdown func that must be
// called on process exit to flush pending spans. Failure to reach the
// collector degrades to a no-op tracer rather than failing startup.
func New(cfg Config) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentforge-core"
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	t := &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}
	return t, provider.Shutdown
}

// Start opens a generic span; most call sites use one of the named
// helpers below instead.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(kind)}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartAgentTurn traces one Agent Loop iteration (AwaitingModel through
// AwaitingTools).
func (t *Tracer) StartAgentTurn(ctx context.Context, sessionID string, turn int) (context.Context, trace.Span) {
	return t.Start(ctx, "agent.turn", trace.SpanKindInternal,
		attribute.String("session.id", sessionID),
		attribute.Int("turn", turn),
	)
}

// StartLLMRequest traces a single provider call.
func (t *Tracer) StartLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("llm.%s", provider), trace.SpanKindClient,
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
}

// StartToolCall traces one scheduled tool invocation.
func (t *Tracer) StartToolCall(ctx context.Context, toolName, lane string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("tool.%s", toolName), trace.SpanKindInternal,
		attribute.String("tool.name", toolName),
		attribute.String("lane", lane),
	)
}

// StartApproval traces the wait for a human approval decision.
func (t *Tracer) StartApproval(ctx context.Context, toolName string, riskLevel int) (context.Context, trace.Span) {
	return t.Start(ctx, "approval.wait", trace.SpanKindInternal,
		attribute.String("tool.name", toolName),
		attribute.Int("risk_level", riskLevel),
	)
}

// RecordError marks span as failed, recording err.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// WithSpan runs fn inside a new span, recording any returned error and
// always ending the span.
func (t *Tracer) WithSpan(ctx context.Context, name string, kind trace.SpanKind, fn func(context.Context, trace.Span) error) error {
	ctx, span := t.Start(ctx, name, kind)
	defer span.End()
	if err := fn(ctx, span); err != nil {
		t.RecordError(span, err)
		return err
	}
	return nil
}

// TraceID returns the active span's trace id, or "" if none is active.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
