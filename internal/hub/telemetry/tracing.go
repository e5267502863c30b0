// Package telemetry configures OpenTelemetry tracing for the hub.
//
// Custom span attributes use the `sondehub.` prefix. Probe executions
// and runbook runs get one span each; agent round trips appear as
// client spans under the probe span.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sonde-ops/sondehub"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP
// gRPC exporter. If endpoint is empty, tracing is disabled (noop
// provider). Returns a shutdown function for application exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via OTEL_EXPORTER_OTLP_INSECURE
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("sondehub"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartProbeSpan creates a span for one probe execution.
func StartProbeSpan(ctx context.Context, probe, route, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "probe.execute",
		trace.WithAttributes(
			attribute.String("sondehub.probe", probe),
			attribute.String("sondehub.route", route),
			attribute.String("sondehub.target", target),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndProbeSpan enriches the probe span with the outcome.
func EndProbeSpan(span trace.Span, status string, durationMs int64) {
	span.SetAttributes(
		attribute.String("sondehub.status", status),
		attribute.Int64("sondehub.duration_ms", durationMs),
	)
	span.End()
}

// StartRunbookSpan creates the parent span for a runbook run.
func StartRunbookSpan(ctx context.Context, category string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "runbook.run",
		trace.WithAttributes(
			attribute.String("sondehub.runbook", category),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRunbookSpan enriches the runbook span with summary counts.
func EndRunbookSpan(span trace.Span, probesRun, probesFailed, findings int) {
	span.SetAttributes(
		attribute.Int("sondehub.probes_run", probesRun),
		attribute.Int("sondehub.probes_failed", probesFailed),
		attribute.Int("sondehub.findings", findings),
	)
	span.End()
}

// StartAgentCallSpan creates a client span for one agent round trip.
func StartAgentCallSpan(ctx context.Context, agent, method string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.call",
		trace.WithAttributes(
			attribute.String("sondehub.agent", agent),
			attribute.String("sondehub.method", method),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
