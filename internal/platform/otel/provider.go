// Package otel wires OpenTelemetry tracing for xray binaries.
package otel

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/xray-go/internal/platform/env"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup registers a global tracer provider exporting to
// XRAY_OTEL_ENDPOINT over OTLP/HTTP and returns it with its shutdown func.
//
// Tracing is opt-in. With no endpoint, or XRAY_OTEL_ENABLED=false, the
// current global (no-op) provider is returned and shutdown does nothing.
// The W3C trace-context propagator is installed either way so incoming
// trace headers still reach request logs.
func Setup(ctx context.Context, serviceName string) (trace.TracerProvider, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	otel.SetTextMapPropagator(propagation.TraceContext{})

	disabled := strings.EqualFold(strings.TrimSpace(env.String("XRAY_OTEL_ENABLED", "")), "false")
	endpoint := strings.TrimSpace(env.String("XRAY_OTEL_ENDPOINT", ""))
	if disabled || endpoint == "" {
		return otel.GetTracerProvider(), noop, nil
	}

	ratio := 1.0
	if raw := strings.TrimSpace(env.String("XRAY_OTEL_SAMPLE_RATIO", "")); raw != "" {
		if _, err := fmt.Sscanf(raw, "%g", &ratio); err != nil || ratio < 0 || ratio > 1 {
			return otel.GetTracerProvider(), noop, fmt.Errorf("XRAY_OTEL_SAMPLE_RATIO must be within [0,1] (got %q)", raw)
		}
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return otel.GetTracerProvider(), noop, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return otel.GetTracerProvider(), noop, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
