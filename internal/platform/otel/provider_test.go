package otel_test

import (
	"context"
	"testing"

	"github.com/animus-labs/xray-go/internal/platform/otel"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("XRAY_OTEL_ENDPOINT", "")
	t.Setenv("XRAY_OTEL_ENABLED", "true")

	tp, shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp == nil {
		t.Fatalf("expected a tracer provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("XRAY_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("XRAY_OTEL_ENABLED", "false")

	_, shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_RejectsBadSampleRatio(t *testing.T) {
	t.Setenv("XRAY_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("XRAY_OTEL_ENABLED", "")
	t.Setenv("XRAY_OTEL_SAMPLE_RATIO", "2")

	if _, _, err := otel.Setup(context.Background(), "test-service"); err == nil {
		t.Fatalf("expected error for ratio > 1")
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address; nothing is exported before shutdown.
	t.Setenv("XRAY_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("XRAY_OTEL_ENABLED", "true")
	t.Setenv("XRAY_OTEL_SAMPLE_RATIO", "0.5")

	tp, shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp == nil {
		t.Fatalf("expected a tracer provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
