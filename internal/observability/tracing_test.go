package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_UnreachableEndpoint(t *testing.T) {
	// gRPC connects lazily, so an unreachable collector should not fail
	// initialization in most environments.
	ctx := context.Background()

	shutdown, err := InitTracer(ctx, "test-service", "invalid-endpoint:9999")
	if err != nil {
		t.Logf("InitTracer failed in this environment: %v", err)
		return
	}
	if shutdown == nil {
		t.Fatal("expected shutdown function to be non-nil")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
}

func TestInitTracer_SetsGlobalProvider(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracer(ctx, "jobforge-test", "localhost:4317")
	if err != nil {
		t.Logf("InitTracer returned error (may be expected in test environment): %v", err)
		return
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	// Spans must be creatable through the global provider after init.
	tracer := otel.Tracer("test")
	_, span := tracer.Start(ctx, "test-span")
	if span == nil {
		t.Fatal("expected span to be non-nil")
	}
	span.End()

	if otel.GetTextMapPropagator() == nil {
		t.Error("expected global propagator to be set")
	}
}
