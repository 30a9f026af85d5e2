package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		providers, err := NewProviders(ctx, endpoint, "test-service", false)
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if providers.TracerProvider == nil {
			t.Error("TracerProvider should not be nil")
		}
		if providers.MeterProvider == nil {
			t.Error("MeterProvider should not be nil")
		}
		if providers.LoggerProvider == nil {
			t.Error("LoggerProvider should not be nil")
		}
		if err := providers.Shutdown(ctx); err != nil {
			t.Errorf("shutdown should be no-op for empty endpoint, got error: %v", err)
		}
	}
}

func TestNewProviders_InvalidURL(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name     string
		endpoint string
	}{
		{"invalid characters", "://invalid"},
		{"malformed URL", "http://[invalid"},
		{"missing host", "http://"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewProviders(ctx, tc.endpoint, "test-service", false); err == nil {
				t.Errorf("NewProviders(%q) should return error", tc.endpoint)
			}
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	testCases := []struct {
		endpoint string
		target   string
		tls      bool
	}{
		{"localhost:4317", "localhost:4317", false},
		{"http://localhost:4317", "localhost:4317", false},
		{"https://collector:4317", "collector:4317", true},
		{"https://collector:4317/v1/traces", "collector:4317", true},
	}
	for _, tc := range testCases {
		target, tls, err := parseEndpoint(tc.endpoint)
		if err != nil {
			t.Fatalf("parseEndpoint(%q): %v", tc.endpoint, err)
		}
		if target != tc.target || tls != tc.tls {
			t.Errorf("parseEndpoint(%q) = (%q, %v), want (%q, %v)", tc.endpoint, target, tls, tc.target, tc.tls)
		}
	}
}

func TestNewProviders_WithEndpoint(t *testing.T) {
	// gRPC dials lazily, so exporters are created even without a collector listening.
	ctx := context.Background()
	providers, err := NewProviders(ctx, "http://127.0.0.1:1", "test-service", true)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	if providers.TracerProvider == nil || providers.MeterProvider == nil || providers.LoggerProvider == nil {
		t.Fatal("providers should be set")
	}
	shutdownCtx, cancel := context.WithCancel(ctx)
	cancel()
	// The final export cannot reach the collector; shutdown must still return.
	_ = providers.Shutdown(shutdownCtx)
}

func TestSetGlobal_WithProviders(t *testing.T) {
	oldTracerProvider := otel.GetTracerProvider()
	oldMeterProvider := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(oldTracerProvider)
		otel.SetMeterProvider(oldMeterProvider)
	})

	providers, err := NewProviders(context.Background(), "", "test-service", false)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	providers.SetGlobal()

	if otel.GetTracerProvider() != providers.TracerProvider {
		t.Error("global TracerProvider was not set")
	}
	if otel.GetMeterProvider() != providers.MeterProvider {
		t.Error("global MeterProvider was not set")
	}
}

func TestSetGlobal_PartialProviders(t *testing.T) {
	oldTracerProvider := otel.GetTracerProvider()
	oldMeterProvider := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(oldTracerProvider)
		otel.SetMeterProvider(oldMeterProvider)
	})

	tp := sdktrace.NewTracerProvider()
	(&Providers{TracerProvider: tp}).SetGlobal()
	if otel.GetTracerProvider() != tp {
		t.Error("global TracerProvider was not set")
	}
	if otel.GetMeterProvider() != oldMeterProvider {
		t.Error("global MeterProvider should be untouched when nil")
	}
}
