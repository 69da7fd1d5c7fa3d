package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSetupTracing_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := SetupTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "videa-test",
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "pipeline.run")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "pipeline.run") {
		t.Errorf("exported spans missing span name: %s", out)
	}
	if !strings.Contains(out, "videa-test") {
		t.Errorf("exported spans missing service name: %s", out)
	}
}

func TestSampleRatio(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 1},
		{-1, 1},
		{2, 1},
		{0.25, 0.25},
	}
	for _, tt := range tests {
		if got := sampleRatio(tt.in); got != tt.want {
			t.Errorf("sampleRatio(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
