package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	if m.ChatDuration == nil || m.TTSDuration == nil || m.TTSBytes == nil {
		t.Error("histogram instruments missing")
	}
	if m.ProviderRequests == nil || m.RateLimitDenials == nil || m.TTSFallbacks == nil {
		t.Error("counter instruments missing")
	}
	if m.ActiveStreams == nil {
		t.Error("up-down counter missing")
	}
}

func TestMetrics_RecordAndCollect(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	ctx := context.Background()
	m.ChatDuration.Record(ctx, 1.25)
	m.ProviderRequests.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, -1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("no scope metrics collected")
	}
	if got := rm.ScopeMetrics[0].Scope.Name; got != meterName {
		t.Errorf("scope name = %q, want %q", got, meterName)
	}
}
