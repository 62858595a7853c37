package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/engramhq/engram/engram"
)

// setupTestMetrics sets up a test meter provider with in-memory reader.
func setupTestMetrics(t *testing.T) (*metric.MeterProvider, *metric.ManualReader) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(
		metric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	return provider, reader
}

func collectMetric(t *testing.T, reader *metric.ManualReader, name string) (metricdata.Metrics, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestServiceMetricsRecordsSuccessfulOperation(t *testing.T) {
	_, reader := setupTestMetrics(t)

	sm, err := NewServiceMetrics("engram.test")
	if err != nil {
		t.Fatalf("NewServiceMetrics failed: %v", err)
	}

	sm.RecordOperation(context.Background(), "add", "client-a", "conversations", 42, 5*time.Millisecond, "")

	m, ok := collectMetric(t, reader, "engram.memory.operations")
	if !ok {
		t.Fatal("expected engram.memory.operations metric to be recorded")
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("unexpected operations metric data: %+v", m.Data)
	}

	if _, ok := collectMetric(t, reader, "engram.memory.errors"); ok {
		t.Error("did not expect engram.memory.errors to be recorded for a successful call")
	}
}

func TestServiceMetricsRecordsErrorKind(t *testing.T) {
	_, reader := setupTestMetrics(t)

	sm, err := NewServiceMetrics("engram.test")
	if err != nil {
		t.Fatalf("NewServiceMetrics failed: %v", err)
	}

	sm.RecordOperation(context.Background(), "search", "client-a", "longterm", 0, time.Millisecond, string(engram.KindUnknownNamespace))

	m, ok := collectMetric(t, reader, "engram.memory.errors")
	if !ok {
		t.Fatal("expected engram.memory.errors metric to be recorded")
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("unexpected errors metric data: %+v", m.Data)
	}
}

func TestServiceMetricsObserveWrapsFunction(t *testing.T) {
	_, reader := setupTestMetrics(t)

	sm, err := NewServiceMetrics("engram.test")
	if err != nil {
		t.Fatalf("NewServiceMetrics failed: %v", err)
	}

	wantErr := engram.NewError(engram.KindInvalidArgument, "bad input")
	got := sm.Observe(context.Background(), "add", "client-a", "conversations", 0, func() error {
		return wantErr
	})
	if !errors.Is(got, wantErr) {
		t.Fatalf("Observe returned %v, want %v", got, wantErr)
	}

	m, ok := collectMetric(t, reader, "engram.memory.errors")
	if !ok {
		t.Fatal("expected engram.memory.errors metric to be recorded via Observe")
	}
	sum := m.Data.(metricdata.Sum[int64])
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("expected 1 recorded error, got %d", sum.DataPoints[0].Value)
	}
}

func TestNamespaceRecordsGaugeReportsRegisteredSizer(t *testing.T) {
	_, reader := setupTestMetrics(t)

	sm, err := NewServiceMetrics("engram.test")
	if err != nil {
		t.Fatalf("NewServiceMetrics failed: %v", err)
	}
	sm.SetNamespaceSizer(func() map[NamespaceKey]int64 {
		return map[NamespaceKey]int64{{ClientID: "client-a", Namespace: "longterm"}: 7}
	})

	m, ok := collectMetric(t, reader, "engram.memory.namespace_records")
	if !ok {
		t.Fatal("expected engram.memory.namespace_records metric to be reported")
	}
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 7 {
		t.Fatalf("unexpected namespace records gauge data: %+v", m.Data)
	}
}

func TestQueueDepthGaugeReportsRegisteredFunc(t *testing.T) {
	_, reader := setupTestMetrics(t)

	sm, err := NewServiceMetrics("engram.test")
	if err != nil {
		t.Fatalf("NewServiceMetrics failed: %v", err)
	}
	sm.SetQueueDepthFunc(func() map[string]int64 {
		return map[string]int64{"bob": 3}
	})

	m, ok := collectMetric(t, reader, "engram.mailbox.queue_depth")
	if !ok {
		t.Fatal("expected engram.mailbox.queue_depth metric to be reported")
	}
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 || gauge.DataPoints[0].Value != 3 {
		t.Fatalf("unexpected queue depth gauge data: %+v", m.Data)
	}
}

func TestGaugesAreSilentWithoutRegisteredCallback(t *testing.T) {
	_, reader := setupTestMetrics(t)

	if _, err := NewServiceMetrics("engram.test"); err != nil {
		t.Fatalf("NewServiceMetrics failed: %v", err)
	}

	if _, ok := collectMetric(t, reader, "engram.memory.namespace_records"); ok {
		t.Error("expected no data points before a sizer is registered")
	}
}

func TestInitMetrics(t *testing.T) {
	provider, err := InitMetrics("test-service", 0)
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer provider.Shutdown(context.Background())

	if provider == nil {
		t.Fatal("Expected provider, got nil")
	}

	meter := otel.Meter("test")
	counter, err := meter.Int64Counter("test_counter")
	if err != nil {
		t.Fatalf("Failed to create counter: %v", err)
	}

	counter.Add(context.Background(), 1)
}
