package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// MeterProvider global instance
var globalMeterProvider *sdkmetric.MeterProvider

// InitMetrics initializes OpenTelemetry metrics with Prometheus export.
func InitMetrics(serviceName string, port int) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	globalMeterProvider = provider
	return provider, nil
}

// GetMeter returns a meter from the current global meter provider.
func GetMeter(name string) metric.Meter {
	return otel.Meter(name)
}

// ServiceMetrics records counts, errors, and latency for memory service
// operations (add, search, digest, compartment lifecycle) and mailbox
// operations (send, receive, cleanup), keyed by operation name and client.
// Where the teacher's MetricsMiddleware wrapped an agent's Process call,
// this wraps a client operation: there is no single "process" entry point
// in a multi-operation memory service, so callers record around each
// operation explicitly instead of being wrapped transparently.
type ServiceMetrics struct {
	meter            metric.Meter
	operationCounter metric.Int64Counter
	errorCounter     metric.Int64Counter
	latencyHistogram metric.Float64Histogram
	contentSizeHist  metric.Int64Histogram
	namespaceGauge   metric.Int64ObservableGauge
	queueDepthGauge  metric.Int64ObservableGauge

	mu             sync.RWMutex
	namespaceSizer func() map[NamespaceKey]int64
	queueDepther   func() map[string]int64
}

// NamespaceKey identifies one client's namespace for the per-namespace
// record count gauge.
type NamespaceKey struct {
	ClientID  string
	Namespace string
}

// NewServiceMetrics creates the counters and histograms for engram
// operations under the given meter name.
func NewServiceMetrics(meterName string) (*ServiceMetrics, error) {
	meter := GetMeter(meterName)

	operationCounter, err := meter.Int64Counter(
		"engram.memory.operations",
		metric.WithDescription("Total number of memory service operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"engram.memory.errors",
		metric.WithDescription("Total number of memory service operation errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	latencyHistogram, err := meter.Float64Histogram(
		"engram.memory.latency",
		metric.WithDescription("Memory service operation latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	contentSizeHist, err := meter.Int64Histogram(
		"engram.memory.content_size",
		metric.WithDescription("Content size of stored or retrieved memories"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create content size histogram: %w", err)
	}

	m := &ServiceMetrics{
		meter:            meter,
		operationCounter: operationCounter,
		errorCounter:     errorCounter,
		latencyHistogram: latencyHistogram,
		contentSizeHist:  contentSizeHist,
	}

	namespaceGauge, err := meter.Int64ObservableGauge(
		"engram.memory.namespace_records",
		metric.WithDescription("Current record count per client namespace"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(m.observeNamespaceRecords),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create namespace records gauge: %w", err)
	}
	m.namespaceGauge = namespaceGauge

	queueDepthGauge, err := meter.Int64ObservableGauge(
		"engram.mailbox.queue_depth",
		metric.WithDescription("Current pending+delivered message count per recipient"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(m.observeQueueDepth),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mailbox queue depth gauge: %w", err)
	}
	m.queueDepthGauge = queueDepthGauge

	return m, nil
}

// SetNamespaceSizer registers the callback the namespace-records gauge polls
// on every collection. fn should be cheap: it runs synchronously from the
// exporter's scrape path.
func (m *ServiceMetrics) SetNamespaceSizer(fn func() map[NamespaceKey]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaceSizer = fn
}

// SetQueueDepthFunc registers the callback the mailbox queue-depth gauge
// polls on every collection, keyed by recipient id.
func (m *ServiceMetrics) SetQueueDepthFunc(fn func() map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepther = fn
}

func (m *ServiceMetrics) observeNamespaceRecords(_ context.Context, o metric.Int64Observer) error {
	m.mu.RLock()
	fn := m.namespaceSizer
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	for key, count := range fn() {
		o.Observe(count,
			metric.WithAttributes(
				attribute.String("client_id", key.ClientID),
				attribute.String("namespace", key.Namespace),
			),
		)
	}
	return nil
}

func (m *ServiceMetrics) observeQueueDepth(_ context.Context, o metric.Int64Observer) error {
	m.mu.RLock()
	fn := m.queueDepther
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	for recipient, depth := range fn() {
		o.Observe(depth, metric.WithAttributes(attribute.String("recipient_id", recipient)))
	}
	return nil
}

// RecordOperation records one memory service or mailbox call. contentSize is
// the byte length of the relevant content, or 0 when not applicable (e.g.
// stats()). errKind, when non-empty, is the engram.ErrorKind string of a
// failed call.
func (m *ServiceMetrics) RecordOperation(ctx context.Context, operation, clientID, namespace string, contentSize int, duration time.Duration, errKind string) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("client_id", clientID),
	}
	if namespace != "" {
		attrs = append(attrs, attribute.String("namespace", namespace))
	}

	latencyMs := float64(duration.Microseconds()) / 1000.0

	if errKind != "" {
		errAttrs := append(append([]attribute.KeyValue{}, attrs...),
			attribute.String("status", "error"),
			attribute.String("error.kind", errKind),
		)
		m.operationCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		m.latencyHistogram.Record(ctx, latencyMs, metric.WithAttributes(errAttrs...))
		return
	}

	successAttrs := append(append([]attribute.KeyValue{}, attrs...), attribute.String("status", "success"))
	m.operationCounter.Add(ctx, 1, metric.WithAttributes(successAttrs...))
	m.latencyHistogram.Record(ctx, latencyMs, metric.WithAttributes(successAttrs...))
	if contentSize > 0 {
		m.contentSizeHist.Record(ctx, int64(contentSize), metric.WithAttributes(successAttrs...))
	}
}

// Observe times fn, recording its outcome under operation/clientID/namespace.
// fn's returned error's engram.ErrorKind (if any) is attached to the metric;
// a plain error is recorded as "Internal".
func (m *ServiceMetrics) Observe(ctx context.Context, operation, clientID, namespace string, contentSize int, fn func() error) error {
	start := time.Now()
	err := fn()
	m.RecordOperation(ctx, operation, clientID, namespace, contentSize, time.Since(start), errKindOf(err))
	return err
}

// ShutdownMetrics gracefully shuts down the meter provider.
func ShutdownMetrics(ctx context.Context) error {
	if globalMeterProvider != nil {
		return globalMeterProvider.Shutdown(ctx)
	}
	return nil
}
