// Package observability provides OpenTelemetry integration for engram:
// distributed tracing, Prometheus metrics export, structured logging, and
// audit events for the memory engine's operations.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider global instance
var globalTracerProvider *sdktrace.TracerProvider

// InitTracing initializes OpenTelemetry tracing with the specified configuration.
func InitTracing(serviceName string, otlpEndpoint string, consoleExport bool) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var spanProcessors []sdktrace.SpanProcessor

	if otlpEndpoint != "" {
		exporter, err := otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		spanProcessors = append(spanProcessors, sdktrace.NewBatchSpanProcessor(exporter))
	}

	if consoleExport {
		exporter, err := stdouttrace.New(
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		spanProcessors = append(spanProcessors, sdktrace.NewBatchSpanProcessor(exporter))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)

	for _, processor := range spanProcessors {
		tp.RegisterSpanProcessor(processor)
	}

	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalTracerProvider = tp
	return tp, nil
}

// GetTracer returns a tracer from the current global tracer provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// ExtractTraceContext extracts W3C Trace Context from a message's metadata,
// used when a mailbox delivery crosses from one client's process into
// another's and needs to continue the sender's trace.
func ExtractTraceContext(ctx context.Context, metadata map[string]interface{}) context.Context {
	if metadata == nil {
		return ctx
	}

	traceCtx, ok := metadata["trace_context"]
	if !ok {
		return ctx
	}

	carrier := make(propagation.MapCarrier)
	if traceMap, ok := traceCtx.(map[string]interface{}); ok {
		for k, v := range traceMap {
			if str, ok := v.(string); ok {
				carrier[k] = str
			}
		}
	}

	propagator := otel.GetTextMapPropagator()
	return propagator.Extract(ctx, carrier)
}

// InjectTraceContext injects the current W3C Trace Context into a mailbox
// message's metadata before it is persisted, so the recipient's receive()
// can resume the sender's trace.
func InjectTraceContext(ctx context.Context, metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	carrier := make(propagation.MapCarrier)

	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, carrier)

	if len(carrier) > 0 {
		traceCtx := make(map[string]interface{})
		for k, v := range carrier {
			traceCtx[k] = v
		}
		metadata["trace_context"] = traceCtx
	}

	return metadata
}

// StartOperationSpan starts a span for one memory service or mailbox
// operation, tagged with the client id and (when applicable) namespace.
// Where the teacher's TracingMiddleware wrapped a single agent.Process
// entry point, engram has many independent public operations (add,
// search, send, receive, ...), so each call site starts its own span
// through this helper instead of being wrapped by a shared middleware.
func StartOperationSpan(ctx context.Context, tracer trace.Tracer, operation, clientID, namespace string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, operation, trace.WithSpanKind(trace.SpanKindInternal))
	attrs := []attribute.KeyValue{
		attribute.String("engram.operation", operation),
		attribute.String("engram.client_id", clientID),
	}
	if namespace != "" {
		attrs = append(attrs, attribute.String("engram.namespace", namespace))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// EndOperationSpan records err on span (if non-nil) and closes it.
func EndOperationSpan(span trace.Span, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Shutdown gracefully shuts down the tracer provider.
func Shutdown(ctx context.Context) error {
	if globalTracerProvider != nil {
		return globalTracerProvider.Shutdown(ctx)
	}
	return nil
}
