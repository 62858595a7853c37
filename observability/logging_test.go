package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTraceContextHandlerAddsTraceContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(provider)
	defer provider.Shutdown(context.Background())

	var buf bytes.Buffer
	handler := NewTraceContextHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger := slog.New(handler)

	tracer := otel.Tracer("engramd")
	ctx, span := tracer.Start(context.Background(), "add-memory")
	spanContext := span.SpanContext()
	logger.InfoContext(ctx, "memory added", slog.String("namespace", "longterm"))
	span.End()

	output := buf.String()
	if !strings.Contains(output, spanContext.TraceID().String()) {
		t.Errorf("output missing trace_id: %s", output)
	}
	if !strings.Contains(output, spanContext.SpanID().String()) {
		t.Errorf("output missing span_id: %s", output)
	}
	if !strings.Contains(output, "longterm") {
		t.Errorf("output missing caller attribute: %s", output)
	}
}

func TestTraceContextHandlerWithoutSpanStillLogs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewTraceContextHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger := slog.New(handler)

	logger.InfoContext(context.Background(), "client service constructed", slog.String("client_id", "alice"))

	if !strings.Contains(buf.String(), "client service constructed") {
		t.Errorf("output missing message: %s", buf.String())
	}
}

func TestStructuredHandlerStampsService(t *testing.T) {
	var buf bytes.Buffer
	handler := NewStructuredHandler("engramd")

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "compartment expired", 0)
	record.AddAttrs(slog.String("compartment_id", "scratch-1"))

	// Handle writes to os.Stdout, so capture it through a pipe.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	stdout := os.Stdout
	os.Stdout = w
	handleErr := handler.Handle(context.Background(), record)
	os.Stdout = stdout
	w.Close()
	if handleErr != nil {
		t.Fatalf("Handle: %v", handleErr)
	}
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("read captured output: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["service"] != "engramd" {
		t.Errorf("service = %v, want engramd", entry["service"])
	}
}

func TestClientLoggerAttachesClientID(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	logger := ClientLogger(base, "alice")
	logger.Info("namespace cleared", slog.String("namespace", "projects"))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["client_id"] != "alice" {
		t.Errorf("client_id = %v, want alice", entry["client_id"])
	}
	if entry["namespace"] != "projects" {
		t.Errorf("namespace = %v, want projects", entry["namespace"])
	}
}

func TestClientLoggerDefaultsBaseWhenNil(t *testing.T) {
	logger := ClientLogger(nil, "bob")
	if logger == nil {
		t.Fatal("ClientLogger returned nil")
	}
	// Must not panic when the caller hasn't configured a logger yet.
	logger.Info("client service evicted", slog.Bool("idle", true))
}

func TestConfigureLoggingStructuredIncludesService(t *testing.T) {
	ConfigureLogging("engramd", slog.LevelInfo, true, true)
	logger := slog.Default()
	if logger == nil {
		t.Fatal("slog.Default() returned nil after ConfigureLogging")
	}
	logger.Info("engramd started", slog.String("data_dir", "/tmp/engram"))
}

func TestConfigureLoggingTextFallback(t *testing.T) {
	ConfigureLogging("engramd", slog.LevelWarn, false, false)
	logger := slog.Default()
	logger.Warn("no embedding backend configured; enabling lexical fallback")
}

func TestGetLoggerWithTraceCarriesSpanContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(provider)
	defer provider.Shutdown(context.Background())

	logger := GetLoggerWithTrace()
	if logger == nil {
		t.Fatal("GetLoggerWithTrace returned nil")
	}

	tracer := otel.Tracer("engramd")
	ctx, span := tracer.Start(context.Background(), "search")
	logger.InfoContext(ctx, "search completed", slog.Int("result_count", 3))
	span.End()
}

func TestTraceContextHandlerEnabledRespectsBaseLevel(t *testing.T) {
	handler := NewTraceContextHandler(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled when base level is warn")
	}
	if !handler.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled")
	}
}

func TestStructuredHandlerWithAttrsAndGroupPreserveService(t *testing.T) {
	handler := NewStructuredHandler("engramd")

	withAttrs := handler.WithAttrs([]slog.Attr{slog.String("namespace", "longterm")})
	sh, ok := withAttrs.(*StructuredHandler)
	if !ok {
		t.Fatalf("WithAttrs returned %T, want *StructuredHandler", withAttrs)
	}
	if sh.service != "engramd" {
		t.Errorf("service = %q after WithAttrs, want engramd", sh.service)
	}

	withGroup := sh.WithGroup("request")
	sh, ok = withGroup.(*StructuredHandler)
	if !ok {
		t.Fatalf("WithGroup returned %T, want *StructuredHandler", withGroup)
	}
	if sh.service != "engramd" {
		t.Errorf("service = %q after WithGroup, want engramd", sh.service)
	}
}
