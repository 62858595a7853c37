// Command engramd runs the engram memory daemon: it wires together the
// per-client memory services (C1-C6, C9), the client registry (C8), and
// the inter-client mailbox (C7) behind the same start-goroutines-then-wait-
// for-signal shape the teacher's integration test server uses, minus the
// HTTP transport layer the spec leaves out of scope.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sashabaranov/go-openai"

	"github.com/engramhq/engram/clientregistry"
	"github.com/engramhq/engram/config"
	"github.com/engramhq/engram/embedding"
	"github.com/engramhq/engram/mailbox"
	"github.com/engramhq/engram/observability"
)

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildEmbedder(ctx context.Context, cfg *config.Config) (embedding.Provider, error) {
	switch cfg.EmbeddingBackend {
	case config.BackendNone:
		return nil, nil
	case config.BackendBedrock:
		return embedding.NewBedrockProvider(ctx, embedding.BedrockConfig{
			ModelID:    cfg.BedrockModelID,
			Dimensions: cfg.BedrockDimensions,
			Region:     cfg.BedrockRegion,
			Profile:    cfg.BedrockProfile,
		})
	case config.BackendOpenAI:
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, openai.EmbeddingModel(cfg.OpenAIModel), cfg.OpenAIDim), nil
	default:
		return nil, fmt.Errorf("engramd: unhandled embedding backend %q", cfg.EmbeddingBackend)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("engramd: config: %v", err)
	}

	observability.ConfigureLogging("engramd", logLevel(cfg.LogLevel), cfg.StructuredLogs, true)
	logger := observability.GetLoggerWithTrace()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := observability.InitTracing("engramd", cfg.OTLPEndpoint, cfg.ConsoleTracing)
	if err != nil {
		log.Fatalf("engramd: init tracing: %v", err)
	}
	defer tracerProvider.Shutdown(context.Background())

	if _, err := observability.InitMetrics("engramd", cfg.MetricsPort); err != nil {
		log.Fatalf("engramd: init metrics: %v", err)
	}
	defer observability.ShutdownMetrics(context.Background())

	serviceMetrics, err := observability.NewServiceMetrics("engramd")
	if err != nil {
		log.Fatalf("engramd: service metrics: %v", err)
	}

	auditAdapter := observability.AuditAdapter(observability.NewConsoleAuditAdapter(!cfg.StructuredLogs))
	if cfg.StructuredLogs {
		auditAdapter = observability.NewStructuredAuditAdapter(os.Stdout)
	}
	auditLogger := observability.NewAuditLogger(auditAdapter)

	embedder, err := buildEmbedder(ctx, cfg)
	if err != nil {
		log.Fatalf("engramd: embedding provider: %v", err)
	}
	if embedder == nil && !cfg.UseFallback {
		logger.Warn("no embedding backend configured; enabling lexical fallback",
			"embedding_backend", cfg.EmbeddingBackend)
		cfg.UseFallback = true
	}

	registry := clientregistry.New(clientregistry.Options{
		DataDir:     cfg.DataDir,
		Embedder:    embedder,
		UseFallback: cfg.UseFallback,
		SessionSize: cfg.SessionSize,
		IdleTTL:     cfg.ClientIdleTTL,
		ReapPeriod:  cfg.ReapPeriod,
		Logger:      logger,
		AuditLogger: auditLogger,
	})
	registry.Start(ctx)
	defer registry.Stop()

	mbox := clientregistry.Mailbox(cfg.DataDir, registry)
	if cfg.RedisURL != "" {
		notifier, err := mailbox.NewRedisNotifier(cfg.RedisURL)
		if err != nil {
			log.Fatalf("engramd: redis notifier: %v", err)
		}
		mbox.SetNotifier(notifier)
		defer notifier.Close()
	}
	mbox.StartSweeper(cfg.MailboxSweep)
	defer mbox.StopSweeper()

	serviceMetrics.SetNamespaceSizer(func() map[observability.NamespaceKey]int64 {
		return registry.NamespaceRecordCounts()
	})
	serviceMetrics.SetQueueDepthFunc(mbox.QueueDepths)

	logger.Info("engramd started",
		"data_dir", cfg.DataDir,
		"embedding_backend", cfg.EmbeddingBackend,
		"use_fallback", cfg.UseFallback,
	)
	auditLogger.LogConfigurationChange("engramd", "startup", "embedding_backend", nil, cfg.EmbeddingBackend, nil)

	<-ctx.Done()
	logger.Info("engramd shutting down")
}
