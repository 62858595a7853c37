// Package config loads engramd's runtime configuration from environment
// variables, optionally sourced from a .env file, following the
// godotenv.Load-then-os.Getenv pattern used across the example corpus
// (e.g. MelloB1989/karma's config package).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EmbeddingBackend selects which embedding provider the memory service uses.
type EmbeddingBackend string

const (
	BackendNone    EmbeddingBackend = "none"
	BackendBedrock EmbeddingBackend = "bedrock"
	BackendOpenAI  EmbeddingBackend = "openai"
)

// Config is engramd's fully-resolved runtime configuration.
type Config struct {
	DataDir     string
	ListenAddr  string
	UseFallback bool

	EmbeddingBackend EmbeddingBackend

	BedrockModelID    string
	BedrockDimensions int
	BedrockRegion     string
	BedrockProfile    string

	OpenAIAPIKey string
	OpenAIModel  string
	OpenAIDim    int

	RedisURL string

	SessionSize    int
	FlushInterval  time.Duration
	ClientIdleTTL  time.Duration
	ReapPeriod     time.Duration
	MailboxSweep   time.Duration
	OTLPEndpoint   string
	MetricsPort    int
	ConsoleTracing bool
	StructuredLogs bool
	LogLevel       string
}

// Load reads a .env file (if present) and then resolves Config from the
// process environment. A missing .env file is not an error: production
// deployments set real environment variables directly.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnvOrDefault("DATA_DIR", defaultDataDir())

	cfg := &Config{
		DataDir:          dataDir,
		ListenAddr:       getEnvOrDefault("LISTEN_ADDR", ":8090"),
		UseFallback:      getEnvBool("USE_FALLBACK", false),
		EmbeddingBackend: EmbeddingBackend(getEnvOrDefault("EMBEDDING_BACKEND", string(BackendNone))),

		BedrockModelID:    getEnvOrDefault("BEDROCK_MODEL_ID", "amazon.titan-embed-text-v2:0"),
		BedrockDimensions: getEnvInt("BEDROCK_DIMENSIONS", 1024),
		BedrockRegion:     os.Getenv("AWS_REGION"),
		BedrockProfile:    os.Getenv("AWS_PROFILE"),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  getEnvOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		OpenAIDim:    getEnvInt("OPENAI_EMBEDDING_DIM", 1536),

		RedisURL: os.Getenv("REDIS_URL"),

		SessionSize:    getEnvInt("SESSION_SIZE", 0),
		FlushInterval:  getEnvDuration("FLUSH_INTERVAL", 30*time.Second),
		ClientIdleTTL:  getEnvDuration("CLIENT_IDLE_TTL", time.Hour),
		ReapPeriod:     getEnvDuration("REAP_PERIOD", 5*time.Minute),
		MailboxSweep:   getEnvDuration("MAILBOX_SWEEP_PERIOD", 60*time.Second),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),
		ConsoleTracing: getEnvBool("CONSOLE_TRACING", false),
		StructuredLogs: getEnvBool("STRUCTURED_LOGS", true),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
	}

	switch cfg.EmbeddingBackend {
	case BackendNone, BackendBedrock, BackendOpenAI:
	default:
		return nil, fmt.Errorf("config: unknown EMBEDDING_BACKEND %q", cfg.EmbeddingBackend)
	}
	if cfg.EmbeddingBackend == BackendOpenAI && cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("config: EMBEDDING_BACKEND=openai requires OPENAI_API_KEY")
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return home + "/.engram"
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
