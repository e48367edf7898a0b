package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for an embedded Loom runtime. Load fills
// it from environment variables; callers may mutate fields before handing
// it to runtime.New, which validates the final values.
type Config struct {
	Secrets      SecretsConfig
	Memory       MemoryConfig
	Provider     ProviderConfig
	Orchestrator OrchestratorConfig
	Telemetry    TelemetryConfig
}

type SecretsConfig struct {
	// Dir holds vault.key and vault.enc. Created with owner-only
	// permissions on first use.
	Dir string `validate:"required"`
}

type MemoryConfig struct {
	// RedisURL enables the L1 ephemeral tier when non-empty.
	RedisURL string
	// VectorDriver selects the L2 backend: "pgvector", "milvus", or
	// "embedded".
	VectorDriver string `validate:"oneof=pgvector milvus embedded"`
	PgvectorURL  string
	MilvusAddr   string
	// SQLDSN enables the L3 structured tier when non-empty.
	SQLDSN string
	// ArchiveDriver selects the L4 backend: "local" or "bolt".
	ArchiveDriver string `validate:"oneof=local bolt"`
	ArchiveDir    string
	ArchiveBolt   string
	// PolicyPath points at an optional YAML memory policy file.
	PolicyPath string
	// Bootstrap controls automatic schema creation on the vector and
	// structured backends. Defaults on for local development DSNs.
	Bootstrap bool

	EmbedDims      int           `validate:"gt=0"`
	EmbedBatchSize int           `validate:"gt=0"`
	EmbedCacheSize int           `validate:"gt=0"`
	HybridAlpha    float64       `validate:"gte=0,lte=1"`
	MirrorTTLCap   time.Duration `validate:"gt=0"`
}

type ProviderConfig struct {
	// OllamaURL is the base URL for the local model server.
	OllamaURL string
	// RerankURL enables the rerank capability when non-empty.
	RerankURL      string
	RequestTimeout time.Duration `validate:"gt=0"`
}

type OrchestratorConfig struct {
	MaxConcurrent int `validate:"gt=0"`
	QueueSize     int `validate:"gt=0"`
	HistorySize   int `validate:"gt=0"`
	MaxRetries    int `validate:"gte=0"`
	// HourlyUSD and DailyUSD cap spend per core; zero means uncapped.
	HourlyUSD  float64       `validate:"gte=0"`
	DailyUSD   float64       `validate:"gte=0"`
	SummaryTTL time.Duration `validate:"gt=0"`
	// CronResets starts the wall-clock budget scheduler. Off by default:
	// accumulators stay monotonic and zeroing is the embedder's call.
	CronResets bool
	// PerfWindow is the per-(domain, task type) outcome ring capacity.
	PerfWindow int `validate:"gt=0"`
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	// SampleRatio is the fraction of traces kept: 1 samples everything,
	// 0 nothing, in between parent-based ratio sampling.
	SampleRatio float64 `validate:"gte=0,lte=1"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Secrets: SecretsConfig{
			Dir: envStr("LOOM_SECRETS_DIR", filepath.Join(home, ".loom")),
		},
		Memory: MemoryConfig{
			RedisURL:       envStr("LOOM_REDIS_URL", ""),
			VectorDriver:   envStr("LOOM_VECTOR_DRIVER", "embedded"),
			PgvectorURL:    envStr("LOOM_PGVECTOR_URL", ""),
			MilvusAddr:     envStr("LOOM_MILVUS_ADDR", ""),
			SQLDSN:         envStr("LOOM_SQL_DSN", ""),
			ArchiveDriver:  envStr("LOOM_ARCHIVE_DRIVER", "local"),
			ArchiveDir:     envStr("LOOM_ARCHIVE_DIR", filepath.Join(home, ".loom", "archive")),
			ArchiveBolt:    envStr("LOOM_ARCHIVE_BOLT", filepath.Join(home, ".loom", "archive.db")),
			PolicyPath:     envStr("LOOM_MEMORY_POLICY", ""),
			Bootstrap:      envBool("LOOM_VECTOR_BOOTSTRAP", true),
			EmbedDims:      envInt("LOOM_EMBED_DIMS", 1536),
			EmbedBatchSize: envInt("LOOM_EMBED_BATCH", 32),
			EmbedCacheSize: envInt("LOOM_EMBED_CACHE", 100_000),
			HybridAlpha:    envFloat("LOOM_HYBRID_ALPHA", 0.65),
			MirrorTTLCap:   envDuration("LOOM_MIRROR_TTL_CAP", 5*time.Minute),
		},
		Provider: ProviderConfig{
			OllamaURL:      envStr("OLLAMA_URL", "http://localhost:11434"),
			RerankURL:      envStr("LOOM_RERANK_URL", ""),
			RequestTimeout: envDuration("LOOM_PROVIDER_TIMEOUT", 60*time.Second),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent: envInt("LOOM_MAX_CONCURRENT", 4),
			QueueSize:     envInt("LOOM_QUEUE_SIZE", 256),
			HistorySize:   envInt("LOOM_HISTORY_SIZE", 100),
			MaxRetries:    envInt("LOOM_TASK_RETRIES", 2),
			HourlyUSD:     envFloat("LOOM_BUDGET_HOURLY_USD", 0),
			DailyUSD:      envFloat("LOOM_BUDGET_DAILY_USD", 0),
			SummaryTTL:    envDuration("LOOM_SUMMARY_TTL", time.Hour),
			CronResets:    envBool("LOOM_BUDGET_CRON", false),
			PerfWindow:    envInt("LOOM_PERF_WINDOW", 200),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "loom"),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
	}
}

// Validate checks field constraints. Construction fails on the first
// violation rather than limping along with a half-usable runtime.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Memory.VectorDriver == "pgvector" && c.Memory.PgvectorURL == "" {
		return fmt.Errorf("invalid config: vector driver pgvector requires LOOM_PGVECTOR_URL")
	}
	if c.Memory.VectorDriver == "milvus" && c.Memory.MilvusAddr == "" {
		return fmt.Errorf("invalid config: vector driver milvus requires LOOM_MILVUS_ADDR")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
