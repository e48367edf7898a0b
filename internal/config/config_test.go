package config_test

import (
	"testing"
	"time"

	"github.com/loomworks/loom/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()

	if cfg.Memory.VectorDriver != "embedded" {
		t.Errorf("VectorDriver = %q, want %q", cfg.Memory.VectorDriver, "embedded")
	}
	if cfg.Memory.EmbedBatchSize != 32 {
		t.Errorf("EmbedBatchSize = %d, want 32", cfg.Memory.EmbedBatchSize)
	}
	if cfg.Memory.HybridAlpha != 0.65 {
		t.Errorf("HybridAlpha = %v, want 0.65", cfg.Memory.HybridAlpha)
	}
	if cfg.Memory.MirrorTTLCap != 5*time.Minute {
		t.Errorf("MirrorTTLCap = %v, want 5m", cfg.Memory.MirrorTTLCap)
	}
	if cfg.Orchestrator.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Orchestrator.MaxConcurrent)
	}
	if cfg.Orchestrator.CronResets {
		t.Error("CronResets defaults on, want off")
	}
	if cfg.Telemetry.SampleRatio != 1 {
		t.Errorf("SampleRatio = %v, want 1", cfg.Telemetry.SampleRatio)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v, want nil", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_EMBED_BATCH", "8")
	t.Setenv("LOOM_HYBRID_ALPHA", "0.5")
	t.Setenv("LOOM_PROVIDER_TIMEOUT", "15s")
	t.Setenv("LOOM_BUDGET_HOURLY_USD", "2.5")

	cfg := config.Load()
	if cfg.Memory.EmbedBatchSize != 8 {
		t.Errorf("EmbedBatchSize = %d, want 8", cfg.Memory.EmbedBatchSize)
	}
	if cfg.Memory.HybridAlpha != 0.5 {
		t.Errorf("HybridAlpha = %v, want 0.5", cfg.Memory.HybridAlpha)
	}
	if cfg.Provider.RequestTimeout != 15*time.Second {
		t.Errorf("RequestTimeout = %v, want 15s", cfg.Provider.RequestTimeout)
	}
	if cfg.Orchestrator.HourlyUSD != 2.5 {
		t.Errorf("HourlyUSD = %v, want 2.5", cfg.Orchestrator.HourlyUSD)
	}
}

func TestValidateRejectsNegativeBudget(t *testing.T) {
	cfg := config.Load()
	cfg.Orchestrator.DailyUSD = -1
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with negative daily budget = nil, want error")
	}
}

func TestValidateRejectsBadSampleRatio(t *testing.T) {
	cfg := config.Load()
	cfg.Telemetry.SampleRatio = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with sample ratio 1.5 = nil, want error")
	}
}

func TestValidateRejectsBadAlpha(t *testing.T) {
	cfg := config.Load()
	cfg.Memory.HybridAlpha = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with alpha=1.5 = nil, want error")
	}
	cfg.Memory.HybridAlpha = -0.1
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with alpha=-0.1 = nil, want error")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := config.Load()
	cfg.Memory.VectorDriver = "pinecone"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with unknown vector driver = nil, want error")
	}
}

func TestValidateRequiresDriverEndpoints(t *testing.T) {
	cfg := config.Load()
	cfg.Memory.VectorDriver = "pgvector"
	cfg.Memory.PgvectorURL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() pgvector without URL = nil, want error")
	}

	cfg = config.Load()
	cfg.Memory.VectorDriver = "milvus"
	cfg.Memory.MilvusAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() milvus without addr = nil, want error")
	}
}
