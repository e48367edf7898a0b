// Package runtime assembles a complete Loom platform: secrets store,
// provider router, four-tier memory, connector registry, and one
// orchestrator core per domain. It is the embedding entry point; there
// is no server here, because Loom is a library. Callers that want the
// webhook or metrics surfaces mount the handlers on their own mux.
//
// Usage:
//
//	rt, err := runtime.New(ctx)
//	defer rt.Shutdown(ctx)
//	result, err := rt.Orchestrator(models.DomainBI).Execute(ctx, task)
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/connector"
	"github.com/loomworks/loom/internal/evolve"
	"github.com/loomworks/loom/internal/memory"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/provider"
	"github.com/loomworks/loom/internal/secrets"
	"github.com/loomworks/loom/internal/telemetry"
	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"

	"github.com/rs/zerolog/log"
)

// Config is the public configuration. Load fills it from environment
// variables; callers may mutate fields before handing it to
// NewWithConfig.
type Config = config.Config

// LoadConfig reads configuration from environment variables.
func LoadConfig() *Config {
	return config.Load()
}

type closer struct {
	name  string
	close func() error
}

// Runtime holds the wired platform. The exported services are safe for
// concurrent use; orchestrator cores are reached through Orchestrator.
type Runtime struct {
	Secrets    *secrets.Store
	Provider   *provider.Router
	Memory     *memory.Router
	Connectors *connector.Registry
	Perf       *evolve.Tracker

	cfg       *Config
	cores     map[models.Domain]*orchestrator.Core
	scheduler *orchestrator.BudgetScheduler
	closers   []closer
	telStop   func(context.Context) error

	mu     sync.Mutex
	closed bool
}

// New wires a runtime from environment configuration.
func New(ctx context.Context) (*Runtime, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig wires a runtime from an explicit configuration. On
// error, everything already opened is closed again.
func NewWithConfig(ctx context.Context, cfg *Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	telStop, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	rt := &Runtime{
		cfg:     cfg,
		cores:   make(map[models.Domain]*orchestrator.Core),
		telStop: telStop,
	}
	ok := false
	defer func() {
		if !ok {
			rt.Shutdown(context.Background())
		}
	}()

	rt.Secrets, err = secrets.Open(cfg.Secrets.Dir)
	if err != nil {
		return nil, fmt.Errorf("open secrets: %w", err)
	}
	log.Info().Msg("✅ Secrets store ready")

	rt.Provider, err = provider.New(provider.Config{
		Secrets:     rt.Secrets,
		HTTPTimeout: cfg.Provider.RequestTimeout,
		OllamaURL:   cfg.Provider.OllamaURL,
		RerankURL:   cfg.Provider.RerankURL,
	})
	if err != nil {
		return nil, fmt.Errorf("provider router: %w", err)
	}
	log.Info().Msg("✅ Provider router ready")

	rt.Memory, err = rt.buildMemory(ctx, cfg.Memory)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("vector", cfg.Memory.VectorDriver).
		Str("archive", cfg.Memory.ArchiveDriver).
		Msg("✅ Memory router ready")

	rt.Connectors = connector.NewRegistry()
	rt.Perf = evolve.NewTracker(cfg.Orchestrator.PerfWindow)

	for _, domain := range []models.Domain{models.DomainBI, models.DomainCode} {
		core, err := orchestrator.New(orchestrator.Config{
			Domain:        domain,
			Provider:      rt.Provider,
			Memory:        rt.Memory,
			Recorder:      rt.Perf,
			MaxConcurrent: int64(cfg.Orchestrator.MaxConcurrent),
			QueueSize:     cfg.Orchestrator.QueueSize,
			HistorySize:   cfg.Orchestrator.HistorySize,
			MaxRetries:    cfg.Orchestrator.MaxRetries,
			Budget: models.BudgetLimits{
				HourlyUSD: cfg.Orchestrator.HourlyUSD,
				DailyUSD:  cfg.Orchestrator.DailyUSD,
			},
			SummaryTTL: cfg.Orchestrator.SummaryTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator %s: %w", domain, err)
		}
		rt.cores[domain] = core
	}
	log.Info().Msg("✅ Orchestrator cores ready")

	if cfg.Orchestrator.CronResets {
		ledgers := make([]*orchestrator.Ledger, 0, len(rt.cores))
		for _, core := range rt.cores {
			ledgers = append(ledgers, core.Ledger())
		}
		rt.scheduler, err = orchestrator.NewBudgetScheduler(ledgers...)
		if err != nil {
			return nil, fmt.Errorf("budget scheduler: %w", err)
		}
		rt.scheduler.Start()
		log.Info().Msg("✅ Budget scheduler started")
	}

	ok = true
	log.Info().Msg("loom runtime ready")
	return rt, nil
}

// buildMemory opens the configured tiers and appends their closers in
// open order.
func (r *Runtime) buildMemory(ctx context.Context, cfg config.MemoryConfig) (*memory.Router, error) {
	eph, err := memory.NewEphemeral(cfg.RedisURL, cfg.MirrorTTLCap)
	if err != nil {
		return nil, fmt.Errorf("ephemeral tier: %w", err)
	}
	r.closers = append(r.closers, closer{"ephemeral", eph.Close})

	var vector contracts.VectorDriver
	switch cfg.VectorDriver {
	case "pgvector":
		vector, err = memory.NewPgVector(ctx, cfg.PgvectorURL, cfg.EmbedDims)
	case "milvus":
		vector, err = memory.NewMilvusVector(ctx, cfg.MilvusAddr, cfg.EmbedDims)
	default:
		vector = memory.NewEmbeddedVector()
	}
	if err != nil {
		return nil, fmt.Errorf("vector tier %s: %w", cfg.VectorDriver, err)
	}
	r.closers = append(r.closers, closer{"vector", func() error { vector.Close(); return nil }})

	embedder, err := memory.NewEmbedder(r.Provider, cfg.EmbedBatchSize, cfg.EmbedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	rcfg := memory.RouterConfig{
		Ephemeral: eph,
		Vector:    vector,
		Embedder:  embedder,
		Reranker:  r.Provider,
		Bootstrap: cfg.Bootstrap,
	}

	if cfg.SQLDSN != "" {
		facts, err := memory.NewFacts(cfg.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("facts tier: %w", err)
		}
		r.closers = append(r.closers, closer{"facts", facts.Close})
		rcfg.Facts = facts
	}

	switch cfg.ArchiveDriver {
	case "bolt":
		arch, err := memory.NewBoltArchive(cfg.ArchiveBolt)
		if err != nil {
			return nil, fmt.Errorf("archive tier: %w", err)
		}
		r.closers = append(r.closers, closer{"archive", arch.Close})
		rcfg.Archive = arch
	default:
		arch := memory.NewLocalArchive(cfg.ArchiveDir, true)
		r.closers = append(r.closers, closer{"archive", arch.Close})
		rcfg.Archive = arch
	}

	// A policy file is the tuning authority when present; otherwise the
	// configured alpha applies directly.
	if cfg.PolicyPath != "" {
		policy, err := memory.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("memory policy: %w", err)
		}
		rcfg.Policy = policy
	} else {
		alpha := cfg.HybridAlpha
		rcfg.Alpha = &alpha
	}

	return memory.NewRouter(rcfg)
}

// Orchestrator returns the execution core for a domain, or nil for
// domains without one (only bi and code run cores).
func (r *Runtime) Orchestrator(domain models.Domain) *orchestrator.Core {
	return r.cores[domain]
}

// RegisterConnector builds a connector runtime bound to this runtime's
// secrets and memory services and adds it to the registry. The behavior
// supplies the integration-specific fetch, transform, and webhook
// hooks.
func (r *Runtime) RegisterConnector(cfg connector.Config, behavior contracts.ConnectorBehavior) (*connector.Runtime, error) {
	rt, err := connector.New(cfg, behavior, r.Secrets, r.Memory)
	if err != nil {
		return nil, err
	}
	if err := r.Connectors.Register(rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// WebhookHandler serves POST /webhooks/{connector} for all registered
// connectors. Mount it wherever the embedding application terminates
// HTTP.
func (r *Runtime) WebhookHandler() http.Handler {
	return r.Connectors.WebhookHandler()
}

// MetricsHandler serves the Prometheus registry.
func (r *Runtime) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// Shutdown unwinds the runtime: orchestrators drain within ctx's
// deadline, connectors disconnect, memory flushes lineage, tiers close
// in reverse open order, telemetry stops. Safe to call twice; the
// second call returns nil.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var first error
	fail := func(stage string, err error) {
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("stage", stage).Msg("shutdown error")
		if first == nil {
			first = err
		}
	}

	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	for domain, core := range r.cores {
		fail("orchestrator/"+string(domain), core.Shutdown(ctx))
	}
	if r.Connectors != nil {
		r.Connectors.DisconnectAll()
	}
	if r.Memory != nil {
		r.Memory.Close()
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		fail(r.closers[i].name, r.closers[i].close())
	}
	if r.telStop != nil {
		fail("telemetry", r.telStop(ctx))
	}
	log.Info().Msg("loom runtime stopped")
	return first
}
