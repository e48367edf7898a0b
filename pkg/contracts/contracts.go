// Package contracts defines the service interfaces of the platform.
//
// Components depend on these interfaces, never on each other's concrete
// types: the orchestrator sees a ProviderService and a MemoryService, a
// connector sees a SecretsService, and so on. Wiring happens once in
// pkg/runtime, so swapping an implementation (or substituting a fake in
// tests) is a single line there.
package contracts

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// ── Secrets Service ─────────────────────────────────────────

// SecretsService resolves and manages named credentials.
// Implementation: internal/secrets.Store (AES-GCM vault + env fallback).
type SecretsService interface {
	// Get returns the value for name, preferring environment variables
	// over the vault, or def when neither holds it.
	Get(name, def string) string

	// Set writes a value to the vault and persists it.
	Set(name, value string) error

	// Delete removes a vault entry. Environment variables are untouched.
	Delete(name string) error

	// List returns the vault's entry names, sorted. Never values.
	List() []string

	// Validate reports, per required name, whether a value resolves.
	Validate(required []string) map[string]bool

	// Integration assembles the credential bundle for a named integration
	// by probing the standard suffixes (_API_KEY, _ACCESS_TOKEN, ...).
	Integration(name string) models.IntegrationCredentials

	// Rotate replaces a credential and returns an audit record. The
	// record never contains the value.
	Rotate(name, value string) (models.SecretRotation, error)
}

// ── Provider Service ────────────────────────────────────────

// ProviderService routes LLM work across providers with fallback.
// Implementation: internal/provider.Router.
type ProviderService interface {
	// Route picks the candidate Execute would try first, without calling
	// anyone. estTokens sizes the cost estimate; maxCostUSD 0 = unbounded.
	Route(taskType models.TaskType, estTokens int64, maxCostUSD float64) (models.RouteDecision, error)

	// Execute runs a chat call through the task type's candidates in
	// order, falling past failures until one answers.
	Execute(ctx context.Context, taskType models.TaskType, messages []models.ChatMessage, c models.CallConstraints) (*models.ProviderResponse, error)

	// EmbedTexts embeds a batch of texts via the embedding route.
	EmbedTexts(ctx context.Context, texts []string) ([][]float64, error)

	// CanRerank reports whether a rerank endpoint is configured.
	CanRerank() bool

	// Rerank scores docs against query, best first, at most topN hits.
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]models.RerankHit, error)

	// CostSummary returns accumulated spend for "session" or "lifetime".
	CostSummary(period string) models.CostSummary

	// Status snapshots provider health as the router sees it.
	Status() []models.ProviderStatus
}

// ── Memory Service ──────────────────────────────────────────

// MemoryService is the uniform API over the four memory tiers.
// Implementation: internal/memory.Router.
type MemoryService interface {
	// PutEphemeral stores a value with TTL in L1 (and the local mirror).
	PutEphemeral(ctx context.Context, key string, value any, ttl time.Duration) error

	// GetEphemeral reads from the local mirror first, then the remote KV.
	GetEphemeral(ctx context.Context, key string) (any, bool)

	// DeleteEphemeral removes a key from both mirror and remote.
	DeleteEphemeral(ctx context.Context, key string) error

	// UpsertChunks deduplicates, embeds, and writes chunks into L2 under
	// domain. Backend trouble yields a soft report, not an error.
	UpsertChunks(ctx context.Context, chunks []models.DocChunk, domain models.Domain) models.UpsertReport

	// Search runs a hybrid query scoped to domain. Backend trouble
	// yields an empty result, not an error.
	Search(ctx context.Context, query string, domain models.Domain, opts models.SearchOptions) ([]models.SearchResult, error)

	// RecordFact writes a deduplicated fact row into table and returns
	// its content-derived id, whether inserted or already present.
	RecordFact(ctx context.Context, table string, data map[string]any) (string, error)

	// QueryFacts runs a parameterized read and returns row maps.
	QueryFacts(ctx context.Context, query string, args ...any) ([]map[string]any, error)

	// Archive writes bytes to L4 and returns a stable URI.
	Archive(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error)

	// Retrieve reads an archived blob and its metadata back.
	Retrieve(ctx context.Context, key string) ([]byte, map[string]string, error)

	// Purge removes everything referencing sourceURI across tiers.
	Purge(ctx context.Context, sourceURI string, hard bool) models.PurgeReport

	// Audit scans for orphan chunks, near-duplicates, and PII.
	Audit(ctx context.Context) (models.AuditReport, error)

	// Stats snapshots the router's counters.
	Stats() models.MemoryStats

	// CacheHitRate is hits / (hits + misses), 0 when idle.
	CacheHitRate() float64
}

// ── Memory tier drivers ─────────────────────────────────────

// VectorDriver is the L2 backend.
// Implementations: internal/memory pgvector, milvus, embedded.
type VectorDriver interface {
	// Kind returns the driver identifier ("pgvector", "milvus", "embedded").
	Kind() string

	// EnsureSchema creates the class/table/collection if missing.
	EnsureSchema(ctx context.Context) error

	// Upsert writes chunks that already carry vectors.
	Upsert(ctx context.Context, chunks []models.DocChunk) error

	// Search mixes dense similarity with keyword score by alpha and
	// returns the top k within the domain's visibility.
	Search(ctx context.Context, queryVec []float64, queryText string, domain models.Domain, k int, alpha float64, filters map[string]string) ([]models.SearchResult, error)

	// DeleteBySource removes chunks from one source, returning the count.
	DeleteBySource(ctx context.Context, sourceURI string) (int, error)

	// ListChunks returns up to limit chunks for audits.
	ListChunks(ctx context.Context, limit int) ([]models.DocChunk, error)

	// Count returns the chunk count for a domain ("" = all).
	Count(ctx context.Context, domain models.Domain) (int, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases connections.
	Close()
}

// FactStore is the L3 backend.
// Implementation: internal/memory.Facts (sqlx).
type FactStore interface {
	RecordFact(ctx context.Context, table string, data map[string]any) (string, error)
	QueryFacts(ctx context.Context, query string, args ...any) ([]map[string]any, error)

	// RecordLineage writes provenance rows for stored chunks.
	RecordLineage(ctx context.Context, rows []models.LineageRow) error

	// LineageChunkIDs lists known chunk ids, for orphan audits.
	LineageChunkIDs(ctx context.Context) (map[string]bool, error)

	// PurgeLineage tombstones (soft) or deletes (hard) rows by source.
	PurgeLineage(ctx context.Context, sourceURI string, hard bool) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// ArchiveDriver is the L4 backend.
// Implementations: internal/memory local-dir and bbolt drivers.
type ArchiveDriver interface {
	Kind() string

	// Put stores bytes under key and returns a stable URI. A second Put
	// with the same key returns the original URI without rewriting.
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error)

	// Get reads the blob and its metadata back.
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)

	// DeleteBySource removes objects whose metadata source_uri matches.
	DeleteBySource(ctx context.Context, sourceURI string) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// ── Connector Behavior ──────────────────────────────────────

// ErrUseDefault signals that a behavior declines an optional hook and
// the runtime should apply its default (e.g. the gjson transform).
var ErrUseDefault = errors.New("use runtime default")

// ConnectorBehavior is what a concrete SaaS connector supplies; the
// runtime provides everything else (credentials, rate limiting, breaker,
// retries, sync scheduling, webhook verification).
type ConnectorBehavior interface {
	// TestConnection verifies the upstream accepts our credentials.
	TestConnection(ctx context.Context, rt RuntimeAPI) error

	// FetchData pulls one page/window of records given sync params.
	FetchData(ctx context.Context, rt RuntimeAPI, params map[string]any) ([]map[string]any, error)

	// TransformToChunks maps fetched records to memory chunks. Returning
	// ErrUseDefault applies the runtime's gjson-based mapper.
	TransformToChunks(ctx context.Context, records []map[string]any) ([]models.DocChunk, error)

	// ProcessWebhook handles one verified webhook payload.
	ProcessWebhook(ctx context.Context, rt RuntimeAPI, payload []byte) error
}

// RuntimeAPI is the slice of the connector runtime exposed to behaviors:
// enough to make authenticated requests and reach memory, nothing more.
type RuntimeAPI interface {
	// Name returns the connector's registered name.
	Name() string

	// Credentials returns the loaded credential bundle.
	Credentials() models.IntegrationCredentials

	// MakeRequest performs a rate-limited, breaker-guarded HTTP call and
	// returns the response body.
	MakeRequest(ctx context.Context, method, endpoint string, params map[string]string, body any) ([]byte, error)

	// Memory exposes the bound memory service.
	Memory() MemoryService
}

// ── Orchestrator Service ────────────────────────────────────

// OrchestratorService executes tasks with bounded parallelism.
// Implementation: internal/orchestrator.Core.
type OrchestratorService interface {
	// Submit enqueues a task for execution and returns immediately.
	Submit(task *models.Task) error

	// Execute runs a task to completion synchronously.
	Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error)

	// Status snapshots queue depth, active tasks, and spend.
	Status() models.CoreStatus

	// History returns up to n recent (task, result) records, newest first.
	History(n int) []models.TaskRecord

	// Shutdown stops intake, cancels pending work, and waits for active
	// tasks up to ctx's deadline.
	Shutdown(ctx context.Context) error
}
