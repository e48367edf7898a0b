package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ── Domains ──────────────────────────────────────────────────

// Domain partitions memory and task execution. BI and CODE are isolated
// from each other; SHARED is readable by both.
type Domain string

const (
	DomainBI     Domain = "bi"
	DomainCode   Domain = "code"
	DomainShared Domain = "shared"
)

func (d Domain) IsValid() bool {
	switch d {
	case DomainBI, DomainCode, DomainShared:
		return true
	}
	return false
}

// CanRead reports whether a reader in domain d may see content tagged
// with other. SHARED content is visible to every domain; otherwise the
// domains must match.
func (d Domain) CanRead(other Domain) bool {
	return other == DomainShared || d == other
}

// ── Memory Tiers ─────────────────────────────────────────────

type Tier string

const (
	TierEphemeral  Tier = "ephemeral"  // L1: TTL key/value working state
	TierVector     Tier = "vector"     // L2: semantic chunk search
	TierStructured Tier = "structured" // L3: append-only fact tables
	TierArchive    Tier = "archive"    // L4: cold blob storage
)

// ── Timestamps ───────────────────────────────────────────────

// UTCNow returns the current time truncated to second precision in UTC.
// Every persisted timestamp in the system goes through this so stored
// values always render as RFC 3339 with a trailing Z.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// FormatTime renders t as RFC 3339 in UTC ("2006-01-02T15:04:05Z").
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ── Chunks (L2 unit) ─────────────────────────────────────────

// DocChunk is the unit of semantic memory: one chunk of text plus the
// provenance needed to search, scope, and purge it.
type DocChunk struct {
	ID         string            `json:"id"` // content hash, see ChunkID
	Content    string            `json:"content"`
	SourceURI  string            `json:"source_uri"`
	Domain     Domain            `json:"domain"`
	Timestamp  time.Time         `json:"timestamp"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Vector     []float64         `json:"vector,omitempty"`
}

// ChunkID derives the stable identity of a chunk: SHA-256 over the
// whitespace-normalized content plus the source URI. Identical content
// from the same source always hashes to the same ID, which is what makes
// re-ingestion idempotent.
func ChunkID(content, sourceURI string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeContent(content)))
	h.Write([]byte{0})
	h.Write([]byte(sourceURI))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeContent collapses runs of whitespace to single spaces and trims
// the ends. Formatting-only edits therefore do not produce new chunk IDs.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SearchResult is a single scored hit from semantic search.
type SearchResult struct {
	Chunk DocChunk `json:"chunk"`
	Score float64  `json:"score"`
}

// SearchOptions tune a hybrid memory search. Alpha nil means the
// configured default; 0 is pure keyword, 1 pure dense.
type SearchOptions struct {
	K       int               `json:"k,omitempty"`
	Alpha   *float64          `json:"alpha,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	Rerank  bool              `json:"rerank,omitempty"`
}

// UpsertReport summarizes one chunk ingestion. Soft failures leave
// Stored at zero and carry the cause in Errors rather than failing the
// call.
type UpsertReport struct {
	Requested int      `json:"requested"`
	Deduped   int      `json:"deduped"`
	Embedded  int      `json:"embedded"`
	Stored    int      `json:"stored"`
	Errors    []string `json:"errors,omitempty"`
}

// LineageRow is the provenance record written to L3 for each chunk that
// lands in the vector tier.
type LineageRow struct {
	ChunkID   string    `json:"chunk_id"`
	SourceURI string    `json:"source_uri"`
	Domain    Domain    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// ── Archive (L4 unit) ────────────────────────────────────────

// ArchiveObject describes one stored cold blob. URI is driver-specific
// (file://... or bolt://...) and stable across repeated puts of the same key.
type ArchiveObject struct {
	Key      string            `json:"key"`
	URI      string            `json:"uri"`
	Size     int64             `json:"size"`
	StoredAt time.Time         `json:"stored_at"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ── Tasks ────────────────────────────────────────────────────

// TaskType selects a routing class, not a specific model. The router maps
// each type to an ordered list of provider/model candidates.
type TaskType string

const (
	TaskAnalysis       TaskType = "analysis"
	TaskGeneration     TaskType = "generation"
	TaskClassification TaskType = "classification"
	TaskEmbedding      TaskType = "embedding"
	TaskRerank         TaskType = "rerank"
	TaskFast           TaskType = "fast"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal task is never
// re-enqueued and its counters have been emitted exactly once.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// TaskBudget caps a single task's spend. Both fields must be positive at
// submission.
type TaskBudget struct {
	CostUSD float64 `json:"cost_usd"`
	Tokens  int64   `json:"tokens"`
}

// Task is one unit of orchestrated work. Status, Retries, and Errors are
// owned by the executing core.
type Task struct {
	ID          string            `json:"id"`
	Domain      Domain            `json:"domain"`
	Type        TaskType          `json:"type"`
	Content     string            `json:"content"`
	Priority    int               `json:"priority,omitempty"`
	Budget      TaskBudget        `json:"budget"`
	Status      TaskStatus        `json:"status,omitempty"`
	Retries     int               `json:"retries,omitempty"`
	MaxRetries  int               `json:"max_retries,omitempty"`
	Errors      []string          `json:"errors,omitempty"` // one entry per failed attempt
	Metadata    map[string]string `json:"metadata,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// TaskResult is the terminal record for a task.
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Provider    string     `json:"provider,omitempty"`
	Model       string     `json:"model,omitempty"`
	Usage       TokenUsage `json:"usage"`
	Confidence  float64    `json:"confidence,omitempty"`
	Retries     int        `json:"retries"`
	Error       string     `json:"error,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	CompletedAt time.Time  `json:"completed_at"`
}

// TaskRecord pairs a task with its terminal result in history buffers.
type TaskRecord struct {
	Task       Task       `json:"task"`
	Result     TaskResult `json:"result"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// ── Provider Routing ─────────────────────────────────────────

// ModelTier is a coarse capability/cost class used when ordering
// candidates for a task type.
type ModelTier string

const (
	TierPremium  ModelTier = "premium"
	TierStandard ModelTier = "standard"
	TierEconomy  ModelTier = "economy"
	TierLocal    ModelTier = "local"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RouteCandidate is one provider/model option for a task type. Candidates
// are tried in declaration order; CostPer1K is USD per 1000 tokens and
// overrides the built-in cost table when non-zero.
type RouteCandidate struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Tier      ModelTier `json:"tier,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	CostPer1K float64   `json:"cost_per_1k,omitempty"`
}

// RouteDecision is the outcome of pure route selection (no side effects).
type RouteDecision struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
	Reason        string  `json:"reason,omitempty"`
}

// CallConstraints bound a single provider execution.
type CallConstraints struct {
	MaxTokens   int           `json:"max_tokens,omitempty"`
	MaxCostUSD  float64       `json:"max_cost_usd,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// ProviderResponse is a completed chat call.
type ProviderResponse struct {
	Content      string     `json:"content"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Usage        TokenUsage `json:"usage"`
	LatencyMs    int64      `json:"latency_ms"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type TokenUsage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
}

// CostSummary aggregates spend since construction (lifetime) or since the
// last session reset.
type CostSummary struct {
	TotalCostUSD float64            `json:"total_cost_usd"`
	TotalTokens  int64              `json:"total_tokens"`
	Period       string             `json:"period"` // "session" or "lifetime"
	ByProvider   map[string]float64 `json:"by_provider"`
	ByModel      map[string]float64 `json:"by_model"`
	ByTaskType   map[string]float64 `json:"by_task_type"`
}

// RerankHit references one input document after reranking, most relevant
// first.
type RerankHit struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// ProviderStatus is a point-in-time snapshot of one provider's health as
// seen by the router.
type ProviderStatus struct {
	Name         string `json:"name"`
	Configured   bool   `json:"configured"` // credential present
	Quarantined  bool   `json:"quarantined"`
	BreakerState string `json:"breaker_state"`
	AvgLatencyMs int64  `json:"avg_latency_ms"`
	Requests     int64  `json:"requests"`
	Failures     int64  `json:"failures"`
}

// ProviderProbe is the outcome of a reachability and credential check
// against a single provider.
type ProviderProbe struct {
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ── Secrets ──────────────────────────────────────────────────

// IntegrationCredentials is the canonical credential bundle for a named
// integration, assembled from <NAME>_API_KEY-style entries.
type IntegrationCredentials struct {
	Integration   string `json:"integration"`
	APIKey        string `json:"-"`
	APISecret     string `json:"-"`
	AccessToken   string `json:"-"`
	RefreshToken  string `json:"-"`
	ClientID      string `json:"-"`
	ClientSecret  string `json:"-"`
	WebhookSecret string `json:"-"`
	BaseURL       string `json:"base_url,omitempty"`
}

// Empty reports whether no credential field is populated.
func (c IntegrationCredentials) Empty() bool {
	return c.APIKey == "" && c.APISecret == "" && c.AccessToken == "" &&
		c.RefreshToken == "" && c.ClientID == "" && c.ClientSecret == "" &&
		c.WebhookSecret == "" && c.BaseURL == ""
}

// BearerToken returns the value to present as a bearer credential:
// the access token when present, otherwise the API key.
func (c IntegrationCredentials) BearerToken() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.APIKey
}

// SecretRotation is the audit record emitted when a secret changes.
// Values are never included.
type SecretRotation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Actor     string    `json:"actor"`
	Host      string    `json:"host"`
	RotatedAt time.Time `json:"rotated_at"`
}

// ── Connectors ───────────────────────────────────────────────

// ConnectorState is the coarse health of one connector.
//
// disconnected → healthy on successful connect; healthy → degraded on
// request failures; → unhealthy when the failure rate is sustained;
// any state → disconnected on Disconnect.
type ConnectorState string

const (
	ConnectorDisconnected ConnectorState = "disconnected"
	ConnectorHealthy      ConnectorState = "healthy"
	ConnectorDegraded     ConnectorState = "degraded"
	ConnectorUnhealthy    ConnectorState = "unhealthy"
)

// SyncReport is the outcome of one sync cycle.
type SyncReport struct {
	Connector      string        `json:"connector"`
	Success        bool          `json:"success"`
	Incremental    bool          `json:"incremental"`
	RecordsFetched int           `json:"records_fetched"`
	ChunksStored   int           `json:"chunks_stored"`
	Errors         []string      `json:"errors,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	NextSync       time.Time     `json:"next_sync,omitempty"`
}

// ConnectorInfo is a status snapshot for one registered connector.
type ConnectorInfo struct {
	Name       string         `json:"name"`
	State      ConnectorState `json:"state"`
	Domain     Domain         `json:"domain"`
	LastSync   time.Time      `json:"last_sync,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Requests   int64          `json:"requests"`
	Failures   int64          `json:"failures"`
	AutoSyncOn bool           `json:"auto_sync_on"`
}

// ── Memory Reports ───────────────────────────────────────────

// PurgeReport counts removals per tier for one source URI.
type PurgeReport struct {
	SourceURI string    `json:"source_uri"`
	Hard      bool      `json:"hard"`
	Ephemeral int       `json:"ephemeral"`
	Vector    int       `json:"vector"`
	Facts     int       `json:"facts"`
	Archive   int       `json:"archive"`
	OK        bool      `json:"ok"`
	Errors    []string  `json:"errors,omitempty"`
	PurgedAt  time.Time `json:"purged_at"`
}

// AuditFinding is one suspect item surfaced by a memory audit.
type AuditFinding struct {
	Kind    string `json:"kind"` // "orphan", "duplicate", "pii"
	ChunkID string `json:"chunk_id"`
	Detail  string `json:"detail,omitempty"`
}

// AuditReport is the result of a memory hygiene scan.
type AuditReport struct {
	Findings    []AuditFinding `json:"findings"`
	ChunksSeen  int            `json:"chunks_seen"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// MemoryStats is a snapshot of the memory router's counters.
type MemoryStats struct {
	Reads       int64   `json:"reads"`
	Writes      int64   `json:"writes"`
	Searches    int64   `json:"searches"`
	CacheHits   int64   `json:"cache_hits"`
	CacheMisses int64   `json:"cache_misses"`
	Errors      int64   `json:"errors"`
	HitRate     float64 `json:"cache_hit_rate"`
}

// ── Orchestrator ─────────────────────────────────────────────

// BudgetLimits caps orchestrator spend per wall-clock window. Zero means
// unlimited for that window.
type BudgetLimits struct {
	HourlyUSD float64 `json:"hourly_usd"`
	DailyUSD  float64 `json:"daily_usd"`
}

// CostLedger holds monotonic spend accumulators. Window resets are the
// caller's responsibility (see orchestrator.BudgetScheduler).
type CostLedger struct {
	HourUSD     float64 `json:"hour_usd"`
	DayUSD      float64 `json:"day_usd"`
	LifetimeUSD float64 `json:"lifetime_usd"`
	TasksBilled int64   `json:"tasks_billed"`
}

// CoreStatus is a snapshot of one orchestrator core.
type CoreStatus struct {
	Domain        Domain     `json:"domain"`
	Running       bool       `json:"running"`
	ActiveTasks   int        `json:"active_tasks"`
	QueuedTasks   int        `json:"queued_tasks"`
	Completed     int64      `json:"completed"`
	Failed        int64      `json:"failed"`
	Cancelled     int64      `json:"cancelled"`
	Ledger        CostLedger `json:"ledger"`
	UptimeSeconds int64      `json:"uptime_seconds"`
}

// ── Performance Windows ──────────────────────────────────────

// PerfSnapshot aggregates recent task outcomes for one (domain, task type)
// pair over a fixed-size window.
type PerfSnapshot struct {
	Domain        Domain   `json:"domain"`
	TaskType      TaskType `json:"task_type"`
	Window        int      `json:"window"` // outcomes considered
	SuccessRate   float64  `json:"success_rate"`
	AvgCostUSD    float64  `json:"avg_cost_usd"`
	AvgDurationMs float64  `json:"avg_duration_ms"`
	AvgConfidence float64  `json:"avg_confidence"`
	P95DurationMs int64    `json:"p95_duration_ms"`
}

// TrendDirection classifies how a metric moved between two adjacent windows.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDeclining TrendDirection = "declining"
)

// ── Validation helpers ───────────────────────────────────────

// ValidateTask checks the fields a caller must supply before submission.
func ValidateTask(t Task) error {
	if strings.TrimSpace(t.Content) == "" {
		return fmt.Errorf("task content is empty")
	}
	if !t.Domain.IsValid() {
		return fmt.Errorf("unknown domain %q", t.Domain)
	}
	if t.Type == "" {
		return fmt.Errorf("task type is empty")
	}
	if t.Budget.CostUSD <= 0 {
		return fmt.Errorf("budget cost_usd must be positive")
	}
	if t.Budget.Tokens <= 0 {
		return fmt.Errorf("budget tokens must be positive")
	}
	return nil
}
