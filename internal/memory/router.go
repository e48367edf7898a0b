package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

const (
	DefaultHybridAlpha    = 0.65
	DefaultSearchK        = 5
	DefaultSearchCacheTTL = 60 * time.Second

	// auditScanLimit bounds how many chunks one audit pass inspects.
	auditScanLimit = 10_000
)

// Reranker is the optional relevance-reordering capability. The
// provider router satisfies it when a rerank endpoint is configured.
type Reranker interface {
	CanRerank() bool
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]models.RerankHit, error)
}

// tombstoner is satisfied by vector drivers that can soft-delete.
// Purge(hard=false) uses it; drivers without it skip the vector tier.
type tombstoner interface {
	TombstoneBySource(ctx context.Context, sourceURI string) (int, error)
}

// RouterConfig wires the Router's tiers. Vector and Embedder are
// required; Facts and Archive degrade to "not configured" when nil.
type RouterConfig struct {
	Ephemeral *Ephemeral              // L1; nil gets a mirror-only instance
	Vector    contracts.VectorDriver  // L2; required
	Embedder  *Embedder               // required
	Facts     contracts.FactStore     // L3; nil disables facts and lineage
	Archive   contracts.ArchiveDriver // L4; nil disables archiving
	Reranker  Reranker                // optional
	Policy    *Policy                 // optional tuning file

	// Alpha is the default hybrid weight; nil falls back to the policy,
	// then 0.65.
	Alpha *float64

	// Bootstrap runs EnsureSchema on the vector driver before the first
	// write.
	Bootstrap bool

	// SearchCacheTTL bounds the L1 search-result cache; 0 falls back to
	// the policy, then 60s.
	SearchCacheTTL time.Duration
}

// Router is the uniform service over the four memory tiers: L1
// ephemeral KV, L2 semantic chunks, L3 structured facts, L4 cold
// archive. Tier trouble degrades reads to empty results and writes to
// soft reports; only caller mistakes surface as errors.
type Router struct {
	eph      *Ephemeral
	vector   contracts.VectorDriver
	embedder *Embedder
	facts    contracts.FactStore
	archive  contracts.ArchiveDriver
	reranker Reranker
	policy   *Policy

	alpha          float64
	bootstrap      bool
	searchCacheTTL time.Duration

	schemaOnce sync.Once
	schemaErr  error

	// lineageWG tracks async provenance writes so Close can drain them.
	lineageWG sync.WaitGroup

	reads       atomic.Int64
	writes      atomic.Int64
	searches    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	errTally    atomic.Int64
}

// NewRouter builds a memory router from injected tiers.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Vector == nil {
		return nil, fmt.Errorf("memory: vector driver is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("memory: embedder is required")
	}

	eph := cfg.Ephemeral
	if eph == nil {
		var err error
		eph, err = NewEphemeral("", 0)
		if err != nil {
			return nil, err
		}
	}

	alpha := cfg.Policy.Alpha(DefaultHybridAlpha)
	if cfg.Alpha != nil {
		alpha = *cfg.Alpha
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("memory: alpha must be within [0, 1], got %g", alpha)
	}

	ttl := cfg.SearchCacheTTL
	if ttl <= 0 {
		ttl = cfg.Policy.SearchCacheTTL(DefaultSearchCacheTTL)
	}

	r := &Router{
		eph:            eph,
		vector:         cfg.Vector,
		embedder:       cfg.Embedder,
		facts:          cfg.Facts,
		archive:        cfg.Archive,
		reranker:       cfg.Reranker,
		policy:         cfg.Policy,
		alpha:          alpha,
		bootstrap:      cfg.Bootstrap,
		searchCacheTTL: ttl,
	}
	log.Info().
		Str("vector", cfg.Vector.Kind()).
		Bool("facts", cfg.Facts != nil).
		Bool("archive", cfg.Archive != nil).
		Float64("alpha", alpha).
		Msg("memory router ready")
	return r, nil
}

// ── L1 ephemeral ─────────────────────────────────────────────

func (r *Router) PutEphemeral(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.policy.EphemeralTTL(0)
	}
	if ttl <= 0 {
		return fault.New(fault.Validation, "ephemeral ttl required")
	}
	if err := r.eph.Put(ctx, key, value, ttl); err != nil {
		r.errTally.Add(1)
		metrics.MemoryOps.WithLabelValues("l1", "put", "error").Inc()
		return err
	}
	r.writes.Add(1)
	metrics.MemoryOps.WithLabelValues("l1", "put", "ok").Inc()
	return nil
}

func (r *Router) GetEphemeral(ctx context.Context, key string) (any, bool) {
	r.reads.Add(1)
	v, ok := r.eph.Get(ctx, key)
	if ok {
		r.cacheHits.Add(1)
		metrics.MemoryCacheHits.WithLabelValues("ephemeral", "hit").Inc()
	} else {
		r.cacheMisses.Add(1)
		metrics.MemoryCacheHits.WithLabelValues("ephemeral", "miss").Inc()
	}
	return v, ok
}

func (r *Router) DeleteEphemeral(ctx context.Context, key string) error {
	return r.eph.Delete(ctx, key)
}

// ── L2 semantic ──────────────────────────────────────────────

// UpsertChunks deduplicates, embeds, and stores chunks under domain.
// Backend trouble shows up in the report, never as an error: ingestion
// callers treat memory as best-effort.
func (r *Router) UpsertChunks(ctx context.Context, chunks []models.DocChunk, domain models.Domain) models.UpsertReport {
	report := models.UpsertReport{Requested: len(chunks)}
	if len(chunks) == 0 {
		return report
	}
	if !domain.IsValid() {
		report.Errors = append(report.Errors, fmt.Sprintf("invalid domain %q", domain))
		r.errTally.Add(1)
		return report
	}

	// Batch-level dedup by content-derived id. The drivers skip ids
	// they already hold, so cross-batch duplicates cost one write.
	seen := make(map[string]bool, len(chunks))
	batch := make([]models.DocChunk, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) == "" {
			report.Errors = append(report.Errors, "chunk with empty content skipped")
			continue
		}
		c.Domain = domain
		if c.ID == "" {
			c.ID = models.ChunkID(c.Content, c.SourceURI)
		}
		if seen[c.ID] {
			report.Deduped++
			metrics.ChunksDeduped.Inc()
			continue
		}
		seen[c.ID] = true
		if c.Timestamp.IsZero() {
			c.Timestamp = models.UTCNow()
		}
		batch = append(batch, c)
	}
	if len(batch) == 0 {
		return report
	}

	// Embed only the chunks that arrived without vectors.
	var (
		missing []int
		texts   []string
	)
	for i := range batch {
		if len(batch[i].Vector) == 0 {
			missing = append(missing, i)
			texts = append(texts, batch[i].Content)
		}
	}
	if len(texts) > 0 {
		vecs, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("embedding failed: %v", err))
			r.errTally.Add(1)
			metrics.MemoryOps.WithLabelValues("l2", "upsert", "error").Inc()
			log.Warn().Err(err).Int("chunks", len(texts)).Msg("embedding failed, chunks not stored")
			return report
		}
		for j, i := range missing {
			batch[i].Vector = vecs[j]
		}
		report.Embedded = len(vecs)
	}

	if err := r.ensureSchema(ctx); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("schema bootstrap failed: %v", err))
		r.errTally.Add(1)
		metrics.MemoryOps.WithLabelValues("l2", "upsert", "error").Inc()
		return report
	}

	if err := r.vector.Upsert(ctx, batch); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("vector upsert failed: %v", err))
		r.errTally.Add(1)
		metrics.MemoryOps.WithLabelValues("l2", "upsert", "error").Inc()
		log.Warn().Err(err).Str("driver", r.vector.Kind()).Int("chunks", len(batch)).Msg("vector upsert failed")
		return report
	}
	report.Stored = len(batch)
	r.writes.Add(1)
	metrics.MemoryOps.WithLabelValues("l2", "upsert", "ok").Inc()
	metrics.ChunksStored.WithLabelValues(string(domain)).Add(float64(len(batch)))

	// Lineage lands asynchronously; Close drains stragglers.
	if r.facts != nil {
		rows := make([]models.LineageRow, len(batch))
		for i, c := range batch {
			rows[i] = models.LineageRow{
				ChunkID:   c.ID,
				SourceURI: c.SourceURI,
				Domain:    c.Domain,
				CreatedAt: models.UTCNow(),
			}
		}
		r.lineageWG.Add(1)
		go func() {
			defer r.lineageWG.Done()
			lctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.facts.RecordLineage(lctx, rows); err != nil {
				r.errTally.Add(1)
				log.Warn().Err(err).Int("rows", len(rows)).Msg("lineage write failed")
			}
		}()
	}
	return report
}

// Search runs a hybrid query scoped to domain. Backend trouble returns
// an empty result; only caller mistakes (bad domain, alpha out of
// range) error.
func (r *Router) Search(ctx context.Context, query string, domain models.Domain, opts models.SearchOptions) ([]models.SearchResult, error) {
	r.searches.Add(1)
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if !domain.IsValid() {
		return nil, fault.Newf(fault.Validation, "invalid domain %q", domain)
	}

	k := opts.K
	if k <= 0 {
		k = DefaultSearchK
	}
	alpha := r.alpha
	if opts.Alpha != nil {
		alpha = *opts.Alpha
	}
	if alpha < 0 || alpha > 1 {
		return nil, fault.Newf(fault.Validation, "alpha must be within [0, 1], got %g", alpha)
	}
	rerank := opts.Rerank && r.reranker != nil && r.reranker.CanRerank()

	start := time.Now()
	cacheKey := searchCacheKey(query, domain, k, alpha, rerank, opts.Filters)
	if raw, ok := r.eph.Get(ctx, cacheKey); ok {
		if cached, ok := decodeCachedResults(raw); ok {
			r.cacheHits.Add(1)
			metrics.MemoryCacheHits.WithLabelValues("search", "hit").Inc()
			return cached, nil
		}
	}
	r.cacheMisses.Add(1)
	metrics.MemoryCacheHits.WithLabelValues("search", "miss").Inc()

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		r.errTally.Add(1)
		metrics.MemoryOps.WithLabelValues("l2", "search", "error").Inc()
		log.Warn().Err(err).Msg("query embedding failed, returning empty result")
		return nil, nil
	}

	fetchK := k
	if rerank {
		fetchK = 2 * k
	}

	// Policy grants beyond the built-in rule need a shared-scope fetch
	// plus a client-side visibility filter.
	scope := domain
	if r.policyWidens(domain) {
		scope = models.DomainShared
	}
	results, err := r.vector.Search(ctx, vecs[0], query, scope, fetchK, alpha, opts.Filters)
	if err != nil {
		r.errTally.Add(1)
		metrics.MemoryOps.WithLabelValues("l2", "search", "error").Inc()
		log.Warn().Err(err).Str("driver", r.vector.Kind()).Msg("vector search failed, returning empty result")
		return nil, nil
	}
	if scope != domain {
		kept := results[:0]
		for _, res := range results {
			if r.policy.Visible(domain, res.Chunk.Domain) {
				kept = append(kept, res)
			}
		}
		results = kept
	}

	if rerank && len(results) > 1 {
		docs := make([]string, len(results))
		for i, res := range results {
			docs[i] = res.Chunk.Content
		}
		hits, err := r.reranker.Rerank(ctx, query, docs, k)
		if err != nil {
			log.Warn().Err(err).Msg("rerank failed, keeping hybrid order")
		} else {
			reranked := make([]models.SearchResult, 0, len(hits))
			for _, h := range hits {
				if h.Index >= 0 && h.Index < len(results) {
					res := results[h.Index]
					res.Score = h.Score
					reranked = append(reranked, res)
				}
			}
			results = reranked
		}
	}
	if len(results) > k {
		results = results[:k]
	}

	metrics.MemoryOps.WithLabelValues("l2", "search", "ok").Inc()
	metrics.MemorySearchDuration.WithLabelValues(r.vector.Kind()).Observe(time.Since(start).Seconds())

	if raw, err := json.Marshal(results); err == nil {
		_ = r.eph.Put(ctx, cacheKey, string(raw), r.searchCacheTTL)
	}
	return results, nil
}

// ── L3 structured ────────────────────────────────────────────

func (r *Router) RecordFact(ctx context.Context, table string, data map[string]any) (string, error) {
	if r.facts == nil {
		return "", fault.New(fault.BackendUnavailable, "structured tier not configured")
	}
	id, err := r.facts.RecordFact(ctx, table, data)
	if err != nil {
		r.errTally.Add(1)
		return "", err
	}
	r.writes.Add(1)
	return id, nil
}

func (r *Router) QueryFacts(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if r.facts == nil {
		return nil, fault.New(fault.BackendUnavailable, "structured tier not configured")
	}
	r.reads.Add(1)
	rows, err := r.facts.QueryFacts(ctx, query, args...)
	if err != nil {
		r.errTally.Add(1)
		return nil, err
	}
	return rows, nil
}

// ── L4 archive ───────────────────────────────────────────────

func (r *Router) Archive(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	if r.archive == nil {
		return "", fault.New(fault.BackendUnavailable, "archive tier not configured")
	}
	uri, err := r.archive.Put(ctx, key, data, metadata)
	if err != nil {
		r.errTally.Add(1)
		metrics.MemoryOps.WithLabelValues("l4", "put", "error").Inc()
		return "", err
	}
	r.writes.Add(1)
	metrics.MemoryOps.WithLabelValues("l4", "put", "ok").Inc()
	return uri, nil
}

func (r *Router) Retrieve(ctx context.Context, key string) ([]byte, map[string]string, error) {
	if r.archive == nil {
		return nil, nil, fault.New(fault.BackendUnavailable, "archive tier not configured")
	}
	r.reads.Add(1)
	data, meta, err := r.archive.Get(ctx, key)
	if err != nil {
		r.errTally.Add(1)
		return nil, nil, err
	}
	return data, meta, nil
}

// ── Cross-tier ───────────────────────────────────────────────

// Purge removes everything referencing sourceURI. Soft purges tombstone
// L2 and L3 so the audit trail survives; hard purges delete rows and
// archive objects too. Per-tier failures land in the report.
func (r *Router) Purge(ctx context.Context, sourceURI string, hard bool) models.PurgeReport {
	report := models.PurgeReport{SourceURI: sourceURI, Hard: hard, PurgedAt: models.UTCNow()}
	if strings.TrimSpace(sourceURI) == "" {
		report.Errors = append(report.Errors, "source uri required")
		return report
	}

	if n, err := r.eph.DeleteByPrefix(ctx, sourceURI); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("ephemeral: %v", err))
	} else {
		report.Ephemeral = n
	}

	if hard {
		if n, err := r.vector.DeleteBySource(ctx, sourceURI); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("vector: %v", err))
		} else {
			report.Vector = n
		}
	} else if ts, ok := r.vector.(tombstoner); ok {
		if n, err := ts.TombstoneBySource(ctx, sourceURI); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("vector: %v", err))
		} else {
			report.Vector = n
		}
	} else {
		report.Errors = append(report.Errors, fmt.Sprintf("vector driver %s cannot tombstone", r.vector.Kind()))
	}

	if r.facts != nil {
		if n, err := r.facts.PurgeLineage(ctx, sourceURI, hard); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("facts: %v", err))
		} else {
			report.Facts = n
		}
	}

	if hard && r.archive != nil {
		if n, err := r.archive.DeleteBySource(ctx, sourceURI); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("archive: %v", err))
		} else {
			report.Archive = n
		}
	}

	// Cached search results may reference purged chunks.
	_, _ = r.eph.DeleteByPrefix(ctx, "search:")

	report.OK = len(report.Errors) == 0
	outcome := "ok"
	if !report.OK {
		outcome = "error"
		r.errTally.Add(1)
	}
	metrics.MemoryOps.WithLabelValues("all", "purge", outcome).Inc()
	log.Info().
		Str("source_uri", sourceURI).
		Bool("hard", hard).
		Int("vector", report.Vector).
		Int("facts", report.Facts).
		Msg("purge complete")
	return report
}

// Audit cross-checks L2 contents against L3 lineage and flags chunks
// that share normalized content under different ids. PII findings are
// reserved; no detector runs yet.
func (r *Router) Audit(ctx context.Context) (models.AuditReport, error) {
	report := models.AuditReport{GeneratedAt: models.UTCNow()}

	chunks, err := r.vector.ListChunks(ctx, auditScanLimit)
	if err != nil {
		r.errTally.Add(1)
		return report, fmt.Errorf("audit chunk scan: %w", err)
	}
	report.ChunksSeen = len(chunks)

	var lineage map[string]bool
	if r.facts != nil {
		lineage, err = r.facts.LineageChunkIDs(ctx)
		if err != nil {
			r.errTally.Add(1)
			return report, fmt.Errorf("audit lineage scan: %w", err)
		}
	}

	byContent := make(map[string]string, len(chunks))
	for _, c := range chunks {
		if lineage != nil && !lineage[c.ID] {
			report.Findings = append(report.Findings, models.AuditFinding{
				Kind: "orphan", ChunkID: c.ID, Detail: "no lineage row",
			})
		}
		sum := sha256.Sum256([]byte(models.NormalizeContent(c.Content)))
		h := hex.EncodeToString(sum[:])
		if first, ok := byContent[h]; ok {
			report.Findings = append(report.Findings, models.AuditFinding{
				Kind: "duplicate", ChunkID: c.ID, Detail: "same normalized content as " + first,
			})
		} else {
			byContent[h] = c.ID
		}
	}
	return report, nil
}

// ── Introspection ────────────────────────────────────────────

func (r *Router) Stats() models.MemoryStats {
	s := models.MemoryStats{
		Reads:       r.reads.Load(),
		Writes:      r.writes.Load(),
		Searches:    r.searches.Load(),
		CacheHits:   r.cacheHits.Load(),
		CacheMisses: r.cacheMisses.Load(),
		Errors:      r.errTally.Load(),
	}
	s.HitRate = hitRate(s.CacheHits, s.CacheMisses)
	return s
}

func (r *Router) CacheHitRate() float64 {
	return hitRate(r.cacheHits.Load(), r.cacheMisses.Load())
}

// HealthCheck pings every configured tier.
func (r *Router) HealthCheck(ctx context.Context) map[string]error {
	out := map[string]error{
		"l1": r.eph.HealthCheck(ctx),
		"l2": r.vector.HealthCheck(ctx),
	}
	if r.facts != nil {
		out["l3"] = r.facts.HealthCheck(ctx)
	}
	if r.archive != nil {
		out["l4"] = r.archive.HealthCheck(ctx)
	}
	return out
}

// Close drains async lineage writes. Drivers are closed by whoever
// constructed them.
func (r *Router) Close() {
	r.lineageWG.Wait()
}

// ── Internals ────────────────────────────────────────────────

func (r *Router) ensureSchema(ctx context.Context) error {
	if !r.bootstrap {
		return nil
	}
	r.schemaOnce.Do(func() {
		r.schemaErr = r.vector.EnsureSchema(ctx)
	})
	return r.schemaErr
}

// policyWidens reports whether the policy grants domain reads past the
// built-in rule, which forces a shared-scope fetch.
func (r *Router) policyWidens(domain models.Domain) bool {
	if r.policy == nil || domain == models.DomainShared {
		return false
	}
	ns, ok := r.policy.Namespaces[string(domain)]
	if !ok {
		return false
	}
	if ns.Isolation == "none" {
		return true
	}
	for _, g := range ns.CrossRead {
		if g == "*" {
			return true
		}
		if to := models.Domain(g); to.IsValid() && !searchVisible(domain, to) {
			return true
		}
	}
	return false
}

// decodeCachedResults recovers search results from whatever shape the
// ephemeral tier hands back: the JSON string we stored, or the already
// parsed value the mirror returns.
func decodeCachedResults(raw any) ([]models.SearchResult, bool) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return nil, false
		}
	}
	var out []models.SearchResult
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	return out, true
}

func searchCacheKey(query string, domain models.Domain, k int, alpha float64, rerank bool, filters map[string]string) string {
	var sb strings.Builder
	sb.WriteString(query)
	sb.WriteByte('|')
	sb.WriteString(string(domain))
	fmt.Fprintf(&sb, "|%d|%g|%t", k, alpha, rerank)
	if len(filters) > 0 {
		keys := make([]string, 0, len(filters))
		for fk := range filters {
			keys = append(keys, fk)
		}
		sort.Strings(keys)
		for _, fk := range keys {
			fmt.Fprintf(&sb, "|%s=%s", fk, filters[fk])
		}
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return "search:" + hex.EncodeToString(sum[:])
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
