package memory_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/loomworks/loom/internal/memory"
	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

// fakeVector wraps the embedded driver to observe calls and force
// backend failures.
type fakeVector struct {
	*memory.EmbeddedVector
	searchCalls int
	failUpsert  bool
	failSearch  bool
}

func (f *fakeVector) Upsert(ctx context.Context, chunks []models.DocChunk) error {
	if f.failUpsert {
		return errors.New("vector backend down")
	}
	return f.EmbeddedVector.Upsert(ctx, chunks)
}

func (f *fakeVector) Search(ctx context.Context, queryVec []float64, queryText string, domain models.Domain, k int, alpha float64, filters map[string]string) ([]models.SearchResult, error) {
	f.searchCalls++
	if f.failSearch {
		return nil, errors.New("vector backend down")
	}
	return f.EmbeddedVector.Search(ctx, queryVec, queryText, domain, k, alpha, filters)
}

// fakeFacts is an in-memory FactStore.
type fakeFacts struct {
	mu         sync.Mutex
	facts      map[string]map[string]any
	lineage    []models.LineageRow
	tombstoned map[string]bool
	rows       []map[string]any // canned QueryFacts response
}

func newFakeFacts() *fakeFacts {
	return &fakeFacts{
		facts:      map[string]map[string]any{},
		tombstoned: map[string]bool{},
	}
}

func (f *fakeFacts) RecordFact(_ context.Context, table string, data map[string]any) (string, error) {
	id, err := memory.FactID(data)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts[table+"/"+id] = data
	return id, nil
}

func (f *fakeFacts) QueryFacts(_ context.Context, _ string, _ ...any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, nil
}

func (f *fakeFacts) RecordLineage(_ context.Context, rows []models.LineageRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lineage = append(f.lineage, rows...)
	return nil
}

func (f *fakeFacts) LineageChunkIDs(_ context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.lineage))
	for _, r := range f.lineage {
		if !f.tombstoned[r.ChunkID] {
			out[r.ChunkID] = true
		}
	}
	return out, nil
}

func (f *fakeFacts) PurgeLineage(_ context.Context, sourceURI string, hard bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	if hard {
		kept := f.lineage[:0]
		for _, r := range f.lineage {
			if r.SourceURI == sourceURI {
				n++
				delete(f.tombstoned, r.ChunkID)
				continue
			}
			kept = append(kept, r)
		}
		f.lineage = kept
		return n, nil
	}
	for _, r := range f.lineage {
		if r.SourceURI == sourceURI && !f.tombstoned[r.ChunkID] {
			f.tombstoned[r.ChunkID] = true
			n++
		}
	}
	return n, nil
}

func (f *fakeFacts) HealthCheck(context.Context) error { return nil }
func (f *fakeFacts) Close() error                      { return nil }

func (f *fakeFacts) lineageLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lineage)
}

// fakeReranker reverses whatever order it is given.
type fakeReranker struct {
	can   bool
	fail  bool
	calls int
}

func (f *fakeReranker) CanRerank() bool { return f.can }

func (f *fakeReranker) Rerank(_ context.Context, _ string, docs []string, topN int) ([]models.RerankHit, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("rerank backend down")
	}
	hits := make([]models.RerankHit, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		hits = append(hits, models.RerankHit{Index: i, Score: float64(i + 1)})
	}
	if len(hits) > topN {
		hits = hits[:topN]
	}
	return hits, nil
}

func newTestRouter(t *testing.T, mutate func(*memory.RouterConfig)) (*memory.Router, *fakeVector, *fakeFacts) {
	t.Helper()
	drv := &fakeVector{EmbeddedVector: memory.NewEmbeddedVector()}
	facts := newFakeFacts()
	cfg := memory.RouterConfig{
		Vector:   drv,
		Embedder: newTestEmbedder(t, &fakeEmbedClient{}, 8),
		Facts:    facts,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := memory.NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	t.Cleanup(r.Close)
	return r, drv, facts
}

func floatPtr(f float64) *float64 { return &f }

// ── Construction ─────────────────────────────────────────────

func TestNewRouterValidation(t *testing.T) {
	emb := newTestEmbedder(t, &fakeEmbedClient{}, 8)
	drv := &fakeVector{EmbeddedVector: memory.NewEmbeddedVector()}

	if _, err := memory.NewRouter(memory.RouterConfig{Embedder: emb}); err == nil {
		t.Error("NewRouter() without vector driver succeeded, want error")
	}
	if _, err := memory.NewRouter(memory.RouterConfig{Vector: drv}); err == nil {
		t.Error("NewRouter() without embedder succeeded, want error")
	}
	_, err := memory.NewRouter(memory.RouterConfig{Vector: drv, Embedder: emb, Alpha: floatPtr(1.5)})
	if err == nil || !strings.Contains(err.Error(), "alpha") {
		t.Errorf("NewRouter() with alpha 1.5 error = %v, want alpha range error", err)
	}
}

// ── L1 ───────────────────────────────────────────────────────

func TestPutEphemeralRequiresTTL(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	err := r.PutEphemeral(context.Background(), "k", "v", 0)
	if !fault.Is(err, fault.Validation) {
		t.Errorf("PutEphemeral(ttl=0) error = %v, want validation kind", err)
	}
}

func TestPutEphemeralTTLFromPolicy(t *testing.T) {
	pol := &memory.Policy{
		Tiers: memory.TiersPolicy{
			L1Ephemeral: memory.L1TierPolicy{TTLDefault: memory.Duration(time.Minute)},
		},
	}
	r, _, _ := newTestRouter(t, func(cfg *memory.RouterConfig) { cfg.Policy = pol })
	ctx := context.Background()

	if err := r.PutEphemeral(ctx, "jira:latest_data", "payload", 0); err != nil {
		t.Fatalf("PutEphemeral() with policy default ttl error = %v", err)
	}
	if _, ok := r.GetEphemeral(ctx, "jira:latest_data"); !ok {
		t.Error("GetEphemeral() missed a key written under the policy default ttl")
	}
}

// ── L2 upsert ────────────────────────────────────────────────

func TestUpsertChunksDedupAndReport(t *testing.T) {
	r, drv, _ := newTestRouter(t, nil)
	ctx := context.Background()

	report := r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "quarterly revenue grew 12%", SourceURI: "report://q3"},
		{Content: "churn fell below 2%", SourceURI: "report://q3"},
		{Content: "quarterly revenue grew 12%", SourceURI: "report://q3"}, // duplicate
	}, models.DomainBI)

	if report.Requested != 3 || report.Deduped != 1 || report.Stored != 2 || report.Embedded != 2 {
		t.Errorf("UpsertChunks() report = %+v, want requested 3, deduped 1, stored 2, embedded 2", report)
	}
	if len(report.Errors) != 0 {
		t.Errorf("UpsertChunks() errors = %v, want none", report.Errors)
	}
	n, err := drv.Count(ctx, "")
	if err != nil || n != 2 {
		t.Errorf("Count() = %d, %v, want 2 chunks stored", n, err)
	}
}

func TestUpsertChunksSkipsEmptyContent(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)

	report := r.UpsertChunks(context.Background(), []models.DocChunk{
		{Content: "   ", SourceURI: "report://q3"},
		{Content: "real content", SourceURI: "report://q3"},
	}, models.DomainBI)

	if report.Stored != 1 {
		t.Errorf("Stored = %d, want 1", report.Stored)
	}
	if len(report.Errors) != 1 {
		t.Errorf("Errors = %v, want one empty-content entry", report.Errors)
	}
}

func TestUpsertChunksRejectsUnknownDomain(t *testing.T) {
	r, drv, _ := newTestRouter(t, nil)

	report := r.UpsertChunks(context.Background(), []models.DocChunk{
		{Content: "stray", SourceURI: "x"},
	}, models.Domain("marketing"))

	if report.Stored != 0 || len(report.Errors) != 1 {
		t.Errorf("report = %+v, want stored 0 and one error", report)
	}
	if n, _ := drv.Count(context.Background(), ""); n != 0 {
		t.Errorf("Count() = %d after rejected upsert, want 0", n)
	}
}

func TestUpsertChunksSoftFailureOnDriverError(t *testing.T) {
	r, drv, _ := newTestRouter(t, nil)
	drv.failUpsert = true

	report := r.UpsertChunks(context.Background(), []models.DocChunk{
		{Content: "doomed chunk", SourceURI: "report://q3"},
	}, models.DomainBI)

	if report.Stored != 0 {
		t.Errorf("Stored = %d after driver failure, want 0", report.Stored)
	}
	if len(report.Errors) == 0 || !strings.Contains(report.Errors[0], "vector upsert failed") {
		t.Errorf("Errors = %v, want a vector upsert failure entry", report.Errors)
	}
}

func TestUpsertChunksSoftFailureOnEmbedError(t *testing.T) {
	drv := &fakeVector{EmbeddedVector: memory.NewEmbeddedVector()}
	r, err := memory.NewRouter(memory.RouterConfig{
		Vector:   drv,
		Embedder: newTestEmbedder(t, &fakeEmbedClient{fail: true}, 8),
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	t.Cleanup(r.Close)
	ctx := context.Background()

	report := r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "needs a vector", SourceURI: "report://q3"},
	}, models.DomainBI)
	if report.Stored != 0 || len(report.Errors) == 0 {
		t.Errorf("report = %+v after embed failure, want stored 0 with errors", report)
	}

	// Chunks arriving with vectors skip embedding entirely.
	report = r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "pre-embedded", SourceURI: "report://q3", Vector: []float64{1, 0, 0}},
	}, models.DomainBI)
	if report.Stored != 1 || report.Embedded != 0 {
		t.Errorf("report = %+v for pre-embedded chunk, want stored 1, embedded 0", report)
	}
}

func TestUpsertRecordsLineage(t *testing.T) {
	r, _, facts := newTestRouter(t, nil)

	report := r.UpsertChunks(context.Background(), []models.DocChunk{
		{Content: "first", SourceURI: "jira"},
		{Content: "second", SourceURI: "jira"},
	}, models.DomainBI)
	if report.Stored != 2 {
		t.Fatalf("Stored = %d, want 2", report.Stored)
	}

	r.Close() // drain the async lineage write
	if got := facts.lineageLen(); got != 2 {
		t.Errorf("lineage rows = %d, want 2", got)
	}
}

// ── L2 search ────────────────────────────────────────────────

func TestSearchValidation(t *testing.T) {
	r, drv, _ := newTestRouter(t, nil)
	ctx := context.Background()

	if _, err := r.Search(ctx, "q", models.Domain("marketing"), models.SearchOptions{}); !fault.Is(err, fault.Validation) {
		t.Errorf("Search() with unknown domain error = %v, want validation kind", err)
	}
	if _, err := r.Search(ctx, "q", models.DomainBI, models.SearchOptions{Alpha: floatPtr(1.5)}); !fault.Is(err, fault.Validation) {
		t.Errorf("Search() with alpha 1.5 error = %v, want validation kind", err)
	}

	results, err := r.Search(ctx, "   ", models.DomainBI, models.SearchOptions{})
	if err != nil || results != nil {
		t.Errorf("Search() with blank query = %v, %v, want nil, nil", results, err)
	}
	if drv.searchCalls != 0 {
		t.Errorf("driver searches = %d for rejected queries, want 0", drv.searchCalls)
	}
}

func TestSearchUsesCache(t *testing.T) {
	r, drv, _ := newTestRouter(t, nil)
	ctx := context.Background()

	r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "redis caching guide", SourceURI: "doc://cache"},
	}, models.DomainBI)

	opts := models.SearchOptions{K: 3, Alpha: floatPtr(0)}
	first, err := r.Search(ctx, "caching", models.DomainBI, opts)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("Search() returned %d results, want 1", len(first))
	}
	if drv.searchCalls != 1 {
		t.Fatalf("driver searches = %d, want 1", drv.searchCalls)
	}

	second, err := r.Search(ctx, "caching", models.DomainBI, opts)
	if err != nil {
		t.Fatalf("repeat Search() error = %v", err)
	}
	if drv.searchCalls != 1 {
		t.Errorf("driver searches = %d after repeat query, want 1 (cache hit)", drv.searchCalls)
	}
	if len(second) != 1 || second[0].Chunk.ID != first[0].Chunk.ID {
		t.Errorf("cached results = %+v, want same chunk as first search", second)
	}

	stats := r.Stats()
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Errorf("cache hits/misses = %d/%d, want 1/1", stats.CacheHits, stats.CacheMisses)
	}
}

func TestSearchSoftEmptyOnDriverError(t *testing.T) {
	r, drv, _ := newTestRouter(t, nil)
	drv.failSearch = true

	results, err := r.Search(context.Background(), "anything", models.DomainBI, models.SearchOptions{})
	if err != nil {
		t.Errorf("Search() error = %v with a broken backend, want soft nil", err)
	}
	if results != nil {
		t.Errorf("Search() = %v with a broken backend, want nil", results)
	}
}

func TestSearchSoftEmptyOnEmbedError(t *testing.T) {
	drv := &fakeVector{EmbeddedVector: memory.NewEmbeddedVector()}
	r, err := memory.NewRouter(memory.RouterConfig{
		Vector:   drv,
		Embedder: newTestEmbedder(t, &fakeEmbedClient{fail: true}, 8),
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	t.Cleanup(r.Close)

	results, err := r.Search(context.Background(), "anything", models.DomainBI, models.SearchOptions{})
	if err != nil || results != nil {
		t.Errorf("Search() = %v, %v with embedding down, want nil, nil", results, err)
	}
	if drv.searchCalls != 0 {
		t.Errorf("driver searches = %d, want 0 when embedding fails", drv.searchCalls)
	}
}

func TestSearchPolicyCrossRead(t *testing.T) {
	pol := &memory.Policy{
		Namespaces: map[string]memory.NamespacePolicy{
			"bi": {CrossRead: []string{"code"}},
		},
	}
	r, _, _ := newTestRouter(t, func(cfg *memory.RouterConfig) { cfg.Policy = pol })
	ctx := context.Background()

	r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "deploy pipeline checklist", SourceURI: "repo://ops"},
	}, models.DomainCode)
	r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "quarterly revenue summary", SourceURI: "report://q3"},
	}, models.DomainBI)

	// bi holds a cross_read grant on code, so the code chunk surfaces.
	results, err := r.Search(ctx, "pipeline", models.DomainBI, models.SearchOptions{Alpha: floatPtr(0)})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	found := false
	for _, res := range results {
		if res.Chunk.Domain == models.DomainCode {
			found = true
		}
	}
	if !found {
		t.Errorf("Search(bi) results = %+v, want the code chunk via cross_read", results)
	}

	// The grant is one-way: code still cannot see bi.
	results, err = r.Search(ctx, "revenue", models.DomainCode, models.SearchOptions{Alpha: floatPtr(0)})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, res := range results {
		if res.Chunk.Domain == models.DomainBI {
			t.Errorf("Search(code) surfaced bi chunk %q without a grant", res.Chunk.ID)
		}
	}
}

func TestSearchRerank(t *testing.T) {
	seed := func(t *testing.T, rr *fakeReranker) *memory.Router {
		t.Helper()
		r, _, _ := newTestRouter(t, func(cfg *memory.RouterConfig) { cfg.Reranker = rr })
		r.UpsertChunks(context.Background(), []models.DocChunk{
			{Content: "alpha beta", SourceURI: "doc://1"},
			{Content: "alpha gamma", SourceURI: "doc://2"},
		}, models.DomainBI)
		return r
	}
	opts := models.SearchOptions{K: 2, Alpha: floatPtr(0), Rerank: true}

	t.Run("reorders results", func(t *testing.T) {
		rr := &fakeReranker{can: true}
		r := seed(t, rr)
		results, err := r.Search(context.Background(), "alpha beta", models.DomainBI, opts)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if rr.calls != 1 {
			t.Fatalf("reranker calls = %d, want 1", rr.calls)
		}
		if len(results) != 2 || results[0].Chunk.Content != "alpha gamma" {
			t.Errorf("reranked results = %+v, want %q first", results, "alpha gamma")
		}
		if results[0].Score != 2 {
			t.Errorf("reranked score = %g, want the reranker's 2", results[0].Score)
		}
	})

	t.Run("capability off", func(t *testing.T) {
		rr := &fakeReranker{can: false}
		r := seed(t, rr)
		results, err := r.Search(context.Background(), "alpha beta", models.DomainBI, opts)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if rr.calls != 0 {
			t.Errorf("reranker calls = %d with capability off, want 0", rr.calls)
		}
		if len(results) == 0 || results[0].Chunk.Content != "alpha beta" {
			t.Errorf("results = %+v, want hybrid order with %q first", results, "alpha beta")
		}
	})

	t.Run("failure keeps hybrid order", func(t *testing.T) {
		rr := &fakeReranker{can: true, fail: true}
		r := seed(t, rr)
		results, err := r.Search(context.Background(), "alpha beta", models.DomainBI, opts)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if rr.calls != 1 {
			t.Errorf("reranker calls = %d, want 1", rr.calls)
		}
		if len(results) == 0 || results[0].Chunk.Content != "alpha beta" {
			t.Errorf("results = %+v after rerank failure, want hybrid order kept", results)
		}
	})
}

// ── L3 / L4 through the router ───────────────────────────────

func TestRecordFactRoundTrip(t *testing.T) {
	r, _, facts := newTestRouter(t, nil)
	ctx := context.Background()

	data := map[string]any{"task_id": "t-1", "success": true}
	id, err := r.RecordFact(ctx, "task_results", data)
	if err != nil {
		t.Fatalf("RecordFact() error = %v", err)
	}
	want, err := memory.FactID(data)
	if err != nil {
		t.Fatalf("FactID() error = %v", err)
	}
	if id != want {
		t.Errorf("RecordFact() id = %q, want content-derived %q", id, want)
	}

	facts.rows = []map[string]any{{"task_id": "t-1"}}
	rows, err := r.QueryFacts(ctx, "SELECT task_id FROM task_results")
	if err != nil || len(rows) != 1 {
		t.Errorf("QueryFacts() = %v, %v, want one row", rows, err)
	}
}

func TestTiersNotConfigured(t *testing.T) {
	r, _, _ := newTestRouter(t, func(cfg *memory.RouterConfig) { cfg.Facts = nil })
	ctx := context.Background()

	if _, err := r.RecordFact(ctx, "task_results", map[string]any{"a": 1}); !fault.Is(err, fault.BackendUnavailable) {
		t.Errorf("RecordFact() error = %v without facts tier, want backend-unavailable kind", err)
	}
	if _, err := r.QueryFacts(ctx, "SELECT 1"); !fault.Is(err, fault.BackendUnavailable) {
		t.Errorf("QueryFacts() error = %v without facts tier, want backend-unavailable kind", err)
	}
	if _, err := r.Archive(ctx, "k", []byte("x"), nil); !fault.Is(err, fault.BackendUnavailable) {
		t.Errorf("Archive() error = %v without archive tier, want backend-unavailable kind", err)
	}
	if _, _, err := r.Retrieve(ctx, "k"); !fault.Is(err, fault.BackendUnavailable) {
		t.Errorf("Retrieve() error = %v without archive tier, want backend-unavailable kind", err)
	}
}

func TestArchiveRoundTripThroughRouter(t *testing.T) {
	r, _, _ := newTestRouter(t, func(cfg *memory.RouterConfig) {
		cfg.Archive = memory.NewLocalArchive(t.TempDir(), false)
	})
	ctx := context.Background()

	uri, err := r.Archive(ctx, "task-t1-result", []byte(`{"ok":true}`), map[string]string{"source_uri": "task://t1"})
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if !strings.HasPrefix(uri, "file://") {
		t.Errorf("Archive() uri = %q, want file:// scheme", uri)
	}

	data, meta, err := r.Retrieve(ctx, "task-t1-result")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("Retrieve() data = %q, want the archived payload", data)
	}
	if meta["source_uri"] != "task://t1" {
		t.Errorf("Retrieve() metadata = %v, want source_uri preserved", meta)
	}

	var nf *memory.ErrNotFound
	if _, _, err := r.Retrieve(ctx, "never-archived"); !errors.As(err, &nf) {
		t.Errorf("Retrieve() on missing key error = %v, want ErrNotFound", err)
	}
}

// ── Purge ────────────────────────────────────────────────────

func TestPurgeHardCountsPerTier(t *testing.T) {
	mr := miniredis.RunT(t)
	r, drv, facts := newTestRouter(t, func(cfg *memory.RouterConfig) {
		cfg.Ephemeral = newRedisEphemeral(t, mr)
		cfg.Archive = memory.NewLocalArchive(t.TempDir(), false)
	})
	ctx := context.Background()

	if err := r.PutEphemeral(ctx, "jira:latest_data", "payload", time.Minute); err != nil {
		t.Fatalf("PutEphemeral() error = %v", err)
	}
	if err := r.PutEphemeral(ctx, "jira:cursor", "42", time.Minute); err != nil {
		t.Fatalf("PutEphemeral() error = %v", err)
	}
	if err := r.PutEphemeral(ctx, "github:latest_data", "other", time.Minute); err != nil {
		t.Fatalf("PutEphemeral() error = %v", err)
	}
	r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "ticket LOOM-1 closed", SourceURI: "jira"},
		{Content: "ticket LOOM-2 open", SourceURI: "jira"},
	}, models.DomainBI)
	r.Close() // lineage must land before the purge counts it
	if _, err := r.Archive(ctx, "jira-export", []byte("csv,data"), map[string]string{"source_uri": "jira"}); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	report := r.Purge(ctx, "jira", true)
	if !report.OK {
		t.Fatalf("Purge() report = %+v, want OK", report)
	}
	if report.Ephemeral != 2 || report.Vector != 2 || report.Facts != 2 || report.Archive != 1 {
		t.Errorf("Purge() counts = eph %d, vec %d, facts %d, arch %d, want 2/2/2/1",
			report.Ephemeral, report.Vector, report.Facts, report.Archive)
	}

	if _, ok := r.GetEphemeral(ctx, "jira:cursor"); ok {
		t.Error("GetEphemeral() still finds a purged key")
	}
	if _, ok := r.GetEphemeral(ctx, "github:latest_data"); !ok {
		t.Error("GetEphemeral() lost an unrelated key during purge")
	}
	if n, _ := drv.Count(ctx, ""); n != 0 {
		t.Errorf("Count() = %d after hard purge, want 0", n)
	}
	if facts.lineageLen() != 0 {
		t.Errorf("lineage rows = %d after hard purge, want 0", facts.lineageLen())
	}
}

func TestPurgeSoftTombstones(t *testing.T) {
	r, _, facts := newTestRouter(t, nil)
	ctx := context.Background()

	r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "ticket LOOM-1 closed", SourceURI: "jira"},
		{Content: "ticket LOOM-2 open", SourceURI: "jira"},
	}, models.DomainBI)
	r.Close()

	before, err := r.Search(ctx, "ticket", models.DomainBI, models.SearchOptions{Alpha: floatPtr(0)})
	if err != nil || len(before) != 2 {
		t.Fatalf("Search() before purge = %d results, %v, want 2", len(before), err)
	}

	report := r.Purge(ctx, "jira", false)
	if !report.OK {
		t.Fatalf("Purge() report = %+v, want OK", report)
	}
	if report.Vector != 2 || report.Facts != 2 {
		t.Errorf("Purge() counts = vec %d, facts %d, want 2/2", report.Vector, report.Facts)
	}

	after, err := r.Search(ctx, "ticket", models.DomainBI, models.SearchOptions{Alpha: floatPtr(0)})
	if err != nil {
		t.Fatalf("Search() after purge error = %v", err)
	}
	if len(after) != 0 {
		t.Errorf("Search() after soft purge = %d results, want 0", len(after))
	}
	if facts.lineageLen() != 2 {
		t.Errorf("lineage rows = %d after soft purge, want 2 tombstoned rows kept", facts.lineageLen())
	}

	// Already tombstoned: a second soft purge touches nothing.
	report = r.Purge(ctx, "jira", false)
	if report.Vector != 0 || report.Facts != 0 {
		t.Errorf("second Purge() counts = vec %d, facts %d, want 0/0", report.Vector, report.Facts)
	}
}

func TestPurgeRequiresSourceURI(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	report := r.Purge(context.Background(), "   ", false)
	if report.OK || len(report.Errors) != 1 {
		t.Errorf("Purge(blank) report = %+v, want one error and not OK", report)
	}
}

func TestPurgeInvalidatesSearchCache(t *testing.T) {
	r, drv, _ := newTestRouter(t, nil)
	ctx := context.Background()

	r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "ticket LOOM-1 closed", SourceURI: "jira"},
	}, models.DomainBI)
	opts := models.SearchOptions{Alpha: floatPtr(0)}

	if _, err := r.Search(ctx, "ticket", models.DomainBI, opts); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if _, err := r.Search(ctx, "ticket", models.DomainBI, opts); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if drv.searchCalls != 1 {
		t.Fatalf("driver searches = %d, want 1 before purge", drv.searchCalls)
	}

	r.Close()
	r.Purge(ctx, "jira", true)

	if _, err := r.Search(ctx, "ticket", models.DomainBI, opts); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if drv.searchCalls != 2 {
		t.Errorf("driver searches = %d after purge, want 2 (cache invalidated)", drv.searchCalls)
	}
}

// ── Audit ────────────────────────────────────────────────────

func TestAuditFindsOrphansAndDuplicates(t *testing.T) {
	r, drv, _ := newTestRouter(t, nil)
	ctx := context.Background()

	report := r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "alpha report", SourceURI: "s1"},
	}, models.DomainBI)
	if report.Stored != 1 {
		t.Fatalf("Stored = %d, want 1", report.Stored)
	}
	r.Close()

	// Planted behind the router's back: no lineage rows exist for these.
	err := drv.EmbeddedVector.Upsert(ctx, []models.DocChunk{
		chunk("orphan-1", "lonely data", "s2", models.DomainBI, nil),
		chunk("dup-1", "alpha    report", "s3", models.DomainBI, nil), // normalizes equal to s1's chunk
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	audit, err := r.Audit(ctx)
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if audit.ChunksSeen != 3 {
		t.Errorf("ChunksSeen = %d, want 3", audit.ChunksSeen)
	}

	kinds := map[string]int{}
	for _, f := range audit.Findings {
		kinds[f.Kind]++
		if f.Kind == "duplicate" && !strings.Contains(f.Detail, "same normalized content") {
			t.Errorf("duplicate finding detail = %q, want normalized-content reference", f.Detail)
		}
	}
	if kinds["orphan"] != 2 || kinds["duplicate"] != 1 {
		t.Errorf("finding kinds = %v, want 2 orphans and 1 duplicate", kinds)
	}
}

// ── Introspection ────────────────────────────────────────────

func TestStatsCounters(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	ctx := context.Background()

	if err := r.PutEphemeral(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("PutEphemeral() error = %v", err)
	}
	r.GetEphemeral(ctx, "k")      // hit
	r.GetEphemeral(ctx, "absent") // miss
	r.UpsertChunks(ctx, []models.DocChunk{
		{Content: "one chunk", SourceURI: "s"},
	}, models.DomainBI)
	if _, err := r.Search(ctx, "chunk", models.DomainBI, models.SearchOptions{Alpha: floatPtr(0)}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	stats := r.Stats()
	if stats.Reads != 2 || stats.Writes != 2 || stats.Searches != 1 {
		t.Errorf("Stats() = %+v, want reads 2, writes 2, searches 1", stats)
	}
	if stats.CacheHits != 1 || stats.CacheMisses != 2 {
		t.Errorf("Stats() cache = %d/%d, want hits 1, misses 2", stats.CacheHits, stats.CacheMisses)
	}
	if stats.Errors != 0 {
		t.Errorf("Stats() errors = %d, want 0", stats.Errors)
	}
	if got := r.CacheHitRate(); math.Abs(got-1.0/3.0) > 1e-9 {
		t.Errorf("CacheHitRate() = %g, want 1/3", got)
	}
}

func TestHealthCheckCoversConfiguredTiers(t *testing.T) {
	r, _, _ := newTestRouter(t, func(cfg *memory.RouterConfig) {
		cfg.Archive = memory.NewLocalArchive(t.TempDir(), false)
	})

	health := r.HealthCheck(context.Background())
	for _, tier := range []string{"l1", "l2", "l3", "l4"} {
		err, ok := health[tier]
		if !ok {
			t.Errorf("HealthCheck() missing tier %s", tier)
			continue
		}
		if err != nil {
			t.Errorf("HealthCheck() %s = %v, want nil", tier, err)
		}
	}
}
