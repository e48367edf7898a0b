package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/models"
)

// DefaultMaxChunks caps the embedded driver. Exceeding it is an error
// nudging users toward pgvector or Milvus.
const DefaultMaxChunks = 50_000

// EmbeddedVector is an in-memory L2 driver using brute-force hybrid
// scoring: cosine similarity on the dense side, token overlap on the
// keyword side, mixed by alpha. Suitable for development and tests.
type EmbeddedVector struct {
	mu        sync.RWMutex
	chunks    map[string]*models.DocChunk
	maxChunks int
}

// EmbeddedOption configures the embedded driver.
type EmbeddedOption func(*EmbeddedVector)

// WithMaxChunks overrides the capacity cap.
func WithMaxChunks(max int) EmbeddedOption {
	return func(v *EmbeddedVector) { v.maxChunks = max }
}

// NewEmbeddedVector creates the in-memory driver.
func NewEmbeddedVector(opts ...EmbeddedOption) *EmbeddedVector {
	v := &EmbeddedVector{
		chunks:    make(map[string]*models.DocChunk),
		maxChunks: DefaultMaxChunks,
	}
	for _, opt := range opts {
		opt(v)
	}
	log.Info().Int("max_chunks", v.maxChunks).Msg("embedded vector driver initialized")
	return v
}

func (v *EmbeddedVector) Kind() string { return "embedded" }

func (v *EmbeddedVector) EnsureSchema(_ context.Context) error { return nil }

func (v *EmbeddedVector) Upsert(_ context.Context, chunks []models.DocChunk) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	added := 0
	for _, c := range chunks {
		if _, exists := v.chunks[c.ID]; !exists {
			added++
		}
	}
	if len(v.chunks)+added > v.maxChunks {
		return fmt.Errorf("embedded vector capacity exceeded: %d > %d (use pgvector or milvus)", len(v.chunks)+added, v.maxChunks)
	}

	for _, c := range chunks {
		cp := c
		v.chunks[c.ID] = &cp
	}
	return nil
}

func (v *EmbeddedVector) Search(_ context.Context, queryVec []float64, queryText string, domain models.Domain, k int, alpha float64, filters map[string]string) ([]models.SearchResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	queryTokens := tokenize(queryText)

	type scored struct {
		chunk *models.DocChunk
		score float64
	}
	var candidates []scored

	for _, c := range v.chunks {
		if !searchVisible(domain, c.Domain) {
			continue
		}
		if c.Metadata["tombstoned"] == "true" {
			continue
		}
		if !matchFilters(c.Metadata, filters) {
			continue
		}

		dense := 0.0
		if len(c.Vector) == len(queryVec) && len(queryVec) > 0 {
			dense = cosineSimilarity(queryVec, c.Vector)
		}
		lexical := tokenOverlap(queryTokens, tokenize(c.Content))
		score := alpha*dense + (1-alpha)*lexical
		candidates = append(candidates, scored{chunk: c, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if k > len(candidates) {
		k = len(candidates)
	}

	results := make([]models.SearchResult, k)
	for i := 0; i < k; i++ {
		results[i] = models.SearchResult{Chunk: *candidates[i].chunk, Score: candidates[i].score}
	}
	return results, nil
}

func (v *EmbeddedVector) DeleteBySource(_ context.Context, sourceURI string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	for id, c := range v.chunks {
		if c.SourceURI == sourceURI {
			delete(v.chunks, id)
			removed++
		}
	}
	return removed, nil
}

// TombstoneBySource flags matching chunks instead of deleting them; used
// by soft purge. Tombstoned chunks never surface in searches.
func (v *EmbeddedVector) TombstoneBySource(_ context.Context, sourceURI string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	flagged := 0
	for _, c := range v.chunks {
		if c.SourceURI == sourceURI && c.Metadata["tombstoned"] != "true" {
			if c.Metadata == nil {
				c.Metadata = map[string]string{}
			}
			c.Metadata["tombstoned"] = "true"
			flagged++
		}
	}
	return flagged, nil
}

func (v *EmbeddedVector) ListChunks(_ context.Context, limit int) ([]models.DocChunk, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]models.DocChunk, 0, len(v.chunks))
	for _, c := range v.chunks {
		if limit > 0 && len(out) >= limit {
			break
		}
		if c.Metadata["tombstoned"] == "true" {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (v *EmbeddedVector) Count(_ context.Context, domain models.Domain) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if domain == "" {
		return len(v.chunks), nil
	}
	n := 0
	for _, c := range v.chunks {
		if c.Domain == domain {
			n++
		}
	}
	return n, nil
}

func (v *EmbeddedVector) HealthCheck(_ context.Context) error { return nil }

func (v *EmbeddedVector) Close() {}

// ── Scoring helpers ──────────────────────────────────────────

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func tokenize(s string) map[string]bool {
	tokens := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if len(tok) > 1 {
			tokens[tok] = true
		}
	}
	return tokens
}

// tokenOverlap is the fraction of query tokens present in the document.
func tokenOverlap(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for tok := range query {
		if doc[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(query))
}

func matchFilters(metadata, filters map[string]string) bool {
	for k, want := range filters {
		if metadata[k] != want {
			return false
		}
	}
	return true
}
