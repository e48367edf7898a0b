package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loomworks/loom/internal/metrics"
)

const (
	// DefaultEmbedBatch is how many texts go to the provider per call.
	DefaultEmbedBatch = 32

	// DefaultEmbedCacheSize caps the content-hash embedding cache.
	DefaultEmbedCacheSize = 100_000
)

// EmbedClient is the slice of the provider service the embedder needs.
type EmbedClient interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float64, error)
}

// Embedder batches embedding calls and caches vectors by content hash,
// so re-ingesting unchanged documents costs nothing.
type Embedder struct {
	client EmbedClient
	batch  int
	cache  *lru.Cache[string, []float64]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewEmbedder builds an embedder; batchSize and cacheSize fall back to
// the defaults when non-positive.
func NewEmbedder(client EmbedClient, batchSize, cacheSize int) (*Embedder, error) {
	if client == nil {
		return nil, fmt.Errorf("embedder: client is required")
	}
	if batchSize <= 0 {
		batchSize = DefaultEmbedBatch
	}
	if cacheSize <= 0 {
		cacheSize = DefaultEmbedCacheSize
	}
	cache, err := lru.New[string, []float64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedder cache: %w", err)
	}
	return &Embedder{client: client, batch: batchSize, cache: cache}, nil
}

// Embed returns one vector per text, in order. Cached texts never reach
// the provider; the rest go out in batches. Identical texts within one
// call are embedded once.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))

	// Collect cache misses, deduplicated by content hash.
	var pending []string          // unique texts to embed
	where := map[string][]int{}   // hash → output positions
	order := make([]string, 0, 8) // hashes in pending order
	for i, text := range texts {
		h := contentHash(text)
		if vec, ok := e.cache.Get(h); ok {
			out[i] = vec
			e.hits.Add(1)
			metrics.MemoryCacheHits.WithLabelValues("embedding", "hit").Inc()
			continue
		}
		e.misses.Add(1)
		metrics.MemoryCacheHits.WithLabelValues("embedding", "miss").Inc()
		if _, seen := where[h]; !seen {
			pending = append(pending, text)
			order = append(order, h)
		}
		where[h] = append(where[h], i)
	}

	for start := 0; start < len(pending); start += e.batch {
		end := start + e.batch
		if end > len(pending) {
			end = len(pending)
		}
		vecs, err := e.client.EmbedTexts(ctx, pending[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d: %w", start/e.batch, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embed batch %d: got %d vectors for %d texts", start/e.batch, len(vecs), end-start)
		}
		for j, vec := range vecs {
			h := order[start+j]
			e.cache.Add(h, vec)
			for _, pos := range where[h] {
				out[pos] = vec
			}
		}
	}
	return out, nil
}

// CacheStats reports hit/miss counters and current cache size.
func (e *Embedder) CacheStats() (hits, misses int64, size int) {
	return e.hits.Load(), e.misses.Load(), e.cache.Len()
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
