package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

// CanRerank reports whether a rerank endpoint is configured. Callers must
// check this before Rerank; reranking is an optional capability, not a
// routed task type.
func (r *Router) CanRerank() bool { return r.rerankURL != "" }

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores docs against query via the configured endpoint and
// returns hits sorted by relevance, at most topN of them. The endpoint
// speaks the common cross-encoder shape: POST /rerank with query +
// documents, results carrying (index, relevance_score).
func (r *Router) Rerank(ctx context.Context, query string, docs []string, topN int) ([]models.RerankHit, error) {
	if !r.CanRerank() {
		return nil, fault.New(fault.Validation, "rerank endpoint not configured")
	}
	if len(docs) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}

	body, _ := json.Marshal(rerankRequest{Query: query, Documents: docs, TopN: topN})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.rerankURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rerank: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := r.secrets.Get("RERANK_API_KEY", ""); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, err, "rerank: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("rerank", resp.StatusCode, resp.Body)
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("rerank: decode response: %w", err)
	}

	hits := make([]models.RerankHit, 0, len(result.Results))
	for _, res := range result.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			continue
		}
		hits = append(hits, models.RerankHit{Index: res.Index, Score: res.RelevanceScore})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topN {
		hits = hits[:topN]
	}
	return hits, nil
}
