package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

// EmbedTexts embeds a batch of texts through the embedding route,
// falling through candidates like Execute does. Every returned vector
// has the same dimensionality or the call fails.
func (r *Router) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	cands := r.orderedCandidates(models.TaskEmbedding)
	var lastErr error
	for _, cand := range cands {
		spec, ok := r.providers[cand.Provider]
		if !ok || !r.usable(spec) {
			continue
		}
		br := r.breakerFor(cand)

		var vecs [][]float64
		err := br.Do(func() error {
			var callErr error
			vecs, callErr = r.callEmbed(ctx, spec, cand.Model, texts)
			return callErr
		})
		if err != nil {
			lastErr = err
			r.noteFailure(cand, err)
			log.Warn().
				Str("provider", cand.Provider).
				Str("model", cand.Model).
				Err(err).
				Msg("embedding call failed, trying next")
			continue
		}

		if err := checkDims(vecs, len(texts)); err != nil {
			lastErr = err
			continue
		}

		tokens := estimateTokens(texts)
		cost := float64(tokens) / 1000 * r.candidateCostPer1K(cand)
		r.trackCost(models.TaskEmbedding, cand.Provider, cand.Model, tokens, cost)
		metrics.ProviderRequests.WithLabelValues(cand.Provider, cand.Model, "ok").Inc()
		return vecs, nil
	}

	if lastErr == nil {
		return nil, fault.New(fault.BackendUnavailable, "no embedding provider available")
	}
	return nil, fault.Wrap(fault.BackendUnavailable, lastErr, "no embedding provider available")
}

// checkDims enforces uniform dimensionality across the batch.
func checkDims(vecs [][]float64, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("embedding count %d does not match input %d", len(vecs), want)
	}
	if want == 0 {
		return nil
	}
	dims := len(vecs[0])
	for i, v := range vecs {
		if len(v) != dims {
			return fmt.Errorf("embedding %d has %d dims, want %d", i, len(v), dims)
		}
	}
	return nil
}

// estimateTokens approximates token usage for embedding billing: roughly
// one token per four characters of input.
func estimateTokens(texts []string) int64 {
	var chars int
	for _, t := range texts {
		chars += len(t)
	}
	return int64(chars / 4)
}

// callEmbed dispatches by kind: OpenAI-compatible /embeddings or the
// Ollama batch endpoint.
func (r *Router) callEmbed(ctx context.Context, spec Spec, model string, texts []string) ([][]float64, error) {
	if spec.Kind == KindOllama {
		return r.embedOllama(ctx, spec, model, texts)
	}
	return r.embedOpenAI(ctx, spec, model, texts)
}

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int64 `json:"prompt_tokens"`
	} `json:"usage"`
}

func (r *Router) embedOpenAI(ctx context.Context, spec Spec, model string, texts []string) ([][]float64, error) {
	apiKey := r.secretFor(spec)
	if spec.SecretName != "" && apiKey == "" {
		return nil, fault.Newf(fault.Auth, "%s: credential %s not configured", spec.Name, spec.SecretName)
	}

	body, _ := json.Marshal(openAIEmbedRequest{Input: texts, Model: model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", spec.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, err, spec.Name+": request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(spec.Name, resp.StatusCode, resp.Body)
	}

	var result openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", spec.Name, err)
	}

	// Reorder by index
	vectors := make([][]float64, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (r *Router) embedOllama(ctx context.Context, spec Spec, model string, texts []string) ([][]float64, error) {
	body, _ := json.Marshal(ollamaEmbedRequest{Model: model, Input: texts})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", spec.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, err, spec.Name+": request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(spec.Name, resp.StatusCode, resp.Body)
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", spec.Name, err)
	}
	return result.Embeddings, nil
}
