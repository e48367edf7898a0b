package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

// ── OpenAI-compatible Chat ───────────────────────────────────

type openAIRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (r *Router) callOpenAI(ctx context.Context, spec Spec, model string, messages []models.ChatMessage, c models.CallConstraints) (*models.ProviderResponse, error) {
	apiKey := r.secretFor(spec)
	if spec.SecretName != "" && apiKey == "" {
		return nil, fault.Newf(fault.Auth, "%s: credential %s not configured", spec.Name, spec.SecretName)
	}

	body, _ := json.Marshal(openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
	})

	url := spec.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", spec.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, err, spec.Name+": request failed")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(spec.Name, httpResp.StatusCode, httpResp.Body)
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", spec.Name, err)
	}

	content, finish := "", ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
		finish = oaiResp.Choices[0].FinishReason
	}

	cost := float64(oaiResp.Usage.PromptTokens)/1000*modelCost(model, "input") +
		float64(oaiResp.Usage.CompletionTokens)/1000*modelCost(model, "output")
	if spec.Kind == KindOllama {
		cost = 0
	}

	return &models.ProviderResponse{
		Content:      content,
		Provider:     spec.Name,
		Model:        model,
		FinishReason: finish,
		Usage: models.TokenUsage{
			InputTokens:   oaiResp.Usage.PromptTokens,
			OutputTokens:  oaiResp.Usage.CompletionTokens,
			TotalTokens:   oaiResp.Usage.TotalTokens,
			EstimatedCost: cost,
		},
	}, nil
}

// ── Anthropic Chat ───────────────────────────────────────────

type anthropicRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature *float64             `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (r *Router) callAnthropic(ctx context.Context, spec Spec, model string, messages []models.ChatMessage, c models.CallConstraints) (*models.ProviderResponse, error) {
	apiKey := r.secretFor(spec)
	if apiKey == "" {
		return nil, fault.Newf(fault.Auth, "%s: credential %s not configured", spec.Name, spec.SecretName)
	}

	maxTokens := c.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096 // the messages API requires an explicit cap
	}

	body, _ := json.Marshal(anthropicRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: c.Temperature,
	})

	url := spec.BaseURL + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", spec.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.BackendUnavailable, err, spec.Name+": request failed")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(spec.Name, httpResp.StatusCode, httpResp.Body)
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", spec.Name, err)
	}

	content := ""
	for _, part := range anthResp.Content {
		if part.Type == "text" {
			content += part.Text
		}
	}

	total := anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens
	cost := float64(anthResp.Usage.InputTokens)/1000*modelCost(model, "input") +
		float64(anthResp.Usage.OutputTokens)/1000*modelCost(model, "output")

	return &models.ProviderResponse{
		Content:      content,
		Provider:     spec.Name,
		Model:        model,
		FinishReason: anthResp.StopReason,
		Usage: models.TokenUsage{
			InputTokens:   anthResp.Usage.InputTokens,
			OutputTokens:  anthResp.Usage.OutputTokens,
			TotalTokens:   total,
			EstimatedCost: cost,
		},
	}, nil
}

// ── Dispatch ─────────────────────────────────────────────────

// callChat dispatches one chat call by provider kind. Ollama speaks the
// OpenAI-compatible dialect on /v1.
func (r *Router) callChat(ctx context.Context, spec Spec, model string, messages []models.ChatMessage, c models.CallConstraints) (*models.ProviderResponse, error) {
	switch spec.Kind {
	case KindAnthropic:
		return r.callAnthropic(ctx, spec, model, messages, c)
	default:
		return r.callOpenAI(ctx, spec, model, messages, c)
	}
}

// ── Probe ────────────────────────────────────────────────────

// probe verifies a provider is reachable and its credential accepted.
// Ollama is probed with a model listing; chat providers with a one-token
// completion, the cheapest call that still exercises auth.
func (r *Router) probe(ctx context.Context, spec Spec, model string) error {
	if spec.Kind == KindOllama {
		url := spec.BaseURL + "/api/tags"
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return fmt.Errorf("%s: create request: %w", spec.Name, err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return fault.Wrap(fault.BackendUnavailable, err, spec.Name+": unreachable")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return classifyStatus(spec.Name, resp.StatusCode, resp.Body)
		}
		return nil
	}

	msgs := []models.ChatMessage{{Role: "user", Content: "Say OK"}}
	_, err := r.callChat(ctx, spec, model, msgs, models.CallConstraints{MaxTokens: 1})
	return err
}

// ── Error classification ─────────────────────────────────────

// classifyStatus turns a non-200 into a typed fault. 401/403 are auth
// (and trigger quarantine upstream), 429 rate limiting, 5xx backend
// trouble, everything else a request problem.
func classifyStatus(provider string, status int, body io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(body, 512))
	msg := fmt.Sprintf("%s: status %d: %s", provider, status, bytes.TrimSpace(raw))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.Auth, msg)
	case status == http.StatusTooManyRequests:
		return fault.New(fault.RateLimited, msg)
	case status >= 500:
		return fault.New(fault.BackendUnavailable, msg)
	default:
		return fault.New(fault.Validation, msg)
	}
}
