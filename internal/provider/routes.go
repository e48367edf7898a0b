package provider

import (
	"github.com/loomworks/loom/pkg/models"
)

// Kind identifies the wire dialect a provider speaks.
const (
	KindOpenAI    = "openai" // any OpenAI-compatible chat/embeddings API
	KindAnthropic = "anthropic"
	KindOllama    = "ollama"
)

// Spec describes one reachable provider endpoint. SecretName names the
// credential in the secrets store; the value itself is resolved at call
// time and never stored on the router.
type Spec struct {
	Name       string
	Kind       string
	BaseURL    string
	SecretName string
}

// builtinProviders covers the endpoints the default route table refers to.
// Every OpenAI-compatible vendor shares the KindOpenAI adapter.
func builtinProviders(ollamaURL string) []Spec {
	return []Spec{
		{Name: "openai", Kind: KindOpenAI, BaseURL: "https://api.openai.com/v1", SecretName: "OPENAI_API_KEY"},
		{Name: "anthropic", Kind: KindAnthropic, BaseURL: "https://api.anthropic.com", SecretName: "ANTHROPIC_API_KEY"},
		{Name: "groq", Kind: KindOpenAI, BaseURL: "https://api.groq.com/openai/v1", SecretName: "GROQ_API_KEY"},
		{Name: "deepseek", Kind: KindOpenAI, BaseURL: "https://api.deepseek.com/v1", SecretName: "DEEPSEEK_API_KEY"},
		{Name: "together", Kind: KindOpenAI, BaseURL: "https://api.together.xyz/v1", SecretName: "TOGETHER_API_KEY"},
		{Name: "mistral", Kind: KindOpenAI, BaseURL: "https://api.mistral.ai/v1", SecretName: "MISTRAL_API_KEY"},
		{Name: "openrouter", Kind: KindOpenAI, BaseURL: "https://openrouter.ai/api/v1", SecretName: "OPENROUTER_API_KEY"},
		{Name: "ollama", Kind: KindOllama, BaseURL: ollamaURL},
	}
}

// defaultRoutes maps each task type to its ordered candidates. Order is
// the fallback order; the local model closes every chain so a machine
// with only Ollama still functions.
func defaultRoutes() map[models.TaskType][]models.RouteCandidate {
	return map[models.TaskType][]models.RouteCandidate{
		models.TaskAnalysis: {
			{Provider: "anthropic", Model: "claude-sonnet-4-20250514", Tier: models.TierPremium, MaxTokens: 8192},
			{Provider: "openai", Model: "gpt-4o", Tier: models.TierPremium, MaxTokens: 8192},
			{Provider: "ollama", Model: "llama3.1", Tier: models.TierLocal},
		},
		models.TaskGeneration: {
			{Provider: "openai", Model: "gpt-4o", Tier: models.TierPremium, MaxTokens: 8192},
			{Provider: "anthropic", Model: "claude-sonnet-4-20250514", Tier: models.TierPremium, MaxTokens: 8192},
			{Provider: "ollama", Model: "llama3.1", Tier: models.TierLocal},
		},
		models.TaskClassification: {
			{Provider: "openai", Model: "gpt-4o-mini", Tier: models.TierEconomy, MaxTokens: 2048},
			{Provider: "groq", Model: "llama-3.1-8b-instant", Tier: models.TierEconomy, MaxTokens: 2048},
			{Provider: "ollama", Model: "llama3.1", Tier: models.TierLocal},
		},
		models.TaskFast: {
			{Provider: "groq", Model: "llama-3.1-8b-instant", Tier: models.TierEconomy, MaxTokens: 1024},
			{Provider: "openai", Model: "gpt-4o-mini", Tier: models.TierEconomy, MaxTokens: 1024},
			{Provider: "ollama", Model: "llama3.1", Tier: models.TierLocal},
		},
		models.TaskEmbedding: {
			{Provider: "openai", Model: "text-embedding-3-small"},
			{Provider: "ollama", Model: "nomic-embed-text", Tier: models.TierLocal},
		},
	}
}

// Known cost per 1K tokens (USD): sensible defaults, overridable per
// candidate via RouteCandidate.CostPer1K.
var defaultCosts = map[string]map[string]float64{
	"gpt-4o":                    {"input": 0.0025, "output": 0.01},
	"gpt-4o-mini":               {"input": 0.00015, "output": 0.0006},
	"gpt-4-turbo":               {"input": 0.01, "output": 0.03},
	"claude-sonnet-4-20250514":  {"input": 0.003, "output": 0.015},
	"claude-3-5-haiku-20241022": {"input": 0.001, "output": 0.005},
	"claude-opus-4-20250514":    {"input": 0.015, "output": 0.075},
	"llama-3.1-8b-instant":      {"input": 0.00005, "output": 0.00008},
	"llama-3.3-70b-versatile":   {"input": 0.00059, "output": 0.00079},
	"mistral-small-latest":      {"input": 0.0002, "output": 0.0006},
	"text-embedding-3-small":    {"input": 0.00002, "output": 0},
	"text-embedding-3-large":    {"input": 0.00013, "output": 0},
}

func modelCost(model, direction string) float64 {
	if costs, ok := defaultCosts[model]; ok {
		return costs[direction]
	}
	return 0.001 // generic fallback for unknown paid models
}

// candidateCostPer1K resolves the input-token price used for estimates
// and tie-breaking. Explicit candidate prices win; local models are free.
func (r *Router) candidateCostPer1K(c models.RouteCandidate) float64 {
	if c.CostPer1K > 0 {
		return c.CostPer1K
	}
	if spec, ok := r.providers[c.Provider]; ok && spec.Kind == KindOllama {
		return 0
	}
	return modelCost(c.Model, "input")
}
