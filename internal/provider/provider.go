// Package provider implements task-type routing across LLM providers:
// ordered fallback with per-route circuit breakers, latency-aware tie
// breaking, cost accounting, and quarantine of providers whose
// credentials are rejected.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/internal/breaker"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

// SecretSource resolves named credentials. *secrets.Store satisfies it.
type SecretSource interface {
	Get(name, def string) string
}

// Config configures a Router. Routes and Providers overlay the built-in
// defaults per key; they do not replace the whole table.
type Config struct {
	Secrets     SecretSource
	HTTPTimeout time.Duration
	OllamaURL   string
	RerankURL   string
	Routes      map[models.TaskType][]models.RouteCandidate
	Providers   []Spec
	Breaker     breaker.Settings // template for per-route breakers
}

// Router routes chat, embedding, and rerank calls to providers.
type Router struct {
	secrets   SecretSource
	client    *http.Client
	routes    map[models.TaskType][]models.RouteCandidate
	providers map[string]Spec
	rerankURL string
	brTmpl    breaker.Settings

	// Latency tracking: "provider/model" → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64

	// Cost accumulators
	costMu   sync.Mutex
	session  *models.CostSummary
	lifetime *models.CostSummary

	// Providers whose credentials were rejected; skipped until cleared.
	quarMu      sync.RWMutex
	quarantined map[string]bool

	brMu     sync.Mutex
	breakers map[string]*breaker.Breaker

	statMu sync.Mutex
	stats  map[string]*routeStats
}

type routeStats struct {
	requests int64
	failures int64
}

// New builds a Router. Candidates naming unknown providers are a
// construction error, not a runtime surprise.
func New(cfg Config) (*Router, error) {
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("provider: secrets source is required")
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if cfg.OllamaURL == "" {
		cfg.OllamaURL = "http://localhost:11434"
	}

	providers := map[string]Spec{}
	for _, spec := range builtinProviders(cfg.OllamaURL) {
		providers[spec.Name] = spec
	}
	for _, spec := range cfg.Providers {
		if spec.Name == "" {
			return nil, fmt.Errorf("provider: spec with empty name")
		}
		if spec.Kind == "" {
			spec.Kind = KindOpenAI
		}
		providers[spec.Name] = spec
	}

	routes := defaultRoutes()
	for taskType, cands := range cfg.Routes {
		routes[taskType] = cands
	}
	for taskType, cands := range routes {
		for _, cand := range cands {
			if _, ok := providers[cand.Provider]; !ok {
				return nil, fmt.Errorf("provider: route %s references unknown provider %q", taskType, cand.Provider)
			}
		}
	}

	r := &Router{
		secrets:     cfg.Secrets,
		client:      &http.Client{Timeout: cfg.HTTPTimeout},
		routes:      routes,
		providers:   providers,
		rerankURL:   cfg.RerankURL,
		brTmpl:      cfg.Breaker,
		latencies:   make(map[string]int64),
		session:     newCostSummary("session"),
		lifetime:    newCostSummary("lifetime"),
		quarantined: make(map[string]bool),
		breakers:    make(map[string]*breaker.Breaker),
		stats:       make(map[string]*routeStats),
	}
	return r, nil
}

func newCostSummary(period string) *models.CostSummary {
	return &models.CostSummary{
		Period:     period,
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
		ByTaskType: make(map[string]float64),
	}
}

// ── Route selection ──────────────────────────────────────────

// Route picks the candidate Execute would try first, without side
// effects. estTokens sizes the cost estimate; maxCostUSD of 0 means
// unbounded.
func (r *Router) Route(taskType models.TaskType, estTokens int64, maxCostUSD float64) (models.RouteDecision, error) {
	cands := r.orderedCandidates(taskType)
	if len(cands) == 0 {
		return models.RouteDecision{}, fault.Newf(fault.Validation, "no routes for task type %q", taskType)
	}

	budgetOnly := true
	anyConsidered := false
	for _, cand := range cands {
		spec, ok := r.providers[cand.Provider]
		if !ok || !r.usable(spec) {
			continue
		}
		if r.breakerFor(cand).State() == "open" {
			anyConsidered = true
			budgetOnly = false
			continue
		}
		anyConsidered = true
		est := float64(estTokens) / 1000 * r.candidateCostPer1K(cand)
		if maxCostUSD > 0 && est > maxCostUSD {
			continue
		}
		budgetOnly = false
		return models.RouteDecision{
			Provider:      cand.Provider,
			Model:         cand.Model,
			EstimatedCost: est,
			Reason:        "breaker closed, estimate within budget",
		}, nil
	}

	if anyConsidered && budgetOnly {
		return models.RouteDecision{}, fault.Newf(fault.BudgetExceeded, "no %s candidate within max cost %.6f", taskType, maxCostUSD)
	}
	return models.RouteDecision{}, fault.New(fault.BackendUnavailable, "no provider available")
}

// orderedCandidates returns the candidates for a task type in try order:
// declaration order, except that adjacent candidates with identical
// per-1K cost are ordered by observed latency, fastest first.
func (r *Router) orderedCandidates(taskType models.TaskType) []models.RouteCandidate {
	base, ok := r.routes[taskType]
	if !ok {
		return nil
	}
	ordered := append([]models.RouteCandidate(nil), base...)

	i := 0
	for i < len(ordered) {
		j := i + 1
		for j < len(ordered) && r.candidateCostPer1K(ordered[j]) == r.candidateCostPer1K(ordered[i]) {
			j++
		}
		if j-i > 1 {
			run := ordered[i:j]
			sort.SliceStable(run, func(a, b int) bool {
				return r.avgLatency(run[a]) < r.avgLatency(run[b])
			})
		}
		i = j
	}
	return ordered
}

// ── Execution ────────────────────────────────────────────────

// Execute runs a chat call through the task type's candidates in order.
// Each call goes through the route's circuit breaker; auth rejections
// quarantine the provider for the rest of the session. When every
// candidate fails, the last error is wrapped as BackendUnavailable.
func (r *Router) Execute(ctx context.Context, taskType models.TaskType, messages []models.ChatMessage, c models.CallConstraints) (*models.ProviderResponse, error) {
	if len(messages) == 0 {
		return nil, fault.New(fault.Validation, "no messages")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cands := r.orderedCandidates(taskType)
	if len(cands) == 0 {
		return nil, fault.Newf(fault.Validation, "no routes for task type %q", taskType)
	}

	var lastErr error
	budgetSkips := 0
	for _, cand := range cands {
		spec, ok := r.providers[cand.Provider]
		if !ok || !r.usable(spec) {
			continue
		}

		est := estimateRequestTokens(messages, cand, c)
		estCost := float64(est) / 1000 * r.candidateCostPer1K(cand)
		if c.MaxCostUSD > 0 && estCost > c.MaxCostUSD {
			budgetSkips++
			continue
		}

		callC := c
		if callC.MaxTokens == 0 {
			callC.MaxTokens = cand.MaxTokens
		}

		start := time.Now()
		var resp *models.ProviderResponse
		err := r.breakerFor(cand).Do(func() error {
			var callErr error
			resp, callErr = r.callChat(ctx, spec, cand.Model, messages, callC)
			return callErr
		})
		if err != nil {
			lastErr = err
			r.noteFailure(cand, err)
			log.Warn().
				Str("provider", cand.Provider).
				Str("model", cand.Model).
				Str("kind", string(fault.KindOf(err))).
				Err(err).
				Msg("provider call failed, trying next")
			continue
		}

		latencyMs := time.Since(start).Milliseconds()
		resp.LatencyMs = latencyMs
		r.updateLatency(cand, latencyMs)
		r.noteSuccess(cand)
		r.trackCost(taskType, cand.Provider, cand.Model, resp.Usage.TotalTokens, resp.Usage.EstimatedCost)
		metrics.ProviderRequests.WithLabelValues(cand.Provider, cand.Model, "ok").Inc()
		metrics.ProviderLatency.WithLabelValues(cand.Provider, cand.Model).Observe(float64(latencyMs) / 1000)
		metrics.ProviderCostUSD.WithLabelValues(cand.Provider, cand.Model).Add(resp.Usage.EstimatedCost)
		return resp, nil
	}

	if lastErr == nil {
		if budgetSkips > 0 {
			return nil, fault.Newf(fault.BudgetExceeded, "no %s candidate within max cost %.6f", taskType, c.MaxCostUSD)
		}
		return nil, fault.New(fault.BackendUnavailable, "no provider available")
	}
	return nil, fault.Wrap(fault.BackendUnavailable, lastErr, "no provider available")
}

// estimateRequestTokens sizes a chat request for the budget check:
// prompt characters / 4 plus the output allowance.
func estimateRequestTokens(messages []models.ChatMessage, cand models.RouteCandidate, c models.CallConstraints) int64 {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	out := c.MaxTokens
	if out == 0 {
		out = cand.MaxTokens
	}
	return int64(chars/4 + out)
}

// Verify probes one provider's reachability and credentials.
func (r *Router) Verify(ctx context.Context, providerName string) *models.ProviderProbe {
	probe := &models.ProviderProbe{Provider: providerName}
	spec, ok := r.providers[providerName]
	if !ok {
		probe.Error = fmt.Sprintf("unknown provider %q", providerName)
		return probe
	}

	model := r.probeModel(providerName)
	probe.Model = model

	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	start := time.Now()
	err := r.probe(probeCtx, spec, model)
	probe.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		probe.Error = err.Error()
		return probe
	}
	probe.Healthy = true
	return probe
}

// probeModel picks the model to verify with: the provider's first
// appearance in the route table.
func (r *Router) probeModel(providerName string) string {
	order := []models.TaskType{
		models.TaskFast, models.TaskClassification, models.TaskAnalysis,
		models.TaskGeneration, models.TaskEmbedding,
	}
	for _, taskType := range order {
		for _, cand := range r.routes[taskType] {
			if cand.Provider == providerName {
				return cand.Model
			}
		}
	}
	return ""
}

// ── Availability ─────────────────────────────────────────────

func (r *Router) usable(spec Spec) bool {
	if r.IsQuarantined(spec.Name) {
		return false
	}
	if spec.SecretName == "" {
		return true
	}
	return r.secretFor(spec) != ""
}

func (r *Router) secretFor(spec Spec) string {
	if spec.SecretName == "" {
		return ""
	}
	return r.secrets.Get(spec.SecretName, "")
}

func (r *Router) breakerFor(cand models.RouteCandidate) *breaker.Breaker {
	key := cand.Provider + "/" + cand.Model
	r.brMu.Lock()
	defer r.brMu.Unlock()
	if br, ok := r.breakers[key]; ok {
		return br
	}
	settings := r.brTmpl
	settings.Name = key
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool {
			return !fault.Is(err, fault.Validation)
		}
	}
	br := breaker.New(settings)
	r.breakers[key] = br
	return br
}

func (r *Router) noteFailure(cand models.RouteCandidate, err error) {
	kind := fault.KindOf(err)
	metrics.ProviderRequests.WithLabelValues(cand.Provider, cand.Model, "error").Inc()
	metrics.ProviderFallbacks.WithLabelValues(cand.Provider, string(kind)).Inc()

	r.statMu.Lock()
	st := r.statsFor(cand.Provider)
	st.requests++
	st.failures++
	r.statMu.Unlock()

	if kind == fault.Auth {
		r.quarantine(cand.Provider)
	}
}

func (r *Router) noteSuccess(cand models.RouteCandidate) {
	r.statMu.Lock()
	r.statsFor(cand.Provider).requests++
	r.statMu.Unlock()
}

// statsFor returns the stats row for a provider. Caller holds statMu.
func (r *Router) statsFor(provider string) *routeStats {
	st, ok := r.stats[provider]
	if !ok {
		st = &routeStats{}
		r.stats[provider] = st
	}
	return st
}

func (r *Router) updateLatency(cand models.RouteCandidate, latencyMs int64) {
	if latencyMs < 1 {
		latencyMs = 1 // sub-ms calls still count as measured
	}
	key := cand.Provider + "/" + cand.Model
	r.latencyMu.Lock()
	prev := r.latencies[key]
	if prev == 0 {
		r.latencies[key] = latencyMs
	} else {
		// Exponential moving average
		r.latencies[key] = (prev*7 + latencyMs*3) / 10
	}
	r.latencyMu.Unlock()
}

// avgLatency returns the rolling average for a route; unknown routes
// report a pessimistic 1s so proven routes win ties.
func (r *Router) avgLatency(cand models.RouteCandidate) int64 {
	r.latencyMu.RLock()
	defer r.latencyMu.RUnlock()
	if ms, ok := r.latencies[cand.Provider+"/"+cand.Model]; ok && ms > 0 {
		return ms
	}
	return 1000
}

// ── Quarantine ───────────────────────────────────────────────

func (r *Router) quarantine(provider string) {
	r.quarMu.Lock()
	already := r.quarantined[provider]
	r.quarantined[provider] = true
	r.quarMu.Unlock()
	if !already {
		log.Error().Str("provider", provider).Msg("provider quarantined after credential rejection")
	}
}

func (r *Router) IsQuarantined(provider string) bool {
	r.quarMu.RLock()
	defer r.quarMu.RUnlock()
	return r.quarantined[provider]
}

// ClearQuarantine re-admits a provider, typically after its credential
// was rotated.
func (r *Router) ClearQuarantine(provider string) {
	r.quarMu.Lock()
	delete(r.quarantined, provider)
	r.quarMu.Unlock()
}

// ── Virtual keys ─────────────────────────────────────────────

// VirtualKey is an opaque reference to a provider credential: safe to
// pass around and log. The value stays in the secrets store and is
// resolved inside the router at call time.
type VirtualKey struct {
	Provider   string
	secretName string
}

func (vk VirtualKey) String() string { return "vk:" + vk.Provider }

// SecretName names the store entry backing this key, for rotation flows.
func (vk VirtualKey) SecretName() string { return vk.secretName }

// VirtualKeys lists a key handle per configured provider (local
// providers without credentials excluded).
func (r *Router) VirtualKeys() []VirtualKey {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	keys := make([]VirtualKey, 0, len(names))
	for _, name := range names {
		spec := r.providers[name]
		if spec.SecretName == "" || r.secretFor(spec) == "" {
			continue
		}
		keys = append(keys, VirtualKey{Provider: name, secretName: spec.SecretName})
	}
	return keys
}

// ── Cost accounting ──────────────────────────────────────────

func (r *Router) trackCost(taskType models.TaskType, provider, model string, tokens int64, cost float64) {
	r.costMu.Lock()
	defer r.costMu.Unlock()
	for _, summary := range []*models.CostSummary{r.session, r.lifetime} {
		summary.TotalCostUSD += cost
		summary.TotalTokens += tokens
		summary.ByProvider[provider] += cost
		summary.ByModel[model] += cost
		summary.ByTaskType[string(taskType)] += cost
	}
}

// CostSummary returns a copy of the accumulator for period "session" or
// "lifetime".
func (r *Router) CostSummary(period string) models.CostSummary {
	r.costMu.Lock()
	defer r.costMu.Unlock()
	src := r.session
	if period == "lifetime" {
		src = r.lifetime
	}
	return copySummary(src)
}

// ResetSession zeroes the session accumulator; lifetime keeps counting.
func (r *Router) ResetSession() {
	r.costMu.Lock()
	defer r.costMu.Unlock()
	r.session = newCostSummary("session")
}

func copySummary(src *models.CostSummary) models.CostSummary {
	out := models.CostSummary{
		TotalCostUSD: src.TotalCostUSD,
		TotalTokens:  src.TotalTokens,
		Period:       src.Period,
		ByProvider:   make(map[string]float64, len(src.ByProvider)),
		ByModel:      make(map[string]float64, len(src.ByModel)),
		ByTaskType:   make(map[string]float64, len(src.ByTaskType)),
	}
	for k, v := range src.ByProvider {
		out.ByProvider[k] = v
	}
	for k, v := range src.ByModel {
		out.ByModel[k] = v
	}
	for k, v := range src.ByTaskType {
		out.ByTaskType[k] = v
	}
	return out
}

// ── Status ───────────────────────────────────────────────────

// Status snapshots every provider: credential presence, quarantine,
// worst breaker state across its routes, latency, and counters.
func (r *Router) Status() []models.ProviderStatus {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.ProviderStatus, 0, len(names))
	for _, name := range names {
		spec := r.providers[name]
		st := models.ProviderStatus{
			Name:         name,
			Configured:   spec.SecretName == "" || r.secretFor(spec) != "",
			Quarantined:  r.IsQuarantined(name),
			BreakerState: r.worstBreakerState(name),
			AvgLatencyMs: r.providerLatency(name),
		}
		r.statMu.Lock()
		if s, ok := r.stats[name]; ok {
			st.Requests = s.requests
			st.Failures = s.failures
		}
		r.statMu.Unlock()
		out = append(out, st)
	}
	return out
}

func (r *Router) worstBreakerState(provider string) string {
	r.brMu.Lock()
	defer r.brMu.Unlock()
	worst := "closed"
	for key, br := range r.breakers {
		if !strings.HasPrefix(key, provider+"/") {
			continue
		}
		switch br.State() {
		case "open":
			return "open"
		case "half-open":
			worst = "half-open"
		}
	}
	return worst
}

func (r *Router) providerLatency(provider string) int64 {
	r.latencyMu.RLock()
	defer r.latencyMu.RUnlock()
	var sum, n int64
	for key, ms := range r.latencies {
		if strings.HasPrefix(key, provider+"/") {
			sum += ms
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n
}
