// Package orchestrator executes tasks with bounded parallelism.
//
// Each Core owns one domain and drives every task through the same
// lifecycle:
//
//	submit → validate → hydrate context from memory → budget gate →
//	route → provider call (semaphore slot, breaker-wrapped) →
//	persist artifacts (L2 chunk, L3 fact, L1 summary) → terminal status
//
// Transient failures re-enqueue until the task's retry budget runs out.
// Execution failures surface through the TaskResult, not as errors: the
// Core's callers get a terminal result for every admitted task.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/internal/breaker"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

const (
	DefaultMaxConcurrent = 4
	DefaultQueueSize     = 256
	DefaultHistorySize   = 100
	DefaultMaxRetries    = 2
	DefaultSummaryTTL    = time.Hour

	// contextSearchK is how many memory hits hydrate a task's context.
	contextSearchK = 5
	// contextHistoryN is how many recent outcomes ride along with them.
	contextHistoryN = 3

	contextSnippetLen = 200
	summaryOutputCap  = 500
	summaryKeyedChars = 100
)

var tracer = otel.Tracer("loom/orchestrator")

// Recorder receives every terminal task record, e.g. an evolve.Window
// aggregating per-type performance.
type Recorder interface {
	Record(rec models.TaskRecord)
}

// Config wires one orchestrator core. Provider is required; everything
// else has working defaults.
type Config struct {
	Domain   models.Domain
	Provider contracts.ProviderService
	Memory   contracts.MemoryService // nil disables hydration and artifacts
	Recorder Recorder

	MaxConcurrent int64
	QueueSize     int
	HistorySize   int
	// MaxRetries applies to tasks submitted without their own.
	MaxRetries int
	Budget     models.BudgetLimits
	Breaker    breaker.Settings
	SummaryTTL time.Duration
}

// Core is the per-domain task execution engine.
// It implements contracts.OrchestratorService.
type Core struct {
	domain     models.Domain
	provider   contracts.ProviderService
	memory     contracts.MemoryService
	recorder   Recorder
	budget     models.BudgetLimits
	ledger     *Ledger
	sem        *semaphore.Weighted
	br         *breaker.Breaker
	queue      chan *models.Task
	maxRetries int
	summaryTTL time.Duration
	startedAt  time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	workersWG sync.WaitGroup // queue workers
	execWG    sync.WaitGroup // synchronous Execute callers

	mu       sync.Mutex
	draining bool
	active   map[string]*models.Task
	history  []models.TaskRecord
	histNext int

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
}

var _ contracts.OrchestratorService = (*Core)(nil)

func New(cfg Config) (*Core, error) {
	if cfg.Domain != models.DomainBI && cfg.Domain != models.DomainCode {
		return nil, fmt.Errorf("orchestrator: domain must be %q or %q, got %q", models.DomainBI, models.DomainCode, cfg.Domain)
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("orchestrator: provider service is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.SummaryTTL <= 0 {
		cfg.SummaryTTL = DefaultSummaryTTL
	}
	brSettings := cfg.Breaker
	brSettings.Name = "orchestrator/" + string(cfg.Domain)

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Core{
		domain:     cfg.Domain,
		provider:   cfg.Provider,
		memory:     cfg.Memory,
		recorder:   cfg.Recorder,
		budget:     cfg.Budget,
		ledger:     &Ledger{},
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		br:         breaker.New(brSettings),
		queue:      make(chan *models.Task, cfg.QueueSize),
		maxRetries: cfg.MaxRetries,
		summaryTTL: cfg.SummaryTTL,
		startedAt:  models.UTCNow(),
		runCtx:     runCtx,
		runCancel:  cancel,
		active:     make(map[string]*models.Task),
		history:    make([]models.TaskRecord, 0, cfg.HistorySize),
	}
	for i := int64(0); i < cfg.MaxConcurrent; i++ {
		c.workersWG.Add(1)
		go c.worker()
	}
	log.Info().
		Str("domain", string(cfg.Domain)).
		Int64("max_concurrent", cfg.MaxConcurrent).
		Int("queue", cfg.QueueSize).
		Msg("orchestrator core started")
	return c, nil
}

// Ledger exposes the core's spend accumulators, e.g. to hook them into a
// BudgetScheduler.
func (c *Core) Ledger() *Ledger { return c.ledger }

// ── Intake ───────────────────────────────────────────────────

// Submit validates and enqueues a task for asynchronous execution.
func (c *Core) Submit(task *models.Task) error {
	if c.isDraining() {
		return fault.New(fault.BackendUnavailable, "orchestrator is shutting down")
	}
	if err := c.prepareTask(task); err != nil {
		return err
	}
	select {
	case c.queue <- task:
		metrics.TasksQueued.WithLabelValues(string(c.domain)).Inc()
		return nil
	default:
		return fault.Newf(fault.RateLimited, "task queue full (%d pending)", cap(c.queue))
	}
}

// Execute runs a task to completion synchronously, retrying transient
// failures inline. A failed execution is reported through the result,
// not the error: the error is non-nil only when the task was never
// admitted (validation failure or shutdown).
func (c *Core) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil, fault.New(fault.BackendUnavailable, "orchestrator is shutting down")
	}
	c.execWG.Add(1)
	c.mu.Unlock()
	defer c.execWG.Done()

	if err := c.prepareTask(task); err != nil {
		return nil, err
	}
	for {
		result, err := c.attempt(ctx, task)
		if err == nil {
			c.finalize(task, result)
			return result, nil
		}
		task.Errors = append(task.Errors, err.Error())
		if ctx.Err() != nil || !retryable(err) || task.Retries >= task.MaxRetries {
			c.finalize(task, result)
			return result, nil
		}
		task.Retries++
		log.Warn().Str("task", task.ID).Int("retry", task.Retries).Err(err).Msg("transient failure, retrying")
	}
}

func (c *Core) prepareTask(task *models.Task) error {
	if task == nil {
		return fault.New(fault.Validation, "nil task")
	}
	if task.Domain == "" {
		task.Domain = c.domain
	}
	if task.Domain != c.domain {
		return fault.Newf(fault.Validation, "task domain %q does not match core domain %q", task.Domain, c.domain)
	}
	if err := models.ValidateTask(*task); err != nil {
		return fault.Wrap(fault.Validation, err, "task rejected")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = models.UTCNow()
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = c.maxRetries
	}
	task.Status = models.TaskQueued
	return nil
}

// ── Queue processing ─────────────────────────────────────────

// worker consumes the queue until shutdown. The pool size equals the
// semaphore's permit count, so queued tasks back up in the channel when
// every slot is busy instead of fanning out into goroutines.
func (c *Core) worker() {
	defer c.workersWG.Done()
	for {
		select {
		case <-c.runCtx.Done():
			return
		default:
		}
		select {
		case <-c.runCtx.Done():
			return
		case task := <-c.queue:
			metrics.TasksQueued.WithLabelValues(string(c.domain)).Dec()
			c.runTask(task)
		}
	}
}

// runTask drives one queued task through a single attempt, re-enqueueing
// transient failures until the retry budget runs out. Attempts run on a
// background context: in-flight provider calls are never force-cancelled
// at shutdown, Shutdown waits for them instead.
func (c *Core) runTask(task *models.Task) {
	result, err := c.attempt(context.Background(), task)
	if err == nil {
		c.finalize(task, result)
		return
	}
	task.Errors = append(task.Errors, err.Error())
	if retryable(err) && task.Retries < task.MaxRetries && !c.isDraining() {
		task.Retries++
		task.Status = models.TaskQueued
		select {
		case c.queue <- task:
			metrics.TasksQueued.WithLabelValues(string(c.domain)).Inc()
			log.Warn().Str("task", task.ID).Int("retry", task.Retries).Err(err).Msg("transient failure, re-enqueued")
			return
		default:
			// queue full, fail terminally
		}
	}
	c.finalize(task, result)
}

// ── Execution protocol ───────────────────────────────────────

// attempt is one pass through the execution protocol. On failure it
// returns both a failed result (duration and error filled in) and the
// classified error so the caller can decide about a retry.
func (c *Core) attempt(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "execute "+string(task.Type),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.domain", string(c.domain)),
			attribute.Int("task.attempt", task.Retries),
		),
	)
	defer span.End()

	c.mu.Lock()
	task.Status = models.TaskRunning
	c.active[task.ID] = task
	c.mu.Unlock()
	metrics.TasksActive.WithLabelValues(string(c.domain)).Inc()
	defer func() {
		c.mu.Lock()
		delete(c.active, task.ID)
		c.mu.Unlock()
		metrics.TasksActive.WithLabelValues(string(c.domain)).Dec()
	}()

	fail := func(err error) (*models.TaskResult, error) {
		span.SetAttributes(attribute.String("task.error_kind", string(fault.KindOf(err))))
		return &models.TaskResult{
			TaskID:      task.ID,
			Status:      models.TaskFailed,
			Retries:     task.Retries,
			Error:       err.Error(),
			DurationMs:  time.Since(start).Milliseconds(),
			CompletedAt: models.UTCNow(),
		}, err
	}

	c.hydrateContext(ctx, task)

	if err := c.admitBudget(task); err != nil {
		return fail(err)
	}

	decision, err := c.provider.Route(task.Type, task.Budget.Tokens, task.Budget.CostUSD)
	if err != nil {
		return fail(err)
	}
	log.Debug().Str("task", task.ID).Str("provider", decision.Provider).Str("model", decision.Model).Msg("route selected")

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fail(fault.Wrap(fault.Timeout, err, "task "+task.ID+": acquire execution slot"))
	}
	var resp *models.ProviderResponse
	err = c.br.Do(func() error {
		var callErr error
		resp, callErr = c.provider.Execute(ctx, task.Type, buildMessages(task), models.CallConstraints{
			MaxTokens:  int(task.Budget.Tokens),
			MaxCostUSD: task.Budget.CostUSD,
		})
		return callErr
	})
	c.sem.Release(1)
	if err != nil {
		return fail(err)
	}

	result := &models.TaskResult{
		TaskID:      task.ID,
		Status:      models.TaskCompleted,
		Output:      resp.Content,
		Provider:    resp.Provider,
		Model:       resp.Model,
		Usage:       resp.Usage,
		Retries:     task.Retries,
		DurationMs:  time.Since(start).Milliseconds(),
		CompletedAt: models.UTCNow(),
	}

	span.SetAttributes(
		attribute.String("task.provider", resp.Provider),
		attribute.String("task.model", resp.Model),
		attribute.Float64("task.cost_usd", resp.Usage.EstimatedCost),
	)

	c.ledger.Charge(result.Usage.EstimatedCost)
	if result.Usage.EstimatedCost > 0 {
		metrics.TaskCost.WithLabelValues(string(c.domain), string(task.Type)).Add(result.Usage.EstimatedCost)
	}
	c.persistArtifacts(ctx, task, result)
	return result, nil
}

// retryable reports whether a failed attempt is worth another cycle.
// The provider router's bare "no provider available" sentinel carries no
// cause: every route was quarantined or skipped before a single call was
// made, so an immediate retry would walk the same set. Transport
// failures arrive wrapped around the upstream error and do get retried.
func retryable(err error) bool {
	switch fault.KindOf(err) {
	case fault.Timeout, fault.CircuitOpen, fault.RateLimited:
		return true
	case fault.BackendUnavailable:
		return errors.Unwrap(err) != nil
	}
	return false
}

func (c *Core) admitBudget(task *models.Task) error {
	snap := c.ledger.Snapshot()
	if c.budget.HourlyUSD > 0 && snap.HourUSD+task.Budget.CostUSD > c.budget.HourlyUSD {
		metrics.BudgetRejections.WithLabelValues(string(c.domain), "hourly").Inc()
		return fault.Newf(fault.BudgetExceeded, "hourly budget exhausted: %.4f of %.4f USD spent", snap.HourUSD, c.budget.HourlyUSD)
	}
	if c.budget.DailyUSD > 0 && snap.DayUSD+task.Budget.CostUSD > c.budget.DailyUSD {
		metrics.BudgetRejections.WithLabelValues(string(c.domain), "daily").Inc()
		return fault.Newf(fault.BudgetExceeded, "daily budget exhausted: %.4f of %.4f USD spent", snap.DayUSD, c.budget.DailyUSD)
	}
	return nil
}

// hydrateContext attaches memory hits and recent outcomes to the task's
// metadata before the first attempt. Retries keep the original context.
// Memory trouble degrades to an unhydrated task, never to a failure.
func (c *Core) hydrateContext(ctx context.Context, task *models.Task) {
	if c.memory == nil {
		return
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]string)
	} else if _, ok := task.Metadata["context"]; ok {
		return
	}

	var b strings.Builder
	hits, err := c.memory.Search(ctx, task.Content, c.domain, models.SearchOptions{K: contextSearchK})
	if err == nil && len(hits) > 0 {
		b.WriteString("Relevant memory:\n")
		for _, h := range hits {
			b.WriteString("- " + snippet(h.Chunk.Content, contextSnippetLen) + "\n")
		}
	}
	if recent := c.History(contextHistoryN); len(recent) > 0 {
		b.WriteString("Recent tasks:\n")
		for _, r := range recent {
			b.WriteString("- [" + string(r.Task.Type) + "] " + snippet(r.Result.Output, contextSnippetLen) + "\n")
		}
	}
	if b.Len() > 0 {
		task.Metadata["context"] = b.String()
	}
}

func buildMessages(task *models.Task) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, 2)
	if memCtx := task.Metadata["context"]; memCtx != "" {
		msgs = append(msgs, models.ChatMessage{
			Role:    "system",
			Content: "Context from memory and recent work:\n" + memCtx,
		})
	}
	return append(msgs, models.ChatMessage{Role: "user", Content: task.Content})
}

// persistArtifacts writes the post-execution records: the artifact chunk
// into L2, the task_results fact into L3, and the L1 summary. All three
// are soft; a cold tier costs observability, not the task.
func (c *Core) persistArtifacts(ctx context.Context, task *models.Task, result *models.TaskResult) {
	if c.memory == nil {
		return
	}

	artifact, err := json.Marshal(map[string]any{"task": task, "result": result})
	if err == nil {
		chunk := models.DocChunk{
			Content:   string(artifact),
			SourceURI: "task://" + task.ID,
			Domain:    c.domain,
			Timestamp: result.CompletedAt,
			Metadata: map[string]string{
				"task_id":   task.ID,
				"task_type": string(task.Type),
				"provider":  result.Provider,
				"model":     result.Model,
			},
		}
		if up := c.memory.UpsertChunks(ctx, []models.DocChunk{chunk}, c.domain); len(up.Errors) > 0 {
			log.Warn().Str("task", task.ID).Strs("errors", up.Errors).Msg("artifact chunk not stored")
		}
	}

	if _, err := c.memory.RecordFact(ctx, "task_results", map[string]any{
		"task_id":           task.ID,
		"task_type":         string(task.Type),
		"success":           true,
		"cost_usd":          result.Usage.EstimatedCost,
		"tokens_used":       result.Usage.TotalTokens,
		"execution_time_ms": result.DurationMs,
	}); err != nil {
		log.Warn().Str("task", task.ID).Err(err).Msg("task_results fact not recorded")
	}

	summary := TaskSummary{
		TaskID:      task.ID,
		TaskType:    task.Type,
		Status:      result.Status,
		Output:      truncate(result.Output, summaryOutputCap),
		CostUSD:     result.Usage.EstimatedCost,
		CompletedAt: result.CompletedAt,
	}
	if err := c.memory.PutEphemeral(ctx, summaryKey(c.domain, task.Type, task.Content), summary, c.summaryTTL); err != nil {
		log.Warn().Str("task", task.ID).Err(err).Msg("summary cache write failed")
	}
}

// finalize records a terminal outcome: status counters, history ring,
// metrics, and the performance recorder. Exactly once per task.
func (c *Core) finalize(task *models.Task, result *models.TaskResult) {
	task.Status = result.Status
	switch result.Status {
	case models.TaskCompleted:
		c.completed.Add(1)
	case models.TaskFailed:
		c.failed.Add(1)
	case models.TaskCancelled:
		c.cancelled.Add(1)
	}

	rec := models.TaskRecord{Task: *task, Result: *result, RecordedAt: models.UTCNow()}
	c.mu.Lock()
	c.pushHistory(rec)
	c.mu.Unlock()

	metrics.TasksTotal.WithLabelValues(string(c.domain), string(task.Type), string(result.Status)).Inc()
	metrics.TaskDuration.WithLabelValues(string(c.domain), string(task.Type)).Observe(float64(result.DurationMs) / 1000)

	if c.recorder != nil {
		c.recorder.Record(rec)
	}

	if result.Status == models.TaskCompleted {
		log.Info().
			Str("task", task.ID).
			Str("type", string(task.Type)).
			Int64("duration_ms", result.DurationMs).
			Float64("cost_usd", result.Usage.EstimatedCost).
			Int("retries", result.Retries).
			Msg("task completed")
	} else {
		log.Warn().
			Str("task", task.ID).
			Str("type", string(task.Type)).
			Str("status", string(result.Status)).
			Str("error", result.Error).
			Int("retries", result.Retries).
			Msg("task did not complete")
	}
}

// ── Introspection ────────────────────────────────────────────

func (c *Core) Status() models.CoreStatus {
	c.mu.Lock()
	activeN := len(c.active)
	running := !c.draining
	c.mu.Unlock()
	return models.CoreStatus{
		Domain:        c.domain,
		Running:       running,
		ActiveTasks:   activeN,
		QueuedTasks:   len(c.queue),
		Completed:     c.completed.Load(),
		Failed:        c.failed.Load(),
		Cancelled:     c.cancelled.Load(),
		Ledger:        c.ledger.Snapshot(),
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
	}
}

// History returns up to n terminal records, newest first. n <= 0 means
// all retained.
func (c *Core) History(n int) []models.TaskRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := len(c.history)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]models.TaskRecord, 0, n)
	idx := c.histNext - 1
	for i := 0; i < n; i++ {
		if idx < 0 {
			idx += len(c.history)
		}
		out = append(out, c.history[idx])
		idx--
	}
	return out
}

// pushHistory appends to the bounded ring. Caller holds c.mu.
func (c *Core) pushHistory(rec models.TaskRecord) {
	if len(c.history) < cap(c.history) {
		c.history = append(c.history, rec)
	} else {
		c.history[c.histNext] = rec
	}
	c.histNext = (c.histNext + 1) % cap(c.history)
}

func (c *Core) isDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// ── Shutdown ─────────────────────────────────────────────────

// Shutdown stops intake, waits for active tasks up to ctx's deadline,
// and cancels everything still queued. Only the first call drains;
// repeat calls return nil immediately. The memory service is shared and
// stays open; its owner closes it.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil
	}
	c.draining = true
	c.mu.Unlock()

	c.runCancel()

	done := make(chan struct{})
	go func() {
		c.workersWG.Wait()
		c.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fault.Wrap(fault.Timeout, ctx.Err(), "orchestrator shutdown: active tasks still running")
	}
	c.drainQueue()

	log.Info().
		Str("domain", string(c.domain)).
		Int64("completed", c.completed.Load()).
		Int64("failed", c.failed.Load()).
		Int64("cancelled", c.cancelled.Load()).
		Msg("orchestrator drained")
	return nil
}

func (c *Core) drainQueue() {
	for {
		select {
		case task := <-c.queue:
			metrics.TasksQueued.WithLabelValues(string(c.domain)).Dec()
			c.finalize(task, &models.TaskResult{
				TaskID:      task.ID,
				Status:      models.TaskCancelled,
				Error:       "cancelled at shutdown",
				Retries:     task.Retries,
				CompletedAt: models.UTCNow(),
			})
		default:
			return
		}
	}
}

// ── Summary cache ────────────────────────────────────────────

// TaskSummary is the lightweight record cached in L1 after a successful
// execution.
type TaskSummary struct {
	TaskID      string            `json:"task_id"`
	TaskType    models.TaskType   `json:"task_type"`
	Status      models.TaskStatus `json:"status"`
	Output      string            `json:"output"`
	CostUSD     float64           `json:"cost_usd"`
	CompletedAt time.Time         `json:"completed_at"`
}

// CachedSummary returns the summary a recent successful execution left
// for an equivalent task, if any. It is an observer's shortcut: the
// execute path never serves it in place of a provider call.
func (c *Core) CachedSummary(ctx context.Context, taskType models.TaskType, content string) (TaskSummary, bool) {
	if c.memory == nil {
		return TaskSummary{}, false
	}
	raw, ok := c.memory.GetEphemeral(ctx, summaryKey(c.domain, taskType, content))
	if !ok {
		return TaskSummary{}, false
	}
	return decodeSummary(raw)
}

// summaryKey derives the cache key from the task's identity: domain,
// type, and the first chars of content.
func summaryKey(domain models.Domain, taskType models.TaskType, content string) string {
	head := content
	if len(head) > summaryKeyedChars {
		head = head[:summaryKeyedChars]
	}
	sum := sha256.Sum256([]byte(string(domain) + "|" + string(taskType) + "|" + head))
	return "summary:" + hex.EncodeToString(sum[:])
}

// decodeSummary recovers a TaskSummary from whatever shape L1 hands
// back: the struct itself, its JSON text, or the re-parsed map form.
func decodeSummary(raw any) (TaskSummary, bool) {
	if s, ok := raw.(TaskSummary); ok {
		return s, true
	}
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return TaskSummary{}, false
		}
	}
	var s TaskSummary
	if err := json.Unmarshal(b, &s); err != nil || s.TaskID == "" {
		return TaskSummary{}, false
	}
	return s, true
}

func snippet(s string, n int) string {
	return truncate(models.NormalizeContent(s), n)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
