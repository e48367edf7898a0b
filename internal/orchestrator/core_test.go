package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/pkg/fault"
	"github.com/loomworks/loom/pkg/models"
)

// ── Fakes ────────────────────────────────────────────────────

// fakeProvider scripts routing and execution outcomes per call.
type fakeProvider struct {
	mu        sync.Mutex
	routeErr  error
	execErrs  []error // error for call n; past the end means success
	execCalls int
	messages  [][]models.ChatMessage
	block     chan struct{} // when set, Execute waits on it
}

func (f *fakeProvider) Route(taskType models.TaskType, estTokens int64, maxCostUSD float64) (models.RouteDecision, error) {
	if f.routeErr != nil {
		return models.RouteDecision{}, f.routeErr
	}
	return models.RouteDecision{Provider: "openai", Model: "gpt-4o-mini", EstimatedCost: 0.01}, nil
}

func (f *fakeProvider) Execute(ctx context.Context, taskType models.TaskType, messages []models.ChatMessage, c models.CallConstraints) (*models.ProviderResponse, error) {
	f.mu.Lock()
	n := f.execCalls
	f.execCalls++
	f.messages = append(f.messages, messages)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if n < len(f.execErrs) && f.execErrs[n] != nil {
		return nil, f.execErrs[n]
	}
	return &models.ProviderResponse{
		Content:  "done",
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Usage:    models.TokenUsage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30, EstimatedCost: 0.02},
	}, nil
}

func (f *fakeProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	return nil, errors.New("no embedder")
}

func (f *fakeProvider) CanRerank() bool { return false }

func (f *fakeProvider) Rerank(ctx context.Context, query string, docs []string, topN int) ([]models.RerankHit, error) {
	return nil, errors.New("no reranker")
}

func (f *fakeProvider) CostSummary(period string) models.CostSummary { return models.CostSummary{} }
func (f *fakeProvider) Status() []models.ProviderStatus              { return nil }

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

func (f *fakeProvider) sentMessages(i int) []models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[i]
}

// fakeMemory records artifacts and serves canned search hits.
type fakeMemory struct {
	mu     sync.Mutex
	hits   []models.SearchResult
	chunks []models.DocChunk
	facts  map[string][]map[string]any
	eph    map[string]any
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{facts: make(map[string][]map[string]any), eph: make(map[string]any)}
}

func (f *fakeMemory) PutEphemeral(ctx context.Context, key string, value any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eph[key] = value
	return nil
}

func (f *fakeMemory) GetEphemeral(ctx context.Context, key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.eph[key]
	return v, ok
}

func (f *fakeMemory) DeleteEphemeral(ctx context.Context, key string) error { return nil }

func (f *fakeMemory) UpsertChunks(ctx context.Context, chunks []models.DocChunk, domain models.Domain) models.UpsertReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunks...)
	return models.UpsertReport{Requested: len(chunks), Stored: len(chunks)}
}

func (f *fakeMemory) Search(ctx context.Context, query string, domain models.Domain, opts models.SearchOptions) ([]models.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits, nil
}

func (f *fakeMemory) RecordFact(ctx context.Context, table string, data map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts[table] = append(f.facts[table], data)
	return "fact-1", nil
}

func (f *fakeMemory) QueryFacts(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	return nil, nil
}

func (f *fakeMemory) Archive(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	return "", errors.New("no archive")
}

func (f *fakeMemory) Retrieve(ctx context.Context, key string) ([]byte, map[string]string, error) {
	return nil, nil, errors.New("no archive")
}

func (f *fakeMemory) Purge(ctx context.Context, sourceURI string, hard bool) models.PurgeReport {
	return models.PurgeReport{}
}

func (f *fakeMemory) Audit(ctx context.Context) (models.AuditReport, error) {
	return models.AuditReport{}, nil
}

func (f *fakeMemory) Stats() models.MemoryStats { return models.MemoryStats{} }
func (f *fakeMemory) CacheHitRate() float64     { return 0 }

func (f *fakeMemory) storedChunks() []models.DocChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DocChunk, len(f.chunks))
	copy(out, f.chunks)
	return out
}

func (f *fakeMemory) factRows(table string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.facts[table]
}

// fakeRecorder collects terminal records.
type fakeRecorder struct {
	mu   sync.Mutex
	recs []models.TaskRecord
}

func (f *fakeRecorder) Record(rec models.TaskRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

func newTestCore(t *testing.T, mutate func(*orchestrator.Config)) (*orchestrator.Core, *fakeProvider, *fakeMemory) {
	t.Helper()
	fp := &fakeProvider{}
	fm := newFakeMemory()
	cfg := orchestrator.Config{
		Domain:   models.DomainBI,
		Provider: fp,
		Memory:   fm,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	core, err := orchestrator.New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		core.Shutdown(ctx)
	})
	return core, fp, fm
}

func newTask(content string) *models.Task {
	return &models.Task{
		Domain:  models.DomainBI,
		Type:    models.TaskAnalysis,
		Content: content,
		Budget:  models.TaskBudget{CostUSD: 0.5, Tokens: 1000},
	}
}

func transientErr() error {
	return fault.Wrap(fault.BackendUnavailable, errors.New("bad gateway"), "no provider available")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Construction ─────────────────────────────────────────────

func TestNewValidation(t *testing.T) {
	fp := &fakeProvider{}
	if _, err := orchestrator.New(orchestrator.Config{Domain: models.DomainShared, Provider: fp}); err == nil {
		t.Error("New() accepted the shared domain, want error")
	}
	if _, err := orchestrator.New(orchestrator.Config{Provider: fp}); err == nil {
		t.Error("New() accepted an empty domain, want error")
	}
	if _, err := orchestrator.New(orchestrator.Config{Domain: models.DomainBI}); err == nil {
		t.Error("New() accepted a nil provider, want error")
	}
}

// ── Synchronous execution ────────────────────────────────────

func TestExecuteCompletesTask(t *testing.T) {
	rec := &fakeRecorder{}
	core, fp, fm := newTestCore(t, func(cfg *orchestrator.Config) {
		cfg.Recorder = rec
	})

	task := newTask("analyze revenue")
	res, err := core.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Status != models.TaskCompleted || res.Output != "done" {
		t.Errorf("result = %q/%q, want completed/done", res.Status, res.Output)
	}
	if task.ID == "" || res.TaskID != task.ID {
		t.Errorf("task id %q / result id %q, want matching non-empty ids", task.ID, res.TaskID)
	}
	if task.Status != models.TaskCompleted {
		t.Errorf("task status = %q, want completed", task.Status)
	}
	if fp.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", fp.calls())
	}

	ledger := core.Ledger().Snapshot()
	if ledger.HourUSD != 0.02 || ledger.DayUSD != 0.02 || ledger.TasksBilled != 1 {
		t.Errorf("ledger = %+v, want 0.02/0.02/1 billed", ledger)
	}

	status := core.Status()
	if status.Completed != 1 || status.Failed != 0 || status.ActiveTasks != 0 {
		t.Errorf("status = %+v, want 1 completed, none active", status)
	}

	hist := core.History(5)
	if len(hist) != 1 || hist[0].Result.Status != models.TaskCompleted {
		t.Errorf("history = %v, want one completed record", hist)
	}
	if rec.count() != 1 {
		t.Errorf("recorder saw %d records, want 1", rec.count())
	}

	chunks := fm.storedChunks()
	if len(chunks) != 1 || chunks[0].SourceURI != "task://"+task.ID {
		t.Errorf("artifact chunks = %v, want one with source task://%s", chunks, task.ID)
	}
	facts := fm.factRows("task_results")
	if len(facts) != 1 || facts[0]["task_id"] != task.ID {
		t.Errorf("task_results facts = %v, want one for %s", facts, task.ID)
	}
}

func TestExecuteAttachesMemoryContext(t *testing.T) {
	core, fp, fm := newTestCore(t, nil)
	fm.hits = []models.SearchResult{
		{Chunk: models.DocChunk{Content: "Q2 revenue grew 14 percent"}, Score: 0.9},
	}

	task := newTask("summarize the quarter")
	if _, err := core.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	if task.Metadata["context"] == "" {
		t.Fatal("task metadata context not hydrated")
	}
	msgs := fp.sentMessages(0)
	if len(msgs) != 2 {
		t.Fatalf("provider got %d messages, want system+user", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "Q2 revenue") {
		t.Errorf("system message = %+v, want memory context", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "summarize the quarter" {
		t.Errorf("user message = %+v, want the task content", msgs[1])
	}
}

func TestExecuteValidation(t *testing.T) {
	core, fp, _ := newTestCore(t, nil)

	if _, err := core.Execute(context.Background(), newTask("")); !fault.Is(err, fault.Validation) {
		t.Errorf("Execute(empty content) = %v, want kind validation", err)
	}
	bad := newTask("x")
	bad.Domain = models.DomainCode
	if _, err := core.Execute(context.Background(), bad); !fault.Is(err, fault.Validation) {
		t.Errorf("Execute(wrong domain) = %v, want kind validation", err)
	}
	if fp.calls() != 0 {
		t.Errorf("provider calls = %d, want 0", fp.calls())
	}
	if len(core.History(0)) != 0 {
		t.Error("rejected tasks landed in history")
	}
}

// ── Budget gate ──────────────────────────────────────────────

func TestBudgetGate(t *testing.T) {
	tests := []struct {
		name   string
		budget models.BudgetLimits
		window string
	}{
		{"hourly", models.BudgetLimits{HourlyUSD: 0.05}, "hourly"},
		{"daily", models.BudgetLimits{DailyUSD: 0.05}, "daily"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, fp, _ := newTestCore(t, func(cfg *orchestrator.Config) {
				cfg.Budget = tt.budget
			})
			core.Ledger().Charge(0.04)

			task := newTask("expensive work")
			task.Budget.CostUSD = 0.02
			res, err := core.Execute(context.Background(), task)
			if err != nil {
				t.Fatalf("Execute() error: %v", err)
			}
			if res.Status != models.TaskFailed {
				t.Errorf("status = %q, want failed", res.Status)
			}
			if !strings.Contains(res.Error, tt.window+" budget") {
				t.Errorf("error = %q, want %s budget message", res.Error, tt.window)
			}
			if fp.calls() != 0 {
				t.Errorf("provider calls = %d, want 0 (gate precedes dispatch)", fp.calls())
			}
			if res.Retries != 0 {
				t.Errorf("retries = %d, want 0 (budget failures are terminal)", res.Retries)
			}
			if got := core.Ledger().Snapshot().HourUSD; got != 0.04 {
				t.Errorf("ledger after rejection = %.4f, want untouched 0.04", got)
			}
		})
	}
}

// ── Retry semantics ──────────────────────────────────────────

func TestExecuteRetriesTransientFailures(t *testing.T) {
	core, fp, _ := newTestCore(t, nil)
	fp.execErrs = []error{transientErr(), transientErr()}

	task := newTask("flaky work")
	task.MaxRetries = 3
	res, err := core.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Status != models.TaskCompleted {
		t.Fatalf("status = %q, want completed after retries", res.Status)
	}
	if res.Retries != 2 || fp.calls() != 3 {
		t.Errorf("retries/calls = %d/%d, want 2/3", res.Retries, fp.calls())
	}
	if len(task.Errors) != 2 {
		t.Errorf("task.Errors = %v, want the two transient failures", task.Errors)
	}
	if len(core.History(0)) != 1 {
		t.Error("retried task produced more than one history record")
	}
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	core, fp, _ := newTestCore(t, nil)
	fp.execErrs = []error{transientErr(), transientErr(), transientErr(), transientErr()}

	task := newTask("always failing")
	task.MaxRetries = 2
	res, err := core.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Status != models.TaskFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
	if fp.calls() != 3 {
		t.Errorf("provider calls = %d, want 3 (initial + 2 retries)", fp.calls())
	}
	if core.Status().Failed != 1 {
		t.Errorf("failed count = %d, want 1", core.Status().Failed)
	}
}

func TestExecuteExhaustedRoutesNotRetried(t *testing.T) {
	core, fp, _ := newTestCore(t, nil)
	// The bare sentinel means every route was quarantined before a call
	// was made; retrying would walk the same set.
	fp.execErrs = []error{fault.New(fault.BackendUnavailable, "no provider available")}

	task := newTask("nowhere to go")
	task.MaxRetries = 3
	res, err := core.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Status != models.TaskFailed || res.Retries != 0 {
		t.Errorf("status/retries = %q/%d, want failed/0", res.Status, res.Retries)
	}
	if fp.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", fp.calls())
	}
}

func TestExecuteRouteFailure(t *testing.T) {
	core, fp, _ := newTestCore(t, nil)
	fp.routeErr = fault.Newf(fault.Validation, "no routes for task type %q", models.TaskAnalysis)

	res, err := core.Execute(context.Background(), newTask("unroutable"))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if res.Status != models.TaskFailed || !strings.Contains(res.Error, "no routes") {
		t.Errorf("result = %q/%q, want failed with the routing error", res.Status, res.Error)
	}
	if fp.calls() != 0 {
		t.Errorf("provider calls = %d, want 0", fp.calls())
	}
}

func TestExecuteAuthFailureNotRetried(t *testing.T) {
	core, fp, _ := newTestCore(t, nil)
	fp.execErrs = []error{fault.New(fault.Auth, "api key rejected")}

	task := newTask("bad credentials")
	task.MaxRetries = 3
	res, _ := core.Execute(context.Background(), task)
	if res.Status != models.TaskFailed || fp.calls() != 1 {
		t.Errorf("status/calls = %q/%d, want failed/1", res.Status, fp.calls())
	}
}

// ── Asynchronous path ────────────────────────────────────────

func TestSubmitRunsTask(t *testing.T) {
	core, _, _ := newTestCore(t, nil)

	if err := core.Submit(newTask("queued work")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(core.History(1)) == 1 })

	rec := core.History(1)[0]
	if rec.Result.Status != models.TaskCompleted {
		t.Errorf("result status = %q, want completed", rec.Result.Status)
	}
	if core.Status().QueuedTasks != 0 {
		t.Errorf("queued = %d, want 0", core.Status().QueuedTasks)
	}
}

func TestSubmitValidation(t *testing.T) {
	core, _, _ := newTestCore(t, nil)
	if err := core.Submit(newTask("")); !fault.Is(err, fault.Validation) {
		t.Errorf("Submit(empty) = %v, want kind validation", err)
	}
	if err := core.Submit(nil); !fault.Is(err, fault.Validation) {
		t.Errorf("Submit(nil) = %v, want kind validation", err)
	}
}

func TestSubmitRetryRequeues(t *testing.T) {
	core, fp, _ := newTestCore(t, nil)
	fp.execErrs = []error{transientErr()}

	task := newTask("flaky queued work")
	task.MaxRetries = 2
	if err := core.Submit(task); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(core.History(1)) == 1 })

	rec := core.History(1)[0]
	if rec.Result.Status != models.TaskCompleted || rec.Task.Retries != 1 {
		t.Errorf("status/retries = %q/%d, want completed/1", rec.Result.Status, rec.Task.Retries)
	}
	if fp.calls() != 2 {
		t.Errorf("provider calls = %d, want 2", fp.calls())
	}
}

func TestSubmitQueueFull(t *testing.T) {
	block := make(chan struct{})
	core, fp, _ := newTestCore(t, func(cfg *orchestrator.Config) {
		cfg.MaxConcurrent = 1
		cfg.QueueSize = 1
	})
	fp.block = block
	defer close(block)

	if err := core.Submit(newTask("occupies the worker")); err != nil {
		t.Fatalf("Submit(1) error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fp.calls() == 1 })

	if err := core.Submit(newTask("sits in the queue")); err != nil {
		t.Fatalf("Submit(2) error: %v", err)
	}
	if err := core.Submit(newTask("no room")); !fault.Is(err, fault.RateLimited) {
		t.Errorf("Submit(3) = %v, want kind rate_limited", err)
	}
}

// ── Shutdown ─────────────────────────────────────────────────

func TestShutdownDrainsAndWaits(t *testing.T) {
	block := make(chan struct{})
	core, fp, _ := newTestCore(t, func(cfg *orchestrator.Config) {
		cfg.MaxConcurrent = 2
		cfg.QueueSize = 4
	})
	fp.block = block

	for i := 0; i < 3; i++ {
		if err := core.Submit(newTask("shutdown target")); err != nil {
			t.Fatalf("Submit(%d) error: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return fp.calls() == 2 })

	errc := make(chan error, 1)
	go func() { errc <- core.Shutdown(context.Background()) }()
	waitFor(t, 2*time.Second, func() bool { return !core.Status().Running })

	select {
	case err := <-errc:
		t.Fatalf("Shutdown returned %v before active tasks finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Shutdown() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after tasks finished")
	}

	status := core.Status()
	if status.Completed != 2 || status.Cancelled != 1 {
		t.Errorf("completed/cancelled = %d/%d, want 2/1", status.Completed, status.Cancelled)
	}
	if err := core.Submit(newTask("too late")); !fault.Is(err, fault.BackendUnavailable) {
		t.Errorf("Submit after shutdown = %v, want kind backend_unavailable", err)
	}
	if _, err := core.Execute(context.Background(), newTask("too late")); !fault.Is(err, fault.BackendUnavailable) {
		t.Errorf("Execute after shutdown = %v, want kind backend_unavailable", err)
	}
	if err := core.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v, want nil", err)
	}
}

func TestShutdownTimesOutOnStuckTask(t *testing.T) {
	block := make(chan struct{})
	core, fp, _ := newTestCore(t, nil)
	fp.block = block
	defer close(block)

	if err := core.Submit(newTask("stuck")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fp.calls() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := core.Shutdown(ctx); !fault.Is(err, fault.Timeout) {
		t.Errorf("Shutdown() = %v, want kind timeout", err)
	}
}

// ── History ring ─────────────────────────────────────────────

func TestHistoryRingNewestFirst(t *testing.T) {
	core, _, _ := newTestCore(t, func(cfg *orchestrator.Config) {
		cfg.HistorySize = 3
	})

	for _, content := range []string{"one", "two", "three", "four", "five"} {
		if _, err := core.Execute(context.Background(), newTask(content)); err != nil {
			t.Fatalf("Execute(%s) error: %v", content, err)
		}
	}

	hist := core.History(0)
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	got := []string{hist[0].Task.Content, hist[1].Task.Content, hist[2].Task.Content}
	want := []string{"five", "four", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if n := len(core.History(2)); n != 2 {
		t.Errorf("History(2) length = %d, want 2", n)
	}
}

// ── Summary cache ────────────────────────────────────────────

func TestCachedSummary(t *testing.T) {
	core, _, _ := newTestCore(t, nil)

	if _, ok := core.CachedSummary(context.Background(), models.TaskAnalysis, "analyze revenue"); ok {
		t.Error("CachedSummary hit before any execution")
	}

	task := newTask("analyze revenue")
	if _, err := core.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	sum, ok := core.CachedSummary(context.Background(), models.TaskAnalysis, "analyze revenue")
	if !ok {
		t.Fatal("CachedSummary miss after successful execution")
	}
	if sum.TaskID != task.ID || sum.Status != models.TaskCompleted || sum.Output != "done" {
		t.Errorf("summary = %+v, want the finished task's record", sum)
	}

	if _, ok := core.CachedSummary(context.Background(), models.TaskAnalysis, "different content"); ok {
		t.Error("CachedSummary hit for different content")
	}
	if _, ok := core.CachedSummary(context.Background(), models.TaskGeneration, "analyze revenue"); ok {
		t.Error("CachedSummary hit for different task type")
	}
}

// ── Ledger ───────────────────────────────────────────────────

func TestLedgerWindows(t *testing.T) {
	var l orchestrator.Ledger
	l.Charge(0.10)
	l.Charge(0.25)
	l.Charge(0) // free tasks are not billed

	snap := l.Snapshot()
	if snap.HourUSD != 0.35 || snap.DayUSD != 0.35 || snap.LifetimeUSD != 0.35 {
		t.Errorf("snapshot = %+v, want 0.35 everywhere", snap)
	}
	if snap.TasksBilled != 2 {
		t.Errorf("tasks billed = %d, want 2", snap.TasksBilled)
	}

	l.ResetHour()
	snap = l.Snapshot()
	if snap.HourUSD != 0 || snap.DayUSD != 0.35 || snap.LifetimeUSD != 0.35 {
		t.Errorf("after ResetHour: %+v, want only the hour zeroed", snap)
	}

	l.ResetDay()
	snap = l.Snapshot()
	if snap.DayUSD != 0 || snap.LifetimeUSD != 0.35 {
		t.Errorf("after ResetDay: %+v, want only the day zeroed", snap)
	}
}

func TestBudgetScheduler(t *testing.T) {
	var l orchestrator.Ledger
	s, err := orchestrator.NewBudgetScheduler(&l)
	if err != nil {
		t.Fatalf("NewBudgetScheduler() error: %v", err)
	}
	s.Start()
	s.Stop()
}
