// Package evolve tracks windowed task outcomes so orchestrators can see
// how a task type is performing and whether it is moving the right way.
// A Tracker fans terminal records out to fixed-capacity rings per
// (domain, task type) pair; nothing here talks to providers or memory.
package evolve

import (
	"math"
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// DefaultWindowSize is the ring capacity when none is given.
const DefaultWindowSize = 200

// Trend thresholds. Success rate decides first; when it moves less than
// srTolerance between windows, average duration breaks the tie, with
// moves inside durBand counting as stable.
const (
	srTolerance = 0.05
	durBand     = 0.15
)

// outcome is the slice of a task record the window keeps.
type outcome struct {
	success    bool
	costUSD    float64
	durationMs int64
	confidence float64
}

// ── Window ───────────────────────────────────────────────────

// Window is a fixed-capacity ring of task outcomes for one
// (domain, task type) pair.
type Window struct {
	mu       sync.Mutex
	domain   models.Domain
	taskType models.TaskType
	size     int
	outcomes []outcome
	next     int // overwrite position once the ring is full
}

// NewWindow returns an empty window holding at most size outcomes.
func NewWindow(domain models.Domain, taskType models.TaskType, size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{
		domain:   domain,
		taskType: taskType,
		size:     size,
		outcomes: make([]outcome, 0, size),
	}
}

// Add folds one terminal record into the ring, evicting the oldest
// outcome once full. Cancelled tasks are shutdown noise, not provider
// signal, and are skipped.
func (w *Window) Add(rec models.TaskRecord) {
	if rec.Result.Status == models.TaskCancelled {
		return
	}
	o := outcome{
		success:    rec.Result.Status == models.TaskCompleted,
		costUSD:    rec.Result.Usage.EstimatedCost,
		durationMs: rec.Result.DurationMs,
		confidence: rec.Result.Confidence,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.outcomes) < w.size {
		w.outcomes = append(w.outcomes, o)
		return
	}
	w.outcomes[w.next] = o
	w.next = (w.next + 1) % w.size
}

// Len is the number of outcomes currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outcomes)
}

// Snapshot aggregates everything currently in the ring. Cost and
// confidence average over successful outcomes only; failures carry
// neither. Duration covers every outcome, failures included.
func (w *Window) Snapshot() models.PerfSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := models.PerfSnapshot{
		Domain:   w.domain,
		TaskType: w.taskType,
		Window:   len(w.outcomes),
	}
	if len(w.outcomes) == 0 {
		return snap
	}

	var successes int
	var cost, confidence float64
	var durTotal int64
	durations := make([]int64, len(w.outcomes))
	for i, o := range w.outcomes {
		durations[i] = o.durationMs
		durTotal += o.durationMs
		if o.success {
			successes++
			cost += o.costUSD
			confidence += o.confidence
		}
	}
	snap.SuccessRate = float64(successes) / float64(len(w.outcomes))
	snap.AvgDurationMs = float64(durTotal) / float64(len(w.outcomes))
	if successes > 0 {
		snap.AvgCostUSD = cost / float64(successes)
		snap.AvgConfidence = confidence / float64(successes)
	}
	snap.P95DurationMs = percentile95(durations)
	return snap
}

// percentile95 is the nearest-rank 95th percentile. It sorts in place;
// callers pass a scratch copy.
func percentile95(durations []int64) int64 {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := int(math.Ceil(0.95*float64(len(durations)))) - 1
	if idx < 0 {
		idx = 0
	}
	return durations[idx]
}

// Trend compares the newest n outcomes against the n before them and
// reports which way the pair is moving. It answers stable until the
// ring holds 2n outcomes; n <= 0 compares the newer half against the
// older half.
func (w *Window) Trend(n int) models.TrendDirection {
	w.mu.Lock()
	ordered := w.orderedLocked()
	w.mu.Unlock()

	if n <= 0 {
		n = len(ordered) / 2
	}
	if n == 0 || len(ordered) < 2*n {
		return models.TrendStable
	}
	prior := aggregate(ordered[len(ordered)-2*n : len(ordered)-n])
	recent := aggregate(ordered[len(ordered)-n:])

	switch {
	case recent.successRate > prior.successRate+srTolerance:
		return models.TrendImproving
	case recent.successRate < prior.successRate-srTolerance:
		return models.TrendDeclining
	}
	if prior.avgDurationMs > 0 {
		delta := (recent.avgDurationMs - prior.avgDurationMs) / prior.avgDurationMs
		switch {
		case delta < -durBand:
			return models.TrendImproving
		case delta > durBand:
			return models.TrendDeclining
		}
	}
	return models.TrendStable
}

type windowStats struct {
	successRate   float64
	avgDurationMs float64
}

func aggregate(outcomes []outcome) windowStats {
	var successes int
	var durTotal int64
	for _, o := range outcomes {
		if o.success {
			successes++
		}
		durTotal += o.durationMs
	}
	return windowStats{
		successRate:   float64(successes) / float64(len(outcomes)),
		avgDurationMs: float64(durTotal) / float64(len(outcomes)),
	}
}

// orderedLocked returns the outcomes oldest first. next points at the
// oldest element once the ring has wrapped. Callers hold w.mu.
func (w *Window) orderedLocked() []outcome {
	out := make([]outcome, 0, len(w.outcomes))
	if len(w.outcomes) < w.size {
		return append(out, w.outcomes...)
	}
	out = append(out, w.outcomes[w.next:]...)
	return append(out, w.outcomes[:w.next]...)
}

// ── Tracker ──────────────────────────────────────────────────

type windowKey struct {
	domain   models.Domain
	taskType models.TaskType
}

// Tracker fans terminal task records out to per-(domain, task type)
// windows. It satisfies the orchestrator's recorder hook.
type Tracker struct {
	mu      sync.RWMutex
	size    int
	windows map[windowKey]*Window
}

// NewTracker returns a tracker whose windows hold size outcomes each.
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Tracker{size: size, windows: make(map[windowKey]*Window)}
}

// Record routes one terminal record to its window, creating the window
// on first sight.
func (t *Tracker) Record(rec models.TaskRecord) {
	key := windowKey{domain: rec.Task.Domain, taskType: rec.Task.Type}
	t.mu.RLock()
	w := t.windows[key]
	t.mu.RUnlock()
	if w == nil {
		t.mu.Lock()
		if w = t.windows[key]; w == nil {
			w = NewWindow(key.domain, key.taskType, t.size)
			t.windows[key] = w
		}
		t.mu.Unlock()
	}
	w.Add(rec)
}

// Window returns the ring for one pair, or nil when nothing has been
// recorded for it yet.
func (t *Tracker) Window(domain models.Domain, taskType models.TaskType) *Window {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.windows[windowKey{domain: domain, taskType: taskType}]
}

// Snapshots aggregates every window, sorted by domain then task type.
func (t *Tracker) Snapshots() []models.PerfSnapshot {
	t.mu.RLock()
	windows := make([]*Window, 0, len(t.windows))
	for _, w := range t.windows {
		windows = append(windows, w)
	}
	t.mu.RUnlock()

	snaps := make([]models.PerfSnapshot, 0, len(windows))
	for _, w := range windows {
		snaps = append(snaps, w.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Domain != snaps[j].Domain {
			return snaps[i].Domain < snaps[j].Domain
		}
		return snaps[i].TaskType < snaps[j].TaskType
	})
	return snaps
}
