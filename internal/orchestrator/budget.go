package orchestrator

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/models"
)

// Ledger accumulates task spend per window. Accumulators only grow;
// window boundaries are the caller's call, via ResetHour/ResetDay or the
// BudgetScheduler.
type Ledger struct {
	mu          sync.Mutex
	hourUSD     float64
	dayUSD      float64
	lifetimeUSD float64
	tasksBilled int64
}

// Charge records the actual cost of one completed task in every window.
func (l *Ledger) Charge(costUSD float64) {
	if costUSD <= 0 {
		return
	}
	l.mu.Lock()
	l.hourUSD += costUSD
	l.dayUSD += costUSD
	l.lifetimeUSD += costUSD
	l.tasksBilled++
	l.mu.Unlock()
}

func (l *Ledger) Snapshot() models.CostLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return models.CostLedger{
		HourUSD:     l.hourUSD,
		DayUSD:      l.dayUSD,
		LifetimeUSD: l.lifetimeUSD,
		TasksBilled: l.tasksBilled,
	}
}

// ResetHour zeroes the hourly window. Lifetime totals are untouched.
func (l *Ledger) ResetHour() {
	l.mu.Lock()
	l.hourUSD = 0
	l.mu.Unlock()
}

// ResetDay zeroes the daily window. Lifetime totals are untouched.
func (l *Ledger) ResetDay() {
	l.mu.Lock()
	l.dayUSD = 0
	l.mu.Unlock()
}

// BudgetScheduler resets ledger windows on wall-clock boundaries: hourly
// at minute zero, daily at midnight. It is opt-in. Nothing starts it
// implicitly, because callers who bill against their own windows (or a
// billing system's) drive the resets themselves.
type BudgetScheduler struct {
	cron *cron.Cron
}

func NewBudgetScheduler(ledgers ...*Ledger) (*BudgetScheduler, error) {
	c := cron.New()
	_, err := c.AddFunc("0 * * * *", func() {
		for _, l := range ledgers {
			l.ResetHour()
		}
		log.Debug().Int("ledgers", len(ledgers)).Msg("hourly budget window reset")
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: hourly reset schedule: %w", err)
	}
	_, err = c.AddFunc("0 0 * * *", func() {
		for _, l := range ledgers {
			l.ResetDay()
		}
		log.Debug().Int("ledgers", len(ledgers)).Msg("daily budget window reset")
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: daily reset schedule: %w", err)
	}
	return &BudgetScheduler{cron: c}, nil
}

func (s *BudgetScheduler) Start() { s.cron.Start() }

// Stop halts scheduling; a reset already in flight finishes.
func (s *BudgetScheduler) Stop() { s.cron.Stop() }
