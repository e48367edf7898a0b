// Package breaker wraps sony/gobreaker with the settings surface the rest
// of the runtime speaks: consecutive-failure trips, half-open success
// thresholds, and a failure classifier so expected errors (validation,
// budget) never count against a backend.
package breaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/pkg/fault"
)

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenTimeout      = 30 * time.Second
)

// Settings configures one breaker. Zero values take the defaults above.
type Settings struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before tripping
	SuccessThreshold uint32        // consecutive half-open successes before closing
	OpenTimeout      time.Duration // open → half-open delay
	// IsFailure classifies errors. A nil func counts every error.
	// Errors reporting false pass through without touching the counters.
	IsFailure func(error) bool
}

// Breaker is a three-state circuit breaker: closed (normal), open
// (fail fast), half-open (probing). Safe for concurrent use.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func New(s Settings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = DefaultSuccessThreshold
	}
	if s.OpenTimeout == 0 {
		s.OpenTimeout = DefaultOpenTimeout
	}
	isFailure := s.IsFailure

	b := &Breaker{name: s.Name}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.SuccessThreshold,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if isFailure != nil && !isFailure(err) {
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return b
}

// Do runs fn under the breaker. When the circuit is open (or the half-open
// probe quota is consumed) it fails fast with a CircuitOpen fault and fn
// never runs. Otherwise fn's error is returned as-is.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Wrap(fault.CircuitOpen, err, b.name)
	}
	return err
}

func (b *Breaker) Name() string { return b.name }

// State returns "closed", "half-open", or "open".
func (b *Breaker) State() string { return b.cb.State().String() }

// Counts exposes the underlying rolling counters, mainly for tests and
// status snapshots.
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
