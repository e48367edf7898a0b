// Package ratelimit provides the two limiter shapes used by connectors
// and providers: an exact sliding window (bounded admissions per rolling
// interval) and a token bucket that allows short bursts at a sustained
// average rate.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the admission interface. Allow is non-blocking; Wait blocks
// until a slot frees or the context ends, returning the context error in
// the latter case.
type Limiter interface {
	Allow() bool
	Wait(ctx context.Context) error
}

// maxPoll bounds how long the sliding window sleeps between re-checks so
// a Wait never oversleeps a slot by much even if timestamps drift.
const maxPoll = time.Second

// ── Sliding Window ───────────────────────────────────────────

// SlidingWindow admits at most max calls within any rolling window. It
// keeps the admission timestamps and evicts those older than the window,
// so the bound is exact rather than approximated per-interval.
type SlidingWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time // admissions, oldest first
}

func NewSliding(max int, window time.Duration) (*SlidingWindow, error) {
	if max <= 0 {
		return nil, fmt.Errorf("ratelimit: max calls must be positive, got %d", max)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %v", window)
	}
	return &SlidingWindow{max: max, window: window, now: time.Now}, nil
}

func (s *SlidingWindow) Allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.evict(now)
	if len(s.stamps) >= s.max {
		return false
	}
	s.stamps = append(s.stamps, now)
	return true
}

// Wait blocks until an admission slot frees or ctx ends.
func (s *SlidingWindow) Wait(ctx context.Context) error {
	for {
		if s.Allow() {
			return nil
		}
		sleep := s.nextFree()
		if sleep > maxPoll {
			sleep = maxPoll
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InFlight returns the number of admissions currently inside the window.
func (s *SlidingWindow) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(s.now())
	return len(s.stamps)
}

// nextFree returns how long until the oldest admission leaves the window.
func (s *SlidingWindow) nextFree() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stamps) == 0 {
		return 0
	}
	return s.stamps[0].Add(s.window).Sub(s.now())
}

// evict drops timestamps older than the window. Caller holds the lock.
func (s *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.stamps) && !s.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[i:]...)
	}
}

// ── Token Bucket ─────────────────────────────────────────────

// TokenBucket wraps x/time/rate: tokens refill at max/window per second
// with burst capacity max, so a quiet connector can spend its whole
// window allowance at once.
type TokenBucket struct {
	lim *rate.Limiter
}

func NewTokenBucket(max int, window time.Duration) (*TokenBucket, error) {
	if max <= 0 {
		return nil, fmt.Errorf("ratelimit: max calls must be positive, got %d", max)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %v", window)
	}
	r := rate.Limit(float64(max) / window.Seconds())
	return &TokenBucket{lim: rate.NewLimiter(r, max)}, nil
}

func (t *TokenBucket) Allow() bool { return t.lim.Allow() }

func (t *TokenBucket) Wait(ctx context.Context) error { return t.lim.Wait(ctx) }
