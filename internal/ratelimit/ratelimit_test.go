package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/ratelimit"
)

func TestSlidingWindowBound(t *testing.T) {
	lim, err := ratelimit.NewSliding(3, time.Minute)
	if err != nil {
		t.Fatalf("NewSliding() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if !lim.Allow() {
			t.Fatalf("Allow() #%d = false, want true", i)
		}
	}
	if lim.Allow() {
		t.Error("Allow() #4 = true, want false inside full window")
	}
	if got := lim.InFlight(); got != 3 {
		t.Errorf("InFlight() = %d, want 3", got)
	}
}

func TestSlidingWindowFreesAfterWindow(t *testing.T) {
	lim, err := ratelimit.NewSliding(2, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSliding() error = %v", err)
	}

	lim.Allow()
	lim.Allow()
	if lim.Allow() {
		t.Fatal("Allow() = true inside full window, want false")
	}

	time.Sleep(80 * time.Millisecond)
	if !lim.Allow() {
		t.Error("Allow() = false after window expiry, want true")
	}
}

func TestSlidingWaitBlocksUntilSlot(t *testing.T) {
	lim, err := ratelimit.NewSliding(1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSliding() error = %v", err)
	}

	if !lim.Allow() {
		t.Fatal("first Allow() = false")
	}

	start := time.Now()
	if err := lim.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Errorf("Wait() returned after %v, want it to block for the window", waited)
	}
}

func TestSlidingWaitHonorsContext(t *testing.T) {
	lim, err := ratelimit.NewSliding(1, time.Minute)
	if err != nil {
		t.Fatalf("NewSliding() error = %v", err)
	}
	lim.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := lim.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestTokenBucketBurstThenRefill(t *testing.T) {
	lim, err := ratelimit.NewTokenBucket(5, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("NewTokenBucket() error = %v", err)
	}

	granted := 0
	for i := 0; i < 10; i++ {
		if lim.Allow() {
			granted++
		}
	}
	if granted != 5 {
		t.Errorf("burst granted = %d, want 5", granted)
	}

	time.Sleep(60 * time.Millisecond)
	if !lim.Allow() {
		t.Error("Allow() = false after partial refill, want true")
	}
}

func TestConstructorValidation(t *testing.T) {
	if _, err := ratelimit.NewSliding(0, time.Minute); err == nil {
		t.Error("NewSliding(0, ...) = nil error, want error")
	}
	if _, err := ratelimit.NewSliding(5, 0); err == nil {
		t.Error("NewSliding(..., 0) = nil error, want error")
	}
	if _, err := ratelimit.NewTokenBucket(-1, time.Second); err == nil {
		t.Error("NewTokenBucket(-1, ...) = nil error, want error")
	}
}

func TestLimiterInterfaceSatisfied(t *testing.T) {
	var _ ratelimit.Limiter = &ratelimit.SlidingWindow{}
	var _ ratelimit.Limiter = &ratelimit.TokenBucket{}
}
