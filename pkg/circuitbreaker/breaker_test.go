package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failingCall() error { return errBoom }
func okCall() error      { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, failingCall); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	calls := 0
	err := cb.Execute(ctx, func() error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != 0 {
		t.Errorf("function ran while the circuit was open")
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, okCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)

	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed (streak was broken)", got)
	}

	cb.Execute(ctx, failingCall)
	if got := cb.State(); got != StateOpen {
		t.Errorf("state = %v, want open after third consecutive failure", got)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New("test", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		MaxRequests:      5,
		Timeout:          20 * time.Millisecond,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", got)
	}

	if err := cb.Execute(ctx, okCall); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after one success", got)
	}

	if err := cb.Execute(ctx, okCall); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed after success threshold", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New("test", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		MaxRequests:      5,
		Timeout:          20 * time.Millisecond,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(ctx, failingCall); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("state = %v, want open after failed probe", got)
	}
}

func TestBreakerHalfOpenCapsProbes(t *testing.T) {
	cb := New("test", Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		MaxRequests:      1,
		Timeout:          20 * time.Millisecond,
	})
	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(ctx, okCall); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if err := cb.Execute(ctx, okCall); !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("second probe err = %v, want ErrTooManyRequests", err)
	}
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		cb.Execute(ctx, func() error { panic("boom") })
	}()

	if got := cb.State(); got != StateOpen {
		t.Errorf("state = %v, want open after panic", got)
	}
}

func TestBreakerCounts(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 10, Timeout: time.Minute})
	ctx := context.Background()

	cb.Execute(ctx, okCall)
	cb.Execute(ctx, okCall)
	cb.Execute(ctx, failingCall)

	counts := cb.Counts()
	if counts.Requests != 3 {
		t.Errorf("requests = %d", counts.Requests)
	}
	if counts.TotalSuccesses != 2 {
		t.Errorf("successes = %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("failures = %d", counts.TotalFailures)
	}
	if counts.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d", counts.ConsecutiveFailures)
	}
	if counts.ConsecutiveSuccesses != 0 {
		t.Errorf("consecutive successes = %d", counts.ConsecutiveSuccesses)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateHalfOpen: "half-open",
		StateOpen:     "open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
