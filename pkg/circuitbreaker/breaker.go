package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker. Zero values fall back to conservative defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker while closed.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count that closes the
	// breaker again while half-open.
	SuccessThreshold uint32
	// MaxRequests caps how many probes are admitted during one half-open
	// period.
	MaxRequests uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// Interval rolls the tallies while closed so old failures age out.
	// Zero keeps them until the state changes.
	Interval time.Duration
	Logger   *zap.Logger
}

func (cfg *Config) sanitize() {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
}

// Counts holds the outcome tallies for the breaker's current period. A
// period ends on any state change, and while closed also when Interval
// elapses.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker sheds calls to a collaborator that keeps failing, then
// probes it periodically until it recovers.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	epoch     uint64 // bumped whenever the tallies reset
	counts    Counts
	reopenAt  time.Time // open: when probing may begin
	windowEnd time.Time // closed: when the tallies roll over
}

func New(name string, cfg Config) *CircuitBreaker {
	cfg.sanitize()
	cb := &CircuitBreaker{name: name, cfg: cfg}
	cb.beginPeriod(time.Now())
	return cb
}

// Execute runs fn if the breaker admits the call. fn's error is returned
// as-is; a panic inside fn is recorded as a failure and re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := cb.admit(time.Now())
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(epoch, false)
			panic(r)
		}
	}()

	err = fn()
	cb.settle(epoch, err == nil)
	return err
}

// State reports the current state, applying any transition that is due
// purely to elapsed time.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh(time.Now())
	return cb.state
}

// Counts returns the tallies for the current period.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// admit decides whether a call may proceed and tallies it when it may. The
// returned epoch ties the call's eventual outcome back to this period.
func (cb *CircuitBreaker) admit(now time.Time) (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh(now)

	switch cb.state {
	case StateOpen:
		return cb.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if cb.counts.Requests >= cb.cfg.MaxRequests {
			return cb.epoch, ErrTooManyRequests
		}
	}

	cb.counts.Requests++
	return cb.epoch, nil
}

// settle records the outcome of an admitted call. Outcomes from an earlier
// period are dropped: the state machine already moved on without them.
func (cb *CircuitBreaker) settle(epoch uint64, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.refresh(now)
	if epoch != cb.epoch {
		return
	}

	if ok {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0

		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0

	switch cb.state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen, now)
		}
	case StateHalfOpen:
		// A failed probe means the collaborator is still down.
		cb.transition(StateOpen, now)
	}
}

// refresh applies transitions due purely to elapsed time. Callers hold mu.
func (cb *CircuitBreaker) refresh(now time.Time) {
	switch cb.state {
	case StateOpen:
		if !now.Before(cb.reopenAt) {
			cb.transition(StateHalfOpen, now)
		}
	case StateClosed:
		if !cb.windowEnd.IsZero() && now.After(cb.windowEnd) {
			cb.beginPeriod(now)
		}
	}
}

// transition moves to a new state and starts a fresh period. Callers hold mu.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.beginPeriod(now)

	if cb.cfg.Logger != nil {
		cb.cfg.Logger.Info("Circuit breaker state changed",
			zap.String("name", cb.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}

// beginPeriod resets the tallies and arms the timer relevant to the
// current state. Callers hold mu.
func (cb *CircuitBreaker) beginPeriod(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}
	cb.reopenAt = time.Time{}
	cb.windowEnd = time.Time{}

	switch cb.state {
	case StateOpen:
		cb.reopenAt = now.Add(cb.cfg.Timeout)
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.windowEnd = now.Add(cb.cfg.Interval)
		}
	}
}
