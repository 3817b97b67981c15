// Package resilience guards the relay's remote dependencies.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) kept per
// provider. [FallbackGroup] orders a primary and its fallbacks and walks them
// until one accepts the call. [ScribeFallback] applies this to transcription
// stream setup and [StorageFallback] to recording uploads.
//
// A call cancelled by its caller never counts against a provider: when a
// browser leaves mid-setup the provider did nothing wrong, and the remaining
// fallbacks are not tried.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// Breaker defaults.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probe calls. One failed probe
	// re-opens the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc observes breaker transitions. It runs after the breaker's
// lock is released and must not block.
type StateChangeFunc func(name string, from, to State)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero values
// select the defaults.
type CircuitBreakerConfig struct {
	// Name labels log lines and transition callbacks, usually the provider
	// name from config.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the probes admitted while half-open.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the provider.
	// Nil selects [IsProviderFailure].
	IsFailure func(error) bool

	// OnStateChange, if set, is called on every transition.
	OnStateChange StateChangeFunc
}

// IsProviderFailure reports whether err should count against a provider.
// Caller cancellation does not; deadlines do, since a provider that cannot
// answer in time is unhealthy.
func IsProviderFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	gen       uint64 // bumped on every transition; stale probe results are ignored
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsProviderFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call, otherwise it returns
// [ErrCircuitOpen] without calling fn. The error from fn is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	gen, probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(gen, probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (gen uint64, probe bool, err error) {
	cb.mu.Lock()
	notify := cb.expireLocked()
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			cb.probes++
			probe = true
		}
	}
	gen = cb.gen
	cb.mu.Unlock()
	notify()
	return gen, probe, err
}

func (cb *CircuitBreaker) record(gen uint64, probe bool, err error) {
	failed := cb.cfg.IsFailure(err)

	cb.mu.Lock()
	notify := func() {}
	switch {
	case probe && gen != cb.gen:
		// The probe outlived its half-open period.
	case err != nil && !failed:
		if probe {
			cb.probes--
		}
	case probe && failed:
		notify = cb.setLocked(StateOpen)
	case probe:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			notify = cb.setLocked(StateClosed)
		}
	case failed:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			notify = cb.setLocked(StateOpen)
		}
	default:
		cb.failures = 0
	}
	cb.mu.Unlock()
	notify()
}

// expireLocked moves an open breaker whose reset timeout elapsed to half-open.
func (cb *CircuitBreaker) expireLocked() func() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return cb.setLocked(StateHalfOpen)
	}
	return func() {}
}

// setLocked switches state and returns the notification to run once the lock
// is released.
func (cb *CircuitBreaker) setLocked(to State) func() {
	from := cb.state
	cb.state = to
	cb.gen++
	cb.probes, cb.successes = 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}

	name, failures, hook := cb.cfg.Name, cb.failures, cb.cfg.OnStateChange
	return func() {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker state changed",
			"provider", name,
			"from", from.String(),
			"to", to.String(),
			"consecutive_failures", failures,
		)
		if hook != nil {
			hook(name, from, to)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := func() {}
	if cb.state != StateClosed {
		notify = cb.setLocked(StateClosed)
	}
	cb.failures = 0
	cb.mu.Unlock()
	notify()
}
