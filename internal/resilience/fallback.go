package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// had an open circuit.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker created for each member of a
// [FallbackGroup]. The breaker Name is set per member.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup orders a primary and zero or more fallbacks of the same
// provider type, each behind its own [CircuitBreaker].
type FallbackGroup[T any] struct {
	cfg FallbackConfig

	mu      sync.RWMutex
	members []member[T]
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a member. Members are tried in the order they were added.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.mu.Lock()
	fg.members = append(fg.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
	fg.mu.Unlock()
}

func (fg *FallbackGroup[T]) snapshot() []member[T] {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return append([]member[T](nil), fg.members...)
}

// States reports each member's breaker state by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State)
	for _, m := range fg.snapshot() {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Available reports whether at least one member's breaker would admit a call.
func (fg *FallbackGroup[T]) Available() bool {
	for _, m := range fg.snapshot() {
		if m.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Do calls fn against each member in order until one succeeds. Members whose
// circuit is open are skipped. Once ctx is cancelled the walk stops and the
// cancellation is returned unwrapped.
func Do[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range fg.snapshot() {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return zero, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", m.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Execute is [Do] for calls without a result.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) error {
	_, err := Do(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}
