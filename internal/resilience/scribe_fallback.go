package resilience

import (
	"context"
	"fmt"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
)

// ScribeFallback implements [scribe.Provider] with failover across
// transcription backends.
//
// Failover applies to stream setup only. Once a stream is open, a failure
// mid-session ends that session rather than switching backends, because the
// remote service keys its post-stream output by session id.
type ScribeFallback struct {
	group *FallbackGroup[scribe.Provider]
}

var _ scribe.Provider = (*ScribeFallback)(nil)

// NewScribeFallback creates a [ScribeFallback] with primary as the preferred backend.
func NewScribeFallback(primary scribe.Provider, primaryName string, cfg FallbackConfig) *ScribeFallback {
	return &ScribeFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *ScribeFallback) AddFallback(name string, provider scribe.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a stream against the first backend that accepts it.
func (f *ScribeFallback) StartStream(ctx context.Context, cfg scribe.StreamConfig) (scribe.Stream, error) {
	return Do(ctx, f.group, func(ctx context.Context, p scribe.Provider) (scribe.Stream, error) {
		return p.StartStream(ctx, cfg)
	})
}

// States reports each backend's breaker state by name.
func (f *ScribeFallback) States() map[string]State { return f.group.States() }

// Check fails while every backend's circuit is open, so the readiness probe
// takes the instance out of rotation until a backend may be probed again.
func (f *ScribeFallback) Check(context.Context) error {
	if f.group.Available() {
		return nil
	}
	return fmt.Errorf("%w: every transcription backend %v", ErrCircuitOpen, f.group.States())
}
