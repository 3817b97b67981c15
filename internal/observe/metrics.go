// Package observe holds streamrelay's telemetry: OpenTelemetry instruments
// exported through a Prometheus bridge ([InitProvider]), session tracing
// helpers, and the HTTP middleware that ties requests to traces and logs.
//
// Code under test should build its own [Metrics] with [NewMetrics] and an SDK
// meter provider backed by a manual reader; production code uses
// [DefaultMetrics], which binds to the global provider.
package observe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/asclepius/streamrelay"

// Metrics is the set of relay instruments. Attribute keys are listed next to
// each instrument; the Record helpers set them consistently.
type Metrics struct {
	ActiveSessions metric.Int64UpDownCounter // live sessions
	Sessions       metric.Int64Counter       // finished sessions: reason
	AudioBytes     metric.Int64Counter       // PCM bytes accepted from browsers
	AudioEvents    metric.Int64Counter       // audio events sent to the scribe
	Segments       metric.Int64Counter       // transcript segments: partial
	FramesDropped  metric.Int64Counter       // inbound frames not processed: reason
	ProviderErrors metric.Int64Counter       // scribe/storage failures: provider, kind

	UploadDuration   metric.Float64Histogram // recording uploads: status
	TeardownDuration metric.Float64Histogram // close initiation to registry removal

	// HTTPRequestDuration is recorded by [Middleware] with method, route and
	// upgraded attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// teardownBuckets spans quick disconnects up to a generator timeout plus a
// slow upload.
var teardownBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var errs []error
	keep := func(err error) { errs = append(errs, err) }

	counter := func(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
		c, err := meter.Int64Counter(name, append(opts, metric.WithDescription(desc))...)
		keep(err)
		return c
	}
	seconds := func(name, desc string, buckets []float64) metric.Float64Histogram {
		opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
		if buckets != nil {
			opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
		}
		h, err := meter.Float64Histogram(name, opts...)
		keep(err)
		return h
	}

	active, err := meter.Int64UpDownCounter("streamrelay.active_sessions",
		metric.WithDescription("Live relay sessions."))
	keep(err)

	m := &Metrics{
		ActiveSessions: active,
		Sessions:       counter("streamrelay.sessions", "Finished sessions by end reason."),
		AudioBytes:     counter("streamrelay.audio.bytes", "PCM bytes received from browsers.", metric.WithUnit("By")),
		AudioEvents:    counter("streamrelay.audio.events", "Audio events forwarded to the transcription service."),
		Segments:       counter("streamrelay.segments", "Transcript segments received by partial flag."),
		FramesDropped:  counter("streamrelay.frames.dropped", "Inbound frames dropped by reason."),
		ProviderErrors: counter("streamrelay.provider.errors", "Transcription and storage errors by provider and kind."),

		UploadDuration:      seconds("streamrelay.upload.duration", "Recording upload latency.", teardownBuckets),
		TeardownDuration:    seconds("streamrelay.teardown.duration", "Time from close initiation to session removal.", teardownBuckets),
		HTTPRequestDuration: seconds("streamrelay.http.request.duration", "HTTP request latency by route.", nil),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

// DefaultMetrics returns the process-wide [Metrics] bound to
// [otel.GetMeterProvider]. Call it after [InitProvider] so the instruments
// reach the Prometheus exporter.
var DefaultMetrics = sync.OnceValue(func() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
})

// RecordSessionStarted increments the live-session gauge.
func (m *Metrics) RecordSessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionEnded decrements the live-session gauge and counts the
// session under reason.
func (m *Metrics) RecordSessionEnded(ctx context.Context, reason string) {
	m.ActiveSessions.Add(ctx, -1)
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSegment counts one transcript segment.
func (m *Metrics) RecordSegment(ctx context.Context, partial bool) {
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("partial", strconv.FormatBool(partial))))
}

// RecordFrameDropped counts one inbound frame that was not processed.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordUpload records one recording upload; status is "ok" or "error".
func (m *Metrics) RecordUpload(ctx context.Context, seconds float64, status string) {
	m.UploadDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderError counts a failure of a remote collaborator.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
