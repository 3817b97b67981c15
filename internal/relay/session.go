package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/asclepius/streamrelay/internal/observe"
	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	"github.com/asclepius/streamrelay/pkg/sessionlog"
	"github.com/asclepius/streamrelay/pkg/storage"
)

// sessionLogTimeout bounds each session log write.
const sessionLogTimeout = 5 * time.Second

// Reason records why a session ended.
type Reason string

// End reasons.
const (
	ReasonClientEnd     Reason = "client_end"
	ReasonDisconnect    Reason = "disconnect"
	ReasonRemoteFailure Reason = "remote_failure"
	ReasonShutdown      Reason = "shutdown"
)

// State is a session's lifecycle phase. Transitions only move forward.
type State int32

const (
	StateActive State = iota
	StateClosing
	StateDraining
	StatePersisting
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateDraining:
		return "draining"
	case StatePersisting:
		return "persisting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result is the outcome of a finished session.
type Result struct {
	Reason    Reason
	Location  storage.Location
	UploadErr error
}

// Session is one browser recording relayed to the transcription service.
// Its audio flows from the read loop through the ingest buffer to the
// generator; transcripts flow back through the relay. All three run
// concurrently and End converges every shutdown trigger to one teardown.
type Session struct {
	id         string
	remoteAddr string
	cfg        Config
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	log    *slog.Logger

	ingest   *ingestBuffer
	stream   scribe.Stream
	gen      *generator
	browser  *browserSender
	uploader *Uploader
	history  sessionlog.Store
	registry *Registry
	metrics  *observe.Metrics

	// closing is the test-and-set teardown guard.
	closing atomic.Bool
	state   atomic.Int32

	ending    chan struct{}
	genDone   chan struct{}
	relayDone chan struct{}
	group     errgroup.Group
	done      chan struct{}

	mu     sync.Mutex
	result Result
}

// sessionParams carries everything newSession needs.
type sessionParams struct {
	id         string
	remoteAddr string
	cfg        Config
	stream     scribe.Stream
	browser    *browserSender
	uploader   *Uploader
	history    sessionlog.Store
	registry   *Registry
	metrics    *observe.Metrics
}

// newSession builds a session bound to ctx. ctx should carry the session span;
// it is detached from cancellation so the session outlives the request that
// created it.
func newSession(ctx context.Context, p sessionParams) *Session {
	cfg := p.cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &Session{
		id:         p.id,
		remoteAddr: p.remoteAddr,
		cfg:        cfg,
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		span:       trace.SpanFromContext(ctx),
		log:        observe.Logger(ctx).With("session_id", p.id),
		ingest:     newIngestBuffer(cfg.BufferThreshold, cfg.MaxSessionBytes),
		stream:     p.stream,
		browser:    p.browser,
		uploader:   p.uploader,
		history:    p.history,
		registry:   p.registry,
		metrics:    p.metrics,
		ending:     make(chan struct{}),
		genDone:    make(chan struct{}),
		relayDone:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.gen = &generator{
		ingest:  s.ingest,
		stream:  s.stream,
		cfg:     cfg,
		ending:  s.ending,
		metrics: s.metrics,
		log:     s.log,
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when teardown has finished and the session left the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the outcome. It is complete once Done is closed.
func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// start records the session and launches the generator and the relay.
func (s *Session) start() {
	s.recordHistory(func(ctx context.Context) error {
		return s.history.SessionStarted(ctx, sessionlog.Session{
			ID:         s.id,
			RemoteAddr: s.remoteAddr,
			StartedAt:  s.startedAt,
		})
	})
	s.metrics.RecordSessionStarted(s.ctx)

	s.group.Go(func() error {
		defer close(s.genDone)
		err := s.gen.run(s.ctx)
		if err != nil && !s.closing.Load() {
			s.log.Warn("outbound stream failed", "err", err)
			s.metrics.RecordProviderError(s.ctx, "scribe", "send")
			go s.End(ReasonRemoteFailure)
		}
		return err
	})
	s.group.Go(func() error {
		defer close(s.relayDone)
		return s.relayTranscripts(s.ctx)
	})
	s.log.Info("session started", "remote_addr", s.remoteAddr)
}

// Ingest accepts one audio fragment from the browser.
func (s *Session) Ingest(p []byte) error {
	if err := s.ingest.Add(p); err != nil {
		return err
	}
	s.metrics.AudioBytes.Add(s.ctx, int64(len(p)))
	return nil
}

// End tears the session down. The first caller runs the teardown; later and
// concurrent callers return immediately.
func (s *Session) End(reason Reason) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.teardown(reason)
}

// teardown walks closing, draining, persisting and closed in order.
func (s *Session) teardown(reason Reason) {
	started := time.Now()
	log := s.log.With("reason", string(reason))
	log.Info("ending session", "queued", s.ingest.Len())

	// Closing: let the generator consume what is queued, up to DrainWait.
	s.setState(StateClosing)
	if !s.waitDrained(s.cfg.DrainWait) {
		log.Debug("audio still queued after drain wait", "queued", s.ingest.Len())
	}
	close(s.ending)

	// Draining: the generator seals the ingest buffer and sends the end marker.
	s.setState(StateDraining)
	if !s.waitFor(s.genDone, s.cfg.GeneratorTimeout) {
		log.Warn("generator did not finish in time, cancelling stream", "timeout", s.cfg.GeneratorTimeout)
		s.cancel()
		s.waitFor(s.genDone, s.cfg.EndMarkerTimeout)
	}
	if !s.ingest.Sealed() {
		s.ingest.Seal()
	}

	// Persisting: one upload of the final snapshot.
	s.setState(StatePersisting)
	snapshot := s.ingest.Snapshot()
	loc, uploadErr := s.persist(snapshot)
	if uploadErr != nil {
		log.Error("recording not saved", "bytes", len(snapshot), "err", uploadErr)
		s.span.RecordError(uploadErr)
	} else {
		log.Info("recording saved", "bucket", loc.Bucket, "key", loc.Key, "bytes", len(snapshot))
		s.notify(audioSavedMessage{Type: TypeAudioSaved, Location: loc})
	}
	if reason == ReasonClientEnd {
		s.notify(controlMessage{Type: TypeStreamEnded})
	}

	// Closed: release the browser, then the remote stream.
	s.setState(StateClosed)
	if err := s.browser.close(websocket.StatusNormalClosure, "session ended"); err != nil {
		log.Debug("browser close", "err", err)
	}
	if !s.waitFor(s.relayDone, s.cfg.RelayGrace) {
		log.Debug("remote stream still open after grace period")
	}
	if err := s.stream.Close(); err != nil {
		log.Debug("remote stream close", "err", err)
	}
	s.waitFor(s.relayDone, s.cfg.RelayGrace)

	s.mu.Lock()
	s.result = Result{Reason: reason, Location: loc, UploadErr: uploadErr}
	s.mu.Unlock()

	s.recordHistory(func(ctx context.Context) error {
		return s.history.SessionEnded(ctx, s.id, sessionlog.End{
			At:         time.Now(),
			Reason:     string(reason),
			AudioBytes: int64(len(snapshot)),
			Recording:  loc,
		})
	})

	s.registry.Remove(s.id)
	s.metrics.RecordSessionEnded(s.ctx, string(reason))
	s.metrics.TeardownDuration.Record(s.ctx, time.Since(started).Seconds())
	s.span.SetAttributes(
		attribute.String("relay.end_reason", string(reason)),
		attribute.Int64("relay.audio_bytes", int64(len(snapshot))),
		attribute.Bool("relay.end_acknowledged", s.gen.endAcknowledged.Load()),
	)
	if uploadErr != nil {
		s.span.SetStatus(codes.Error, "recording not saved")
	}
	s.span.End()
	log.Info("session closed",
		"duration", time.Since(s.startedAt),
		"teardown", time.Since(started),
		"end_acknowledged", s.gen.endAcknowledged.Load(),
	)

	s.cancel()
	go func() {
		// Both tasks have exited or been abandoned above; Wait only collects
		// their errors for the debug log.
		if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug("session task error", "err", err)
		}
	}()
	close(s.done)
}

// persist uploads the recording, bounded by UploadTimeout.
func (s *Session) persist(pcm []byte) (storage.Location, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.UploadTimeout)
	defer cancel()
	return s.uploader.Upload(ctx, s.id, pcm)
}

// notify sends v to the browser if it is still connected.
func (s *Session) notify(v any) {
	if !s.browser.open() {
		return
	}
	// Teardown may already have cancelled s.ctx; the write is bounded by
	// the sender's WriteTimeout.
	if err := s.browser.send(context.WithoutCancel(s.ctx), v); err != nil {
		s.log.Debug("browser message not delivered", "err", err)
	}
}

// recordHistory runs one session log write and logs its failure.
func (s *Session) recordHistory(fn func(ctx context.Context) error) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), sessionLogTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.Warn("session log write failed", "err", err)
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.span.AddEvent("relay.state", trace.WithAttributes(attribute.String("state", st.String())))
}

// waitDrained blocks until the ingest queue is empty, the generator stopped,
// or d elapsed, and reports whether the queue is empty.
func (s *Session) waitDrained(d time.Duration) bool {
	if s.ingest.Len() == 0 {
		return true
	}
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for s.ingest.Len() > 0 {
		select {
		case <-s.ingest.Drained():
		case <-s.genDone:
			return s.ingest.Len() == 0
		case <-t.C:
			return false
		}
	}
	return true
}

// waitFor blocks until ch is closed or d elapsed and reports whether ch closed.
func (s *Session) waitFor(ch <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
