// Package relay bridges browser audio streams to a remote transcription
// service. Each WebSocket connection becomes a [Session]: binary frames are
// buffered and forwarded as audio events, transcript segments are relayed back
// as JSON text frames, and the complete recording is persisted as a WAV object
// when the session ends.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/asclepius/streamrelay/internal/observe"
	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	"github.com/asclepius/streamrelay/pkg/sessionlog"
)

// DefaultStreamPath is the WebSocket endpoint browsers connect to.
const DefaultStreamPath = "/stream"

// Option is a functional option for configuring the Server.
type Option func(*Server)

// WithConfig sets the session tuning for new sessions.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.SetConfig(cfg)
	}
}

// WithSessionLog records session history in store.
func WithSessionLog(store sessionlog.Store) Option {
	return func(s *Server) {
		s.history = store
	}
}

// WithRegistry uses r instead of a private registry.
func WithRegistry(r *Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server accepts browser connections and runs one Session per connection.
type Server struct {
	provider scribe.Provider
	uploader *Uploader
	history  sessionlog.Store
	registry *Registry
	metrics  *observe.Metrics

	cfg atomic.Pointer[Config]
}

// NewServer creates a Server that opens streams with provider and persists
// recordings through uploader.
func NewServer(provider scribe.Provider, uploader *Uploader, opts ...Option) *Server {
	s := &Server{provider: provider, uploader: uploader}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.Load() == nil {
		s.SetConfig(DefaultConfig())
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetConfig replaces the tuning used by sessions accepted from now on.
// Running sessions keep their configuration.
func (s *Server) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
}

// Config returns the tuning for new sessions.
func (s *Server) Config() Config {
	return *s.cfg.Load()
}

// Registry returns the registry of live sessions.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Register mounts the WebSocket endpoint on mux. An empty path uses
// [DefaultStreamPath].
func (s *Server) Register(mux *http.ServeMux, path string) {
	if path == "" {
		path = DefaultStreamPath
	}
	mux.Handle("GET "+path, s)
}

// ServeHTTP upgrades the request and runs the session until its teardown
// finished.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	log := observe.Logger(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  cfg.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		// Accept already wrote the HTTP error response.
		log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(cfg.MaxMessageBytes)

	id := uuid.NewString()
	ctx, span, log := observe.StartSessionSpan(r.Context(), id, r.RemoteAddr)
	browser := newBrowserSender(conn, cfg.WriteTimeout)

	if err := browser.send(ctx, sessionStartMessage{Type: TypeSessionStart, SessionID: id}); err != nil {
		log.Info("browser left before session start", "err", err)
		s.abort(ctx, span, browser, nil, err)
		return
	}

	stream, err := s.provider.StartStream(ctx, scribe.StreamConfig{
		SessionID:    id,
		LanguageCode: cfg.LanguageCode,
		SampleRate:   cfg.Session.SampleRate,
		Encoding:     cfg.Session.Encoding,
	})
	if err != nil {
		log.Error("failed to open transcription stream", "err", err)
		s.metrics.RecordProviderError(ctx, "scribe", "start")
		s.abort(ctx, span, browser, nil, err)
		return
	}

	sess := newSession(ctx, sessionParams{
		id:         id,
		remoteAddr: r.RemoteAddr,
		cfg:        cfg,
		stream:     stream,
		browser:    browser,
		uploader:   s.uploader,
		history:    s.history,
		registry:   s.registry,
		metrics:    s.metrics,
	})
	if err := s.registry.Add(sess); err != nil {
		log.Error("failed to register session", "err", err)
		s.abort(ctx, span, browser, stream, err)
		return
	}
	sess.start()

	s.readLoop(conn, sess)
	<-sess.Done()
}

// abort reports a setup failure to the browser and releases what was opened.
func (s *Server) abort(ctx context.Context, span trace.Span, browser *browserSender, stream scribe.Stream, cause error) {
	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Debug("stream close after setup failure", "err", err)
		}
	}
	if browser.open() {
		_ = browser.send(ctx, errorMessage{Error: "Setup error: " + cause.Error()})
	}
	_ = browser.close(websocket.StatusInternalError, "setup failed")
	observe.EndSpan(span, cause, "session setup failed")
}

// readLoop dispatches inbound frames until the connection closes.
func (s *Server) readLoop(conn *websocket.Conn, sess *Session) {
	for {
		typ, data, err := conn.Read(sess.ctx)
		if err != nil {
			if !sess.closing.Load() {
				sess.log.Info("browser disconnected", "status", websocket.CloseStatus(err), "err", err)
			}
			sess.browser.markClosed()
			sess.End(ReasonDisconnect)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			s.handleAudio(sess, data)
		case websocket.MessageText:
			s.handleControl(sess, data)
		}
	}
}

func (s *Server) handleAudio(sess *Session, data []byte) {
	err := sess.Ingest(data)
	switch {
	case err == nil:
	case errors.Is(err, ErrIngestSealed):
		s.metrics.RecordFrameDropped(sess.ctx, "sealed")
		sess.log.Debug("audio after end of stream dropped", "bytes", len(data))
	case errors.Is(err, ErrSessionTooLarge):
		s.metrics.RecordFrameDropped(sess.ctx, "too_large")
		sess.log.Warn("audio over session limit dropped", "bytes", len(data), "total", sess.ingest.Size())
	default:
		s.metrics.RecordFrameDropped(sess.ctx, "error")
		sess.log.Warn("audio frame dropped", "err", err)
	}
}

func (s *Server) handleControl(sess *Session, data []byte) {
	if sess.closing.Load() {
		s.metrics.RecordFrameDropped(sess.ctx, "closing")
		return
	}
	msg, err := parseControl(data)
	if err != nil {
		s.metrics.RecordFrameDropped(sess.ctx, "malformed")
		sess.log.Debug("malformed control message dropped", "bytes", len(data), "err", err)
		return
	}
	switch msg.Type {
	case TypeEndStream:
		sess.log.Info("browser ended stream")
		sess.End(ReasonClientEnd)
	default:
		s.metrics.RecordFrameDropped(sess.ctx, "unknown_type")
		sess.log.Debug("unknown control message ignored", "type", msg.Type)
	}
}
