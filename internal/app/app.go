// Package app wires the streamrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context is cancelled, and Shutdown
// drains live sessions and tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSessionLog, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/asclepius/streamrelay/internal/config"
	"github.com/asclepius/streamrelay/internal/health"
	"github.com/asclepius/streamrelay/internal/observe"
	"github.com/asclepius/streamrelay/internal/relay"
	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	"github.com/asclepius/streamrelay/pkg/sessionlog"
	"github.com/asclepius/streamrelay/pkg/sessionlog/postgres"
	"github.com/asclepius/streamrelay/pkg/storage"
)

// DefaultShutdownTimeout bounds Shutdown when server.shutdown_timeout is unset.
const DefaultShutdownTimeout = 30 * time.Second

const readHeaderTimeout = 10 * time.Second

// Providers holds the remote dependencies built by main.go via the config
// registry. Both are required.
type Providers struct {
	Scribe  scribe.Provider
	Storage storage.Store
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems: initialised in New, torn down in Shutdown.
	history  sessionlog.Store
	metrics  *observe.Metrics
	checkers []health.Checker
	probes   *health.Handler
	relay    *relay.Server
	server   *http.Server
	metricsS *http.Server

	mu    sync.Mutex
	addrs map[*http.Server]net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionLog injects a session history store instead of creating one
// from config.
func WithSessionLog(s sessionlog.Store) Option {
	return func(a *App) { a.history = s }
}

// WithMetrics injects the metrics instance instead of the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithChecker adds a readiness check served on /readyz.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Scribe == nil {
		return nil, errors.New("app: a transcription provider is required")
	}
	if providers.Storage == nil {
		return nil, errors.New("app: a recording store is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		addrs:     make(map[*http.Server]net.Addr),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session history ───────────────────────────────────────────────
	if err := a.initSessionLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init session log: %w", err)
	}

	// ── 2. Relay server ──────────────────────────────────────────────────
	uploader := relay.NewUploader(providers.Storage, cfg.Storage.Prefix, a.metrics)
	a.relay = relay.NewServer(providers.Scribe, uploader,
		relay.WithConfig(RelayConfig(cfg)),
		relay.WithSessionLog(a.history),
		relay.WithMetrics(a.metrics),
	)
	a.checkers = append(a.checkers, health.Checker{Name: "storage", Check: providers.Storage.Check})
	if c, ok := providers.Scribe.(interface{ Check(context.Context) error }); ok {
		a.checkers = append(a.checkers, health.Checker{Name: "scribe", Check: c.Check})
	}

	// ── 3. HTTP servers ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSessionLog connects the PostgreSQL history store or falls back to an
// in-memory one when no DSN is configured.
func (a *App) initSessionLog(ctx context.Context) error {
	if a.history != nil {
		return nil // injected
	}

	dsn := a.cfg.SessionLog.PostgresDSN
	if dsn == "" {
		a.history = sessionlog.NewMemStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.history = store
	a.checkers = append(a.checkers, health.Checker{Name: "sessionlog", Check: store.Ping})
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	a.relay.Register(mux, a.cfg.Server.StreamPath)
	a.probes = health.New(a.checkers...)
	a.probes.Register(mux)

	if addr := a.cfg.Observe.MetricsAddr; addr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		a.metricsS = &http.Server{Addr: addr, Handler: metricsMux, ReadHeaderTimeout: readHeaderTimeout}
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// RelayConfig maps the file configuration onto relay session tuning. Zero
// values in the file select the relay defaults.
func RelayConfig(cfg *config.Config) relay.Config {
	rc := relay.DefaultConfig()
	r := cfg.Relay
	setInt(&rc.BufferThreshold, r.BufferThreshold)
	setDuration(&rc.PollInterval, r.PollInterval)
	setDuration(&rc.SettleDelay, r.SettleDelay)
	setDuration(&rc.DrainWait, r.DrainWait)
	setDuration(&rc.GeneratorTimeout, r.GeneratorTimeout)
	setDuration(&rc.RelayGrace, r.RelayGrace)
	setDuration(&rc.EndMarkerTimeout, r.EndMarkerTimeout)
	setDuration(&rc.UploadTimeout, r.UploadTimeout)
	setDuration(&rc.WriteTimeout, r.WriteTimeout)
	rc.MaxSessionBytes = r.MaxSessionBytes
	if cfg.Server.MaxMessageBytes > 0 {
		rc.MaxMessageBytes = cfg.Server.MaxMessageBytes
	}
	rc.OriginPatterns = cfg.Server.AllowedOrigins
	if cfg.Scribe.LanguageCode != "" {
		rc.LanguageCode = cfg.Scribe.LanguageCode
	}
	rc.Session = scribe.DefaultSessionConfig(cfg.Scribe.RoleARN, cfg.Scribe.OutputBucket, cfg.Scribe.NoteTemplate)
	return rc
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler: the stream endpoint, health probes
// and (unless served separately) /metrics.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Relay returns the relay server.
func (a *App) Relay() *relay.Server { return a.relay }

// SessionLog returns the session history store.
func (a *App) SessionLog() sessionlog.Store { return a.history }

// Addr returns the address the main server is listening on, or nil before
// Run has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addrs[a.server]
}

func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of cfg. Sessions already running
// keep their tuning. Settings that need a restart are logged and ignored.
func (a *App) Reload(cfg *config.Config) config.ConfigDiff {
	a.mu.Lock()
	old := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	d := config.Diff(old, cfg)
	if d.RelayChanged {
		a.relay.SetConfig(RelayConfig(cfg))
		slog.Info("relay configuration reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "settings", d.RestartRequired)
	}
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the listeners and serves HTTP until ctx is cancelled or a server
// fails. When ctx is done, Run returns context.Canceled (or the underlying
// cause); call Shutdown afterwards to drain live sessions.
func (a *App) Run(ctx context.Context) error {
	servers := []*http.Server{a.server}
	if a.metricsS != nil {
		servers = append(servers, a.metricsS)
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("app: listen %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
		a.mu.Lock()
		a.addrs[srv] = ln.Addr()
		a.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			slog.Info("http server listening", "addr", ln.Addr().String())
			err := a.serve(srv, ln)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: serve %s: %w", ln.Addr(), err)
		})
	}

	slog.Info("app running", "stream_path", a.config().Server.StreamPath)
	<-gctx.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	// A server failed; stop the others so Wait returns.
	for _, srv := range servers {
		srv.Close()
	}
	return g.Wait()
}

func (a *App) serve(srv *http.Server, ln net.Listener) error {
	if tls := a.config().Server.TLS; tls != nil && srv == a.server {
		return srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	}
	return srv.Serve(ln)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, ends every live session with reason
// shutdown (each still persists its recording), then runs the closers. It
// respects the context deadline: if ctx expires first, the remaining steps
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.relay.Registry().Len(), "closers", len(a.closers))

		// Fail readiness first so load balancers stop routing new sessions
		// here while the listener is still up.
		a.probes.SetDraining(true)
		if delay := a.config().Server.DrainDelay; delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}

		// Stop new upgrades first. Hijacked WebSocket connections are not
		// waited on by http.Server.Shutdown.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		if err := a.relay.Registry().CloseAll(ctx); err != nil {
			slog.Warn("shutdown deadline exceeded", "remaining_sessions", a.relay.Registry().Len())
			shutdownErr = err
			return
		}

		if a.metricsS != nil {
			if err := a.metricsS.Shutdown(ctx); err != nil {
				slog.Warn("metrics server shutdown error", "err", err)
			}
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
