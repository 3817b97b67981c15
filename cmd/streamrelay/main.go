// Command streamrelay is the main entry point for the streamrelay audio
// transcription relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/asclepius/streamrelay/internal/app"
	"github.com/asclepius/streamrelay/internal/config"
	"github.com/asclepius/streamrelay/internal/observe"
	"github.com/asclepius/streamrelay/internal/resilience"
	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	"github.com/asclepius/streamrelay/pkg/provider/scribe/deepgram"
	"github.com/asclepius/streamrelay/pkg/provider/scribe/healthscribe"
	"github.com/asclepius/streamrelay/pkg/storage"
	"github.com/asclepius/streamrelay/pkg/storage/filesystem"
	"github.com/asclepius/streamrelay/pkg/storage/s3"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "streamrelay: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "streamrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("streamrelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Observe.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	metrics := observe.DefaultMetrics()
	providers, err := buildProviders(ctx, cfg, reg, fallbackConfig(metrics))
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
			d := application.Reload(next)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "log_level", d.NewLogLevel)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = app.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Transcription ─────────────────────────────────────────────────────────

	reg.RegisterScribe("healthscribe", func(ctx context.Context, entry config.ScribeEntry) (scribe.Provider, error) {
		return healthscribe.New(ctx, healthscribe.WithRegion(entry.Region))
	})

	reg.RegisterScribe("deepgram", func(_ context.Context, entry config.ScribeEntry) (scribe.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Storage ───────────────────────────────────────────────────────────────

	reg.RegisterStorage("s3", func(ctx context.Context, entry config.StorageEntry) (storage.Store, error) {
		opts := []s3.Option{s3.WithRegion(entry.Region)}
		if entry.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(entry.Endpoint))
		}
		return s3.New(ctx, entry.Bucket, opts...)
	})

	reg.RegisterStorage("filesystem", func(_ context.Context, entry config.StorageEntry) (storage.Store, error) {
		return filesystem.New(entry.Dir)
	})

	slog.Debug("registered providers", "scribe", reg.ScribeNames(), "storage", reg.StorageNames())
}

// buildProviders instantiates the configured providers, wrapping each in a
// fallback group when fallbacks are configured.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, fbCfg resilience.FallbackConfig) (*app.Providers, error) {
	ps := &app.Providers{}

	primary, err := reg.CreateScribe(ctx, cfg.Scribe.ScribeEntry)
	if err != nil {
		return nil, fmt.Errorf("create scribe provider %q: %w", cfg.Scribe.Name, err)
	}
	slog.Info("provider created", "kind", "scribe", "name", cfg.Scribe.Name)
	ps.Scribe = primary
	if len(cfg.Scribe.Fallbacks) > 0 {
		fb := resilience.NewScribeFallback(primary, cfg.Scribe.Name, fbCfg)
		for _, entry := range cfg.Scribe.Fallbacks {
			p, err := reg.CreateScribe(ctx, entry)
			if err != nil {
				return nil, fmt.Errorf("create scribe fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
			slog.Info("provider created", "kind", "scribe", "name", entry.Name, "fallback", true)
		}
		ps.Scribe = fb
	}

	store, err := reg.CreateStorage(ctx, cfg.Storage.StorageEntry)
	if err != nil {
		return nil, fmt.Errorf("create storage %q: %w", cfg.Storage.Name, err)
	}
	slog.Info("provider created", "kind", "storage", "name", cfg.Storage.Name)
	ps.Storage = store
	if entry := cfg.Storage.Fallback; entry != nil {
		fallback, err := reg.CreateStorage(ctx, *entry)
		if err != nil {
			return nil, fmt.Errorf("create storage fallback %q: %w", entry.Name, err)
		}
		fb := resilience.NewStorageFallback(store, cfg.Storage.Name, fbCfg)
		fb.AddFallback(entry.Name, fallback)
		slog.Info("provider created", "kind", "storage", "name", entry.Name, "fallback", true)
		ps.Storage = fb
	}

	return ps, nil
}

// fallbackConfig counts every circuit that opens as a provider error.
func fallbackConfig(metrics *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				if to == resilience.StateOpen {
					metrics.RecordProviderError(context.Background(), name, "circuit_open")
				}
			},
		},
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
