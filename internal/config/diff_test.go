package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/asclepius/streamrelay/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":3000"},
		Relay:  config.RelayConfig{BufferThreshold: 8192},
		Scribe: config.ScribeConfig{
			ScribeEntry: config.ScribeEntry{Name: "healthscribe", Region: "us-east-1"},
			RoleARN:     "arn:aws:iam::1:role/scribe",
		},
		Storage: config.StorageConfig{
			StorageEntry: config.StorageEntry{Name: "s3", Bucket: "recordings"},
		},
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.RelayChanged {
		t.Error("expected RelayChanged=false for identical configs")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart-only changes, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_RelayChanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"threshold", func(c *config.Config) { c.Relay.BufferThreshold = 4096 }},
		{"settle delay", func(c *config.Config) { c.Relay.SettleDelay = 200 * time.Millisecond }},
		{"message size", func(c *config.Config) { c.Server.MaxMessageBytes = 1 << 20 }},
		{"origins", func(c *config.Config) { c.Server.AllowedOrigins = []string{"clinic.example.com"} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			new := baseConfig()
			tc.mutate(new)
			d := config.Diff(baseConfig(), new)
			if !d.RelayChanged {
				t.Error("expected RelayChanged=true")
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("relay changes must not require a restart, got %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.ListenAddr = ":8080"
	new.Scribe.Fallbacks = []config.ScribeEntry{{Name: "deepgram", APIKey: "k"}}
	new.Storage.Fallback = &config.StorageEntry{Name: "filesystem", Dir: "/tmp"}
	new.SessionLog.PostgresDSN = "postgres://localhost/relay"

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "scribe", "storage", "sessionlog"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.RelayChanged || d.LogLevelChanged {
		t.Errorf("unexpected hot-reload changes: %+v", d)
	}
}

func TestDiff_ScribeOptionsIgnored(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Scribe.Options = map[string]any{"smart_format": true}

	if d := config.Diff(old, new); len(d.RestartRequired) != 0 {
		t.Errorf("options-only change reported as %v", d.RestartRequired)
	}
}
