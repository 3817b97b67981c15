package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":3000"
	DefaultStreamPath      = "/stream"
	DefaultMaxMessageBytes = 65536
	DefaultRegion          = "us-east-1"
	DefaultLanguageCode    = "en-US"
	DefaultNoteTemplate    = "HISTORY_AND_PHYSICAL"
	DefaultKeyPrefix       = "audio-recordings"
	DefaultServiceName     = "streamrelay"
)

// Environment variables that override file values when set.
const (
	EnvPort         = "PORT"
	EnvAWSRegion    = "AWS_REGION"
	EnvAudioBucket  = "AUDIO_BUCKET_NAME"
	EnvRoleARN      = "HEALTHSCRIBE_ROLE_ARN"
	EnvOutputBucket = "HEALTHSCRIBE_OUTPUT_BUCKET"
	EnvPostgresDSN  = "STREAMRELAY_POSTGRES_DSN"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"scribe":  {"healthscribe", "deepgram"},
	"storage": {"s3", "filesystem"},
}

// LookupFunc reads one environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	// An empty document is valid: everything may come from the environment.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the deployment environment variables the relay
// has always honoured. Empty values are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvPort); ok {
		cfg.Server.ListenAddr = ":" + v
	}
	if v, ok := get(EnvAWSRegion); ok {
		cfg.Scribe.Region = v
		cfg.Storage.Region = v
	}
	if v, ok := get(EnvAudioBucket); ok {
		cfg.Storage.Bucket = v
	}
	if v, ok := get(EnvRoleARN); ok {
		cfg.Scribe.RoleARN = v
	}
	if v, ok := get(EnvOutputBucket); ok {
		cfg.Scribe.OutputBucket = v
	}
	if v, ok := get(EnvPostgresDSN); ok {
		cfg.SessionLog.PostgresDSN = v
	}
}

// ApplyDefaults fills unset fields. Relay tuning is left at zero; the relay
// substitutes its own defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.StreamPath == "" {
		cfg.Server.StreamPath = DefaultStreamPath
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = DefaultMaxMessageBytes
	}

	if cfg.Scribe.Name == "" {
		cfg.Scribe.Name = "healthscribe"
	}
	if cfg.Scribe.Region == "" {
		cfg.Scribe.Region = DefaultRegion
	}
	if cfg.Scribe.LanguageCode == "" {
		cfg.Scribe.LanguageCode = DefaultLanguageCode
	}
	if cfg.Scribe.NoteTemplate == "" {
		cfg.Scribe.NoteTemplate = DefaultNoteTemplate
	}
	for i := range cfg.Scribe.Fallbacks {
		if cfg.Scribe.Fallbacks[i].Region == "" {
			cfg.Scribe.Fallbacks[i].Region = cfg.Scribe.Region
		}
	}

	if cfg.Storage.Name == "" {
		cfg.Storage.Name = "s3"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = DefaultRegion
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = DefaultKeyPrefix
	}
	if fb := cfg.Storage.Fallback; fb != nil && fb.Region == "" {
		fb.Region = cfg.Storage.Region
	}

	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.StreamPath != "" && !strings.HasPrefix(cfg.Server.StreamPath, "/") {
		errs = append(errs, fmt.Errorf("server.stream_path %q must start with /", cfg.Server.StreamPath))
	}
	if cfg.Server.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_message_bytes %d must not be negative", cfg.Server.MaxMessageBytes))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if cfg.Server.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("server.drain_delay %s must not be negative", cfg.Server.DrainDelay))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Relay
	if cfg.Relay.BufferThreshold < 0 {
		errs = append(errs, fmt.Errorf("relay.buffer_threshold %d must be positive", cfg.Relay.BufferThreshold))
	}
	if cfg.Relay.MaxSessionBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.max_session_bytes %d must not be negative", cfg.Relay.MaxSessionBytes))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"poll_interval", cfg.Relay.PollInterval},
		{"settle_delay", cfg.Relay.SettleDelay},
		{"drain_wait", cfg.Relay.DrainWait},
		{"generator_timeout", cfg.Relay.GeneratorTimeout},
		{"relay_grace", cfg.Relay.RelayGrace},
		{"end_marker_timeout", cfg.Relay.EndMarkerTimeout},
		{"upload_timeout", cfg.Relay.UploadTimeout},
		{"write_timeout", cfg.Relay.WriteTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("relay.%s %s must not be negative", d.name, d.d))
		}
	}

	// Observe
	if r := cfg.Observe.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observe.trace_sample_ratio %g must be between 0 and 1", r))
	}

	// Scribe
	errs = append(errs, validateScribe("scribe", cfg.Scribe.ScribeEntry, cfg.Scribe.RoleARN)...)
	for i, fb := range cfg.Scribe.Fallbacks {
		errs = append(errs, validateScribe(fmt.Sprintf("scribe.fallbacks[%d]", i), fb, cfg.Scribe.RoleARN)...)
	}
	if cfg.Scribe.RoleARN != "" && cfg.Scribe.OutputBucket == "" {
		slog.Warn("scribe.output_bucket is empty; no clinical note will be generated after sessions")
	}

	// Storage
	errs = append(errs, validateStorage("storage", cfg.Storage.StorageEntry)...)
	if cfg.Storage.Fallback != nil {
		errs = append(errs, validateStorage("storage.fallback", *cfg.Storage.Fallback)...)
	}

	// Session log
	if cfg.SessionLog.PostgresDSN == "" {
		slog.Warn("sessionlog.postgres_dsn is empty; session history will be kept in memory only")
	}

	return errors.Join(errs...)
}

func validateScribe(prefix string, e ScribeEntry, roleARN string) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		return errs
	}
	validateProviderName("scribe", e.Name)
	switch e.Name {
	case "healthscribe":
		if roleARN == "" {
			errs = append(errs, fmt.Errorf("%s: healthscribe requires scribe.role_arn (or %s)", prefix, EnvRoleARN))
		}
	case "deepgram":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for deepgram", prefix))
		}
	}
	return errs
}

func validateStorage(prefix string, e StorageEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		return errs
	}
	validateProviderName("storage", e.Name)
	switch e.Name {
	case "s3":
		if e.Bucket == "" {
			errs = append(errs, fmt.Errorf("%s.bucket is required for s3 (or %s)", prefix, EnvAudioBucket))
		}
	case "filesystem":
		if e.Dir == "" {
			errs = append(errs, fmt.Errorf("%s.dir is required for filesystem", prefix))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
