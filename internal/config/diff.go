package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported in detail; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RelayChanged is true if session tuning, the message size limit, or the
	// allowed origins changed. New values apply to sessions accepted after
	// the reload.
	RelayChanged bool

	// RestartRequired names the changed settings that only take effect after
	// a restart (e.g., "server.listen_addr", "scribe").
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Relay tuning
	if old.Relay != new.Relay ||
		old.Server.MaxMessageBytes != new.Server.MaxMessageBytes ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RelayChanged = true
	}

	// Settings bound at startup.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.StreamPath != new.Server.StreamPath {
		d.RestartRequired = append(d.RestartRequired, "server.stream_path")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !scribeEqual(old.Scribe, new.Scribe) {
		d.RestartRequired = append(d.RestartRequired, "scribe")
	}
	if !storageEqual(old.Storage, new.Storage) {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.SessionLog != new.SessionLog {
		d.RestartRequired = append(d.RestartRequired, "sessionlog")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func scribeEqual(a, b ScribeConfig) bool {
	if a.RoleARN != b.RoleARN || a.OutputBucket != b.OutputBucket ||
		a.NoteTemplate != b.NoteTemplate || a.LanguageCode != b.LanguageCode {
		return false
	}
	if !scribeEntryEqual(a.ScribeEntry, b.ScribeEntry) {
		return false
	}
	return slices.EqualFunc(a.Fallbacks, b.Fallbacks, scribeEntryEqual)
}

// scribeEntryEqual ignores Options, which are provider-specific and only read
// at construction.
func scribeEntryEqual(a, b ScribeEntry) bool {
	return a.Name == b.Name && a.Region == b.Region && a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL && a.Model == b.Model
}

func storageEqual(a, b StorageConfig) bool {
	if a.StorageEntry != b.StorageEntry || a.Prefix != b.Prefix {
		return false
	}
	if a.Fallback == nil || b.Fallback == nil {
		return a.Fallback == b.Fallback
	}
	return *a.Fallback == *b.Fallback
}
