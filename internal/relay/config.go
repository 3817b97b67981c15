package relay

import (
	"time"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
)

// Default session tuning.
const (
	DefaultPollInterval     = 20 * time.Millisecond
	DefaultSettleDelay      = 100 * time.Millisecond
	DefaultDrainWait        = 100 * time.Millisecond
	DefaultGeneratorTimeout = 5 * time.Second
	DefaultRelayGrace       = 3 * time.Second
	DefaultEndMarkerTimeout = 2 * time.Second
	DefaultUploadTimeout    = 30 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxMessageBytes  = 65536
	DefaultKeyPrefix        = "audio-recordings"
)

// Config tunes new sessions. A running session keeps the Config it was
// created with.
type Config struct {
	// BufferThreshold is the largest audio piece sent in one event.
	BufferThreshold int

	// PollInterval bounds how long an idle generator sleeps before
	// re-checking the queue.
	PollInterval time.Duration

	// SettleDelay is the pause before the end-of-session marker that lets
	// last-moment audio land.
	SettleDelay time.Duration

	// DrainWait bounds how long closing waits for queued audio to be sent.
	DrainWait time.Duration

	// GeneratorTimeout bounds how long teardown waits for the end marker.
	GeneratorTimeout time.Duration

	// RelayGrace bounds how long teardown lets the transcript relay observe
	// the remote end before the stream is closed.
	RelayGrace time.Duration

	// EndMarkerTimeout bounds the end marker sent on the failure path.
	EndMarkerTimeout time.Duration

	// UploadTimeout bounds the recording upload.
	UploadTimeout time.Duration

	// WriteTimeout bounds each message written to the browser.
	WriteTimeout time.Duration

	// MaxSessionBytes caps the audio accepted per session. 0 means unlimited.
	MaxSessionBytes int64

	// MaxMessageBytes is the largest inbound WebSocket message accepted.
	MaxMessageBytes int64

	// OriginPatterns lists additional browser origins allowed to connect.
	OriginPatterns []string

	// LanguageCode is passed to the transcription service.
	LanguageCode string

	// Session is sent as the configuration event of every stream.
	Session scribe.SessionConfig
}

// DefaultConfig returns the default tuning with an empty post-processing
// configuration.
func DefaultConfig() Config {
	return Config{
		BufferThreshold:  DefaultBufferThreshold,
		PollInterval:     DefaultPollInterval,
		SettleDelay:      DefaultSettleDelay,
		DrainWait:        DefaultDrainWait,
		GeneratorTimeout: DefaultGeneratorTimeout,
		RelayGrace:       DefaultRelayGrace,
		EndMarkerTimeout: DefaultEndMarkerTimeout,
		UploadTimeout:    DefaultUploadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		MaxMessageBytes:  DefaultMaxMessageBytes,
		LanguageCode:     scribe.DefaultLanguageCode,
		Session:          scribe.DefaultSessionConfig("", "", ""),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferThreshold <= 0 {
		c.BufferThreshold = d.BufferThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.DrainWait < 0 {
		c.DrainWait = 0
	}
	if c.GeneratorTimeout <= 0 {
		c.GeneratorTimeout = d.GeneratorTimeout
	}
	if c.RelayGrace < 0 {
		c.RelayGrace = 0
	}
	if c.EndMarkerTimeout <= 0 {
		c.EndMarkerTimeout = d.EndMarkerTimeout
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = d.UploadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.LanguageCode == "" {
		c.LanguageCode = d.LanguageCode
	}
	if c.Session.Encoding == "" {
		c.Session = scribe.DefaultSessionConfig(c.Session.AccessRoleARN, c.Session.OutputBucket, c.Session.NoteTemplate)
	}
	return c
}
