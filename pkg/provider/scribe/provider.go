// Package scribe defines the Provider interface for streaming clinical
// transcription backends.
//
// A scribe provider wraps a remote transcription service (e.g., AWS
// HealthScribe or Deepgram) behind a bidirectional event stream. Once opened,
// a Stream accepts a fixed framing of outbound events (one configuration
// event, any number of audio events, then one end-of-session event) and emits transcript Segments until the remote side
// finishes.
//
// Implementations must be safe for concurrent use: Send is called from the
// session's generator goroutine while Events is drained by the relay
// goroutine.
package scribe

import "context"

// StreamConfig describes the media format and correlation key for a new
// stream. Values the remote service needs per-request (rather than in the
// configuration event) live here.
type StreamConfig struct {
	// SessionID correlates the stream with the relay session, the session log,
	// and the persisted audio object.
	SessionID string

	// LanguageCode is the BCP-47 language tag for recognition (e.g., "en-US").
	LanguageCode string

	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Encoding is the media encoding name, "pcm" for raw 16-bit samples.
	Encoding string
}

// Stream is an open bidirectional transcription stream. It is an interface so
// that test code can provide mock implementations without a live connection.
//
// Callers must call Close when the stream is no longer needed.
type Stream interface {
	// Send delivers one outbound event. Events must be sent in protocol order;
	// the stream does not reorder or validate framing.
	Send(ctx context.Context, ev Event) error

	// Events returns the channel of transcript segments produced by the remote
	// service. The channel is closed when the remote result stream ends, either
	// naturally after the end-of-session event or because of an error.
	Events() <-chan Segment

	// Err returns the error that terminated the result stream, or nil for a
	// natural end. Only meaningful after Events has been closed.
	Err() error

	// Close releases the stream and its connection. After Close, Events is
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming transcription backend.
//
// Multiple streams may be open simultaneously, one per relay session.
type Provider interface {
	// StartStream opens a new stream. The returned Stream is ready to accept
	// the configuration event immediately.
	//
	// Returns an error if the stream cannot be established (credentials,
	// network, unsupported configuration, or ctx already cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
