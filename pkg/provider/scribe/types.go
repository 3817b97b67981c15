package scribe

import "fmt"

// Fixed audio format carried by every configuration event. Browsers capture
// with an AudioWorklet that emits 16 kHz mono signed 16-bit little-endian PCM.
const (
	DefaultEncoding     = "pcm"
	DefaultSampleRate   = 16000
	DefaultBitDepth     = 16
	DefaultChannels     = 1
	DefaultEndianness   = "little"
	DefaultLanguageCode = "en-US"
	DefaultNoteTemplate = "HISTORY_AND_PHYSICAL"
)

// EventKind identifies which of the three outbound framings an [Event] carries.
type EventKind int

const (
	// KindConfiguration is the first event of every stream.
	KindConfiguration EventKind = iota + 1

	// KindAudio carries one fragment of raw PCM.
	KindAudio

	// KindEndOfSession tells the remote service no more audio will arrive.
	KindEndOfSession
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAudio:
		return "audio"
	case KindEndOfSession:
		return "end_of_session"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// SessionConfig is the payload of the configuration event.
type SessionConfig struct {
	Encoding   string
	SampleRate int
	BitDepth   int
	Channels   int
	Endianness string

	// AccessRoleARN is the role the remote service assumes to write its
	// post-stream analytics output.
	AccessRoleARN string

	// OutputBucket receives the generated clinical note.
	OutputBucket string

	// NoteTemplate selects the clinical note layout (e.g., "HISTORY_AND_PHYSICAL").
	NoteTemplate string
}

// DefaultSessionConfig returns the fixed PCM format with the given
// post-processing settings. An empty noteTemplate selects [DefaultNoteTemplate].
func DefaultSessionConfig(roleARN, outputBucket, noteTemplate string) SessionConfig {
	if noteTemplate == "" {
		noteTemplate = DefaultNoteTemplate
	}
	return SessionConfig{
		Encoding:      DefaultEncoding,
		SampleRate:    DefaultSampleRate,
		BitDepth:      DefaultBitDepth,
		Channels:      DefaultChannels,
		Endianness:    DefaultEndianness,
		AccessRoleARN: roleARN,
		OutputBucket:  outputBucket,
		NoteTemplate:  noteTemplate,
	}
}

// Event is one outbound stream event. Exactly one of Config or Audio is set,
// according to Kind; an end-of-session event carries neither.
type Event struct {
	Kind   EventKind
	Config *SessionConfig
	Audio  []byte
}

// ConfigurationEvent returns the event that opens every stream.
func ConfigurationEvent(cfg SessionConfig) Event {
	return Event{Kind: KindConfiguration, Config: &cfg}
}

// AudioEvent wraps one PCM fragment.
func AudioEvent(chunk []byte) Event {
	return Event{Kind: KindAudio, Audio: chunk}
}

// EndOfSessionEvent returns the terminal control event.
func EndOfSessionEvent() Event {
	return Event{Kind: KindEndOfSession}
}

// Segment is one transcript result from the remote service. Partial segments
// for the same position are superseded by later ones; finals are appended.
type Segment struct {
	// SegmentID identifies the transcript position. Partials and the final for
	// the same position share it when the provider reports one.
	SegmentID string

	// ChannelID identifies the audio channel (speaker lane) of the segment.
	ChannelID string

	// Content is the transcribed text.
	Content string

	// IsPartial is true for interim results.
	IsPartial bool

	// BeginAudioTime and EndAudioTime are offsets in seconds from stream start.
	BeginAudioTime float64
	EndAudioTime   float64
}
