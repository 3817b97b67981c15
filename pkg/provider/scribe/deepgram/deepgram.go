// Package deepgram provides a Deepgram-backed scribe provider using the
// Deepgram streaming WebSocket API. It implements the scribe.Provider
// interface.
//
// Deepgram takes the audio format as connection parameters rather than as an
// in-band configuration event, so the configuration event is validated against
// the negotiated format and otherwise not transmitted. The end-of-session
// event maps to Deepgram's CloseStream control message, after which Deepgram
// flushes its remaining results and closes the socket normally.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3-medical"
	defaultLanguage   = "en-US"
	defaultSampleRate = scribe.DefaultSampleRate
)

// closeStreamMessage asks Deepgram to flush pending audio and close.
var closeStreamMessage = []byte(`{"type":"CloseStream"}`)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3-medical").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the provider-level default language.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used by tests and
// self-hosted deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements scribe.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram with the audio format from cfg. The returned
// stream is bound to ctx: cancelling it tears the connection down.
func (p *Provider) StartStream(ctx context.Context, cfg scribe.StreamConfig) (scribe.Stream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	st := &stream{
		conn:       conn,
		sampleRate: sampleRateOrDefault(cfg.SampleRate),
		events:     make(chan scribe.Segment, 64),
		readDone:   make(chan struct{}),
	}
	go st.readLoop(ctx)
	return st, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg scribe.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.LanguageCode
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRateOrDefault(cfg.SampleRate)))
	q.Set("channels", strconv.Itoa(scribe.DefaultChannels))
	if cfg.SessionID != "" {
		q.Set("tag", cfg.SessionID)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sampleRateOrDefault(sr int) int {
	if sr <= 0 {
		return defaultSampleRate
	}
	return sr
}

// ---- stream ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type         string  `json:"type"`
	IsFinal      bool    `json:"is_final"`
	Start        float64 `json:"start"`
	Duration     float64 `json:"duration"`
	ChannelIndex []int   `json:"channel_index"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is a live Deepgram connection. It implements scribe.Stream.
type stream struct {
	conn       *websocket.Conn
	sampleRate int

	events   chan scribe.Segment
	readDone chan struct{}

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
}

// Send writes one event to Deepgram.
func (s *stream) Send(ctx context.Context, ev scribe.Event) error {
	switch ev.Kind {
	case scribe.KindConfiguration:
		if ev.Config == nil {
			return errors.New("deepgram: configuration event without payload")
		}
		if ev.Config.Encoding != scribe.DefaultEncoding || ev.Config.BitDepth != scribe.DefaultBitDepth {
			return fmt.Errorf("deepgram: unsupported audio format %s/%d-bit", ev.Config.Encoding, ev.Config.BitDepth)
		}
		if ev.Config.SampleRate != s.sampleRate {
			return fmt.Errorf("deepgram: sample rate %d does not match negotiated %d", ev.Config.SampleRate, s.sampleRate)
		}
		return nil
	case scribe.KindAudio:
		if err := s.conn.Write(ctx, websocket.MessageBinary, ev.Audio); err != nil {
			return fmt.Errorf("deepgram: write audio: %w", err)
		}
		return nil
	case scribe.KindEndOfSession:
		if err := s.conn.Write(ctx, websocket.MessageText, closeStreamMessage); err != nil {
			return fmt.Errorf("deepgram: write close stream: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("deepgram: unknown event kind %v", ev.Kind)
	}
}

// Events returns the channel of transcript segments.
func (s *stream) Events() <-chan scribe.Segment { return s.events }

// Err returns the error that ended the read loop, nil on a normal closure.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Close terminates the connection and waits for the read loop to exit.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		<-s.readDone
	})
	return nil
}

// readLoop receives JSON messages from Deepgram and forwards them as segments.
func (s *stream) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.mu.Lock()
				s.readErr = fmt.Errorf("deepgram: read: %w", err)
				s.mu.Unlock()
			}
			return
		}

		seg, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		select {
		case s.events <- seg:
		case <-ctx.Done():
			s.mu.Lock()
			s.readErr = ctx.Err()
			s.mu.Unlock()
			return
		}
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Segment.
// Returns (Segment, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (scribe.Segment, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return scribe.Segment{}, false
	}
	if resp.Type != "Results" {
		return scribe.Segment{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return scribe.Segment{}, false
	}

	channel := 0
	if len(resp.ChannelIndex) > 0 {
		channel = resp.ChannelIndex[0]
	}

	alt := resp.Channel.Alternatives[0]
	return scribe.Segment{
		SegmentID:      strconv.FormatFloat(resp.Start, 'f', 3, 64),
		ChannelID:      "ch_" + strconv.Itoa(channel),
		Content:        alt.Transcript,
		IsPartial:      !resp.IsFinal,
		BeginAudioTime: resp.Start,
		EndAudioTime:   resp.Start + resp.Duration,
	}, true
}
