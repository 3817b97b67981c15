// Package healthscribe provides an AWS HealthScribe-backed scribe provider
// using the StartMedicalScribeStream bidirectional event stream of Amazon
// Transcribe Streaming. It implements the scribe.Provider interface.
//
// Every call to StartStream opens its own HTTP/2 event stream; the
// underlying service client is only a connection factory and holds no
// per-session state.
package healthscribe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
)

const defaultRegion = "us-east-1"

// API is the subset of the Transcribe Streaming client used by the provider.
// *transcribestreaming.Client satisfies it.
type API interface {
	StartMedicalScribeStream(ctx context.Context, params *transcribestreaming.StartMedicalScribeStreamInput, optFns ...func(*transcribestreaming.Options)) (*transcribestreaming.StartMedicalScribeStreamOutput, error)
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithRegion sets the AWS region. Ignored when WithClient is used.
func WithRegion(region string) Option {
	return func(p *Provider) {
		p.region = region
	}
}

// WithClient injects a preconfigured API client.
func WithClient(c API) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// Provider implements scribe.Provider backed by AWS HealthScribe.
type Provider struct {
	region string
	client API
}

// New creates a Provider. When no client is injected, credentials and region
// are resolved through the default AWS provider chain.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{region: defaultRegion}
	for _, o := range opts {
		o(p)
	}
	if p.client != nil {
		return p, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("healthscribe: load aws config: %w", err)
	}
	p.client = transcribestreaming.NewFromConfig(cfg)
	return p, nil
}

// StartStream opens a HealthScribe stream keyed by cfg.SessionID.
func (p *Provider) StartStream(ctx context.Context, cfg scribe.StreamConfig) (scribe.Stream, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("healthscribe: session id must not be empty")
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = scribe.DefaultSampleRate
	}
	lang := cfg.LanguageCode
	if lang == "" {
		lang = scribe.DefaultLanguageCode
	}
	// The relay forwards raw 16-bit PCM only.
	if cfg.Encoding != "" && cfg.Encoding != scribe.DefaultEncoding {
		return nil, fmt.Errorf("healthscribe: unsupported media encoding %q", cfg.Encoding)
	}

	out, err := p.client.StartMedicalScribeStream(ctx, &transcribestreaming.StartMedicalScribeStreamInput{
		SessionId:            aws.String(cfg.SessionID),
		LanguageCode:         types.MedicalScribeLanguageCode(lang),
		MediaSampleRateHertz: aws.Int32(int32(sampleRate)),
		MediaEncoding:        types.MedicalScribeMediaEncodingPcm,
	})
	if err != nil {
		return nil, fmt.Errorf("healthscribe: start stream: %w", err)
	}

	es := out.GetStream()
	st := &stream{
		es:     es,
		events: make(chan scribe.Segment, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go st.readLoop()
	return st, nil
}

// eventStream is the subset of *transcribestreaming.StartMedicalScribeStreamEventStream
// used by stream.
type eventStream interface {
	Send(ctx context.Context, event types.MedicalScribeInputStream) error
	Events() <-chan types.MedicalScribeResultStream
	Close() error
	Err() error
}

// stream adapts one HealthScribe event stream to scribe.Stream.
type stream struct {
	es     eventStream
	events chan scribe.Segment
	stop   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Send converts ev into its HealthScribe input event and writes it.
func (s *stream) Send(ctx context.Context, ev scribe.Event) error {
	in, err := toInputEvent(ev)
	if err != nil {
		return err
	}
	if err := s.es.Send(ctx, in); err != nil {
		return fmt.Errorf("healthscribe: send %s: %w", ev.Kind, err)
	}
	return nil
}

// Events returns the channel of transcript segments.
func (s *stream) Events() <-chan scribe.Segment { return s.events }

// Err returns the terminal error of the underlying event stream.
func (s *stream) Err() error {
	if err := s.es.Err(); err != nil {
		return fmt.Errorf("healthscribe: result stream: %w", err)
	}
	return nil
}

// Close closes the event stream and waits for the read loop to exit.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.closeErr = s.es.Close()
		<-s.done
	})
	return s.closeErr
}

// readLoop forwards transcript events; other result event types (clinical
// note status, etc.) are not relayed.
func (s *stream) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for ev := range s.es.Events() {
		te, ok := ev.(*types.MedicalScribeResultStreamMemberTranscriptEvent)
		if !ok {
			continue
		}
		seg, ok := toSegment(te.Value.TranscriptSegment)
		if !ok {
			continue
		}
		select {
		case s.events <- seg:
		case <-s.stop:
			return
		}
	}
}

// toInputEvent maps a framing event onto the HealthScribe input union.
func toInputEvent(ev scribe.Event) (types.MedicalScribeInputStream, error) {
	switch ev.Kind {
	case scribe.KindConfiguration:
		if ev.Config == nil {
			return nil, errors.New("healthscribe: configuration event without payload")
		}
		c := ev.Config
		cfg := types.MedicalScribeConfigurationEvent{
			ResourceAccessRoleArn: aws.String(c.AccessRoleARN),
		}
		if c.OutputBucket != "" {
			cfg.PostStreamAnalyticsSettings = &types.MedicalScribePostStreamAnalyticsSettings{
				ClinicalNoteGenerationSettings: &types.ClinicalNoteGenerationSettings{
					OutputBucketName: aws.String(c.OutputBucket),
					NoteTemplate:     types.MedicalScribeNoteTemplate(c.NoteTemplate),
				},
			}
		}
		return &types.MedicalScribeInputStreamMemberConfigurationEvent{Value: cfg}, nil
	case scribe.KindAudio:
		return &types.MedicalScribeInputStreamMemberAudioEvent{
			Value: types.MedicalScribeAudioEvent{AudioChunk: ev.Audio},
		}, nil
	case scribe.KindEndOfSession:
		return &types.MedicalScribeInputStreamMemberSessionControlEvent{
			Value: types.MedicalScribeSessionControlEvent{
				Type: types.MedicalScribeSessionControlEventTypeEndOfSession,
			},
		}, nil
	default:
		return nil, fmt.Errorf("healthscribe: unknown event kind %v", ev.Kind)
	}
}

// toSegment normalises a HealthScribe transcript segment.
func toSegment(ts *types.MedicalScribeTranscriptSegment) (scribe.Segment, bool) {
	if ts == nil {
		return scribe.Segment{}, false
	}
	return scribe.Segment{
		SegmentID:      aws.ToString(ts.SegmentId),
		ChannelID:      aws.ToString(ts.ChannelId),
		Content:        aws.ToString(ts.Content),
		IsPartial:      ts.IsPartial,
		BeginAudioTime: ts.BeginAudioTime,
		EndAudioTime:   ts.EndAudioTime,
	}, true
}
