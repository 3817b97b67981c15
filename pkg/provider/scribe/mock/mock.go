// Package mock provides test doubles for the scribe package interfaces.
//
// Use Provider to verify that the caller starts streams with the expected
// StreamConfig. Use Stream to inspect the exact outbound event sequence and to
// feed controlled transcript segments back.
//
// Example:
//
//	st := mock.NewStream(8)
//	st.FinishOnEnd = true
//	p := &mock.Provider{Stream: st}
//	s, _ := p.StartStream(ctx, cfg)
//	st.Emit(scribe.Segment{Content: "hello"})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
)

// ErrStreamFinished is returned by Send after the result stream was finished
// or the stream was closed.
var ErrStreamFinished = errors.New("mock: stream finished")

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg scribe.StreamConfig
}

// Provider is a mock implementation of scribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by StartStream. If nil, StartStream returns a new
	// Stream with FinishOnEnd set.
	Stream *Stream

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Stream, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg scribe.StreamConfig) (scribe.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	st := NewStream(16)
	st.FinishOnEnd = true
	return st, nil
}

// Calls returns a copy of the recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

var _ scribe.Provider = (*Provider)(nil)

// Stream is a mock implementation of scribe.Stream. Its result channel is
// owned by the mock: feed it with Emit and end it with Finish.
type Stream struct {
	mu sync.Mutex

	// FinishOnEnd ends the result stream naturally as soon as an
	// end-of-session event is sent, like a real service would after flushing.
	FinishOnEnd bool

	// SendHook, if set, is called for every event before it is recorded. A
	// non-nil return is returned from Send and the event is not recorded.
	SendHook func(ev scribe.Event) error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	sent       []scribe.Event
	closeCalls int

	events   chan scribe.Segment
	err      error
	finished bool
	done     chan struct{}
}

// NewStream returns a Stream whose result channel has the given buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{
		events: make(chan scribe.Segment, buffer),
		done:   make(chan struct{}),
	}
}

// Send records ev. Audio payloads are copied.
func (s *Stream) Send(ctx context.Context, ev scribe.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	hook := s.SendHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ev); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return ErrStreamFinished
	}
	if ev.Audio != nil {
		ev.Audio = append([]byte(nil), ev.Audio...)
	}
	s.sent = append(s.sent, ev)
	finish := s.FinishOnEnd && ev.Kind == scribe.KindEndOfSession
	s.mu.Unlock()

	if finish {
		s.Finish(nil)
	}
	return nil
}

// Events returns the result channel.
func (s *Stream) Events() <-chan scribe.Segment { return s.events }

// Err returns the error passed to Finish.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit delivers seg to the consumer. It blocks until the consumer receives it
// or the stream finishes, and reports whether the segment was delivered.
func (s *Stream) Emit(seg scribe.Segment) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	select {
	case s.events <- seg:
		return true
	case <-s.done:
		return false
	}
}

// Finish ends the result stream with err (nil for a natural end). Only the
// first call has an effect.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.done)
	close(s.events)
}

// Close records the call and finishes the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	closeErr := s.CloseErr
	s.mu.Unlock()
	s.Finish(nil)
	return closeErr
}

// Sent returns a copy of every recorded event in send order. Thread-safe.
func (s *Stream) Sent() []scribe.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scribe.Event(nil), s.sent...)
}

// Kinds returns the kinds of every recorded event in send order.
func (s *Stream) Kinds() []scribe.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]scribe.EventKind, len(s.sent))
	for i, ev := range s.sent {
		kinds[i] = ev.Kind
	}
	return kinds
}

// CloseCallCount returns the number of times Close was called.
func (s *Stream) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Finished reports whether the result stream has ended.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

var _ scribe.Stream = (*Stream)(nil)
