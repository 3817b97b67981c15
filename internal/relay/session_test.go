package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/asclepius/streamrelay/internal/observe"
	"github.com/asclepius/streamrelay/pkg/audio/wav"
	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	scribemock "github.com/asclepius/streamrelay/pkg/provider/scribe/mock"
	"github.com/asclepius/streamrelay/pkg/sessionlog"
	storagemock "github.com/asclepius/streamrelay/pkg/storage/mock"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// fakeConn records every message written to the browser.
type fakeConn struct {
	mu        sync.Mutex
	msgs      [][]byte
	writeErr  error
	closes    int
	closeCode websocket.StatusCode
}

func (c *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.msgs = append(c.msgs, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.closeCode = code
	return nil
}

// decoded returns every written message as a generic JSON object.
func (c *fakeConn) decoded(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.msgs))
	for _, m := range c.msgs {
		var v map[string]any
		if err := json.Unmarshal(m, &v); err != nil {
			t.Fatalf("message %q is not JSON: %v", m, err)
		}
		out = append(out, v)
	}
	return out
}

// types returns the "type" field of every written message that has one.
func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, m := range c.decoded(t) {
		if typ, ok := m["type"].(string); ok {
			out = append(out, typ)
		}
	}
	return out
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.SettleDelay = time.Millisecond
	cfg.DrainWait = 50 * time.Millisecond
	cfg.GeneratorTimeout = 2 * time.Second
	cfg.RelayGrace = 200 * time.Millisecond
	cfg.EndMarkerTimeout = 500 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

type sessionFixture struct {
	sess     *Session
	conn     *fakeConn
	stream   *scribemock.Stream
	store    *storagemock.Store
	history  *sessionlog.MemStore
	registry *Registry
}

func newTestSession(t *testing.T, id string, st *scribemock.Stream, store *storagemock.Store, cfg Config) *sessionFixture {
	t.Helper()
	metrics := testMetrics(t)
	f := &sessionFixture{
		conn:     &fakeConn{},
		stream:   st,
		store:    store,
		history:  sessionlog.NewMemStore(),
		registry: NewRegistry(),
	}
	f.sess = newSession(context.Background(), sessionParams{
		id:         id,
		remoteAddr: "127.0.0.1:1234",
		cfg:        cfg,
		stream:     st,
		browser:    newBrowserSender(f.conn, cfg.WriteTimeout),
		uploader:   NewUploader(store, "", metrics),
		history:    f.history,
		registry:   f.registry,
		metrics:    metrics,
	})
	if err := f.registry.Add(f.sess); err != nil {
		t.Fatalf("registry.Add: %v", err)
	}
	f.sess.start()
	return f
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("session %s did not finish teardown (state %s)", s.ID(), s.State())
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func countKind(kinds []scribe.EventKind, k scribe.EventKind) int {
	n := 0
	for _, got := range kinds {
		if got == k {
			n++
		}
	}
	return n
}

func countType(types []string, typ string) int {
	n := 0
	for _, got := range types {
		if got == typ {
			n++
		}
	}
	return n
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestSession_ClientEndEventSequence(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	st.FinishOnEnd = true
	store := &storagemock.Store{}
	f := newTestSession(t, "sess-seq", st, store, testConfig())

	frags := [][]byte{
		bytes.Repeat([]byte{1}, 100),
		bytes.Repeat([]byte{2}, 100),
		bytes.Repeat([]byte{3}, 100),
	}
	for _, p := range frags {
		if err := f.sess.Ingest(p); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	f.sess.End(ReasonClientEnd)
	waitDone(t, f.sess)

	want := []scribe.EventKind{
		scribe.KindConfiguration,
		scribe.KindAudio, scribe.KindAudio, scribe.KindAudio,
		scribe.KindEndOfSession,
	}
	got := st.Kinds()
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", got, want)
		}
	}

	var forwarded []byte
	for _, ev := range st.Sent() {
		forwarded = append(forwarded, ev.Audio...)
	}
	if wantAudio := bytes.Join(frags, nil); !bytes.Equal(forwarded, wantAudio) {
		t.Error("forwarded audio differs from ingested audio")
	}

	puts := store.Puts()
	if len(puts) != 1 {
		t.Fatalf("puts = %d, want 1", len(puts))
	}
	if puts[0].Key != "audio-recordings/sess-seq.wav" {
		t.Errorf("key = %q", puts[0].Key)
	}
	if puts[0].ContentType != "audio/wav" {
		t.Errorf("content type = %q", puts[0].ContentType)
	}
	if len(puts[0].Body) != wav.HeaderSize+300 {
		t.Errorf("body = %d bytes, want %d", len(puts[0].Body), wav.HeaderSize+300)
	}

	types := f.conn.types(t)
	if len(types) != 2 || types[0] != TypeAudioSaved || types[1] != TypeStreamEnded {
		t.Errorf("browser messages = %v, want [AUDIO_SAVED STREAM_ENDED]", types)
	}
	if f.conn.closes == 0 || f.conn.closeCode != websocket.StatusNormalClosure {
		t.Errorf("browser closes = %d code = %v, want normal closure", f.conn.closes, f.conn.closeCode)
	}

	if f.registry.Len() != 0 {
		t.Errorf("registry len = %d, want 0", f.registry.Len())
	}
	if f.sess.State() != StateClosed {
		t.Errorf("state = %s, want closed", f.sess.State())
	}
	if st.CloseCallCount() != 1 {
		t.Errorf("stream Close calls = %d, want 1", st.CloseCallCount())
	}
	if !f.sess.gen.endAcknowledged.Load() {
		t.Error("expected end marker to be acknowledged")
	}

	res := f.sess.Result()
	if res.Reason != ReasonClientEnd || res.UploadErr != nil {
		t.Errorf("result = %+v", res)
	}
	if res.Location.Key != "audio-recordings/sess-seq.wav" || res.Location.Bucket != "mock" {
		t.Errorf("location = %+v", res.Location)
	}

	rec, err := f.history.Get(context.Background(), "sess-seq")
	if err != nil {
		t.Fatalf("history.Get: %v", err)
	}
	if rec.Reason != string(ReasonClientEnd) || rec.AudioBytes != 300 || rec.EndedAt.IsZero() {
		t.Errorf("history = %+v", rec)
	}
}

func TestSession_ConcurrentEnd(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	st.FinishOnEnd = true
	store := &storagemock.Store{}
	f := newTestSession(t, "sess-concurrent", st, store, testConfig())
	if err := f.sess.Ingest(make([]byte, 64)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	reasons := []Reason{ReasonClientEnd, ReasonDisconnect, ReasonRemoteFailure, ReasonShutdown}
	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sess.End(reasons[i%len(reasons)])
		}()
	}
	wg.Wait()
	waitDone(t, f.sess)

	if got := len(store.Puts()); got != 1 {
		t.Errorf("puts = %d, want 1", got)
	}
	if got := countKind(st.Kinds(), scribe.KindEndOfSession); got != 1 {
		t.Errorf("end markers = %d, want 1", got)
	}
	types := f.conn.types(t)
	if got := countType(types, TypeStreamEnded); got > 1 {
		t.Errorf("STREAM_ENDED sent %d times", got)
	}
	if got := countType(types, TypeAudioSaved); got != 1 {
		t.Errorf("AUDIO_SAVED sent %d times, want 1", got)
	}
}

func TestSession_EmptySessionPersistsHeaderOnly(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	st.FinishOnEnd = true
	store := &storagemock.Store{}
	f := newTestSession(t, "sess-empty", st, store, testConfig())

	f.sess.End(ReasonDisconnect)
	waitDone(t, f.sess)

	puts := store.Puts()
	if len(puts) != 1 {
		t.Fatalf("puts = %d, want 1", len(puts))
	}
	if len(puts[0].Body) != wav.HeaderSize {
		t.Errorf("body = %d bytes, want %d", len(puts[0].Body), wav.HeaderSize)
	}
	if puts[0].Key != "audio-recordings/sess-empty.wav" {
		t.Errorf("key = %q", puts[0].Key)
	}

	kinds := st.Kinds()
	if len(kinds) != 2 || kinds[0] != scribe.KindConfiguration || kinds[1] != scribe.KindEndOfSession {
		t.Errorf("event kinds = %v, want [configuration end_of_session]", kinds)
	}
	if countType(f.conn.types(t), TypeStreamEnded) != 0 {
		t.Error("STREAM_ENDED must only follow a client end")
	}
}

func TestSession_AudioAfterSealRejected(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	st.FinishOnEnd = true
	f := newTestSession(t, "sess-sealed", st, &storagemock.Store{}, testConfig())
	f.sess.End(ReasonClientEnd)
	waitDone(t, f.sess)

	if err := f.sess.Ingest([]byte{1, 2}); !errors.Is(err, ErrIngestSealed) {
		t.Errorf("Ingest after end = %v, want ErrIngestSealed", err)
	}
}

func TestSession_LateSegmentsRecordedButNotForwarded(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	store := &storagemock.Store{}
	uploading := make(chan struct{})
	release := make(chan struct{})
	store.PutHook = func(context.Context, string) error {
		close(uploading)
		<-release
		return nil
	}
	cfg := testConfig()
	cfg.RelayGrace = 50 * time.Millisecond
	f := newTestSession(t, "sess-late", st, store, cfg)

	go f.sess.End(ReasonClientEnd)
	select {
	case <-uploading:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	late := scribe.Segment{SegmentID: "s1", ChannelID: "CHANNEL_0", Content: "late final"}
	if !st.Emit(late) {
		t.Fatal("late segment was not consumed")
	}
	close(release)
	waitDone(t, f.sess)

	for _, m := range f.conn.decoded(t) {
		if _, ok := m["transcription"]; ok {
			t.Errorf("transcript forwarded after close: %v", m)
		}
	}
	rec, err := f.history.Get(context.Background(), "sess-late")
	if err != nil {
		t.Fatalf("history.Get: %v", err)
	}
	if len(rec.Segments) != 1 || rec.Segments[0].Content != "late final" {
		t.Errorf("recorded segments = %+v, want the late final", rec.Segments)
	}
}

func TestSession_ForwardsTranscripts(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	st.FinishOnEnd = true
	f := newTestSession(t, "sess-fwd", st, &storagemock.Store{}, testConfig())

	if !st.Emit(scribe.Segment{ChannelID: "CHANNEL_0", Content: "chest pain", IsPartial: true}) {
		t.Fatal("segment not consumed")
	}
	if !st.Emit(scribe.Segment{ChannelID: "CHANNEL_1", Content: "since monday"}) {
		t.Fatal("segment not consumed")
	}
	eventually(t, "two transcripts", func() bool { return f.conn.count() == 2 })
	f.sess.End(ReasonClientEnd)
	waitDone(t, f.sess)

	msgs := f.conn.decoded(t)
	if len(msgs) < 2 {
		t.Fatalf("messages = %v", msgs)
	}
	if msgs[0]["channel"] != "CHANNEL_0" || msgs[0]["transcription"] != "chest pain" || msgs[0]["isPartial"] != true {
		t.Errorf("first transcript = %v", msgs[0])
	}
	if msgs[1]["channel"] != "CHANNEL_1" || msgs[1]["isPartial"] != false {
		t.Errorf("second transcript = %v", msgs[1])
	}

	rec, err := f.history.Get(context.Background(), "sess-fwd")
	if err != nil {
		t.Fatalf("history.Get: %v", err)
	}
	if len(rec.Segments) != 1 || rec.Segments[0].Content != "since monday" {
		t.Errorf("recorded segments = %+v, want only the final", rec.Segments)
	}
}

func TestSession_RemoteFailure(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	store := &storagemock.Store{}
	f := newTestSession(t, "sess-remote", st, store, testConfig())
	eventually(t, "configuration event", func() bool { return len(st.Kinds()) == 1 })

	st.Finish(errors.New("throttled"))
	waitDone(t, f.sess)

	if got := f.sess.Result().Reason; got != ReasonRemoteFailure {
		t.Errorf("reason = %q, want %q", got, ReasonRemoteFailure)
	}
	var sawError bool
	for _, m := range f.conn.decoded(t) {
		if m["error"] == "Transcription error: throttled" {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("browser messages = %v, want transcription error", f.conn.decoded(t))
	}
	types := f.conn.types(t)
	if countType(types, TypeStreamEnded) != 0 {
		t.Error("STREAM_ENDED must not follow a remote failure")
	}
	if countType(types, TypeAudioSaved) != 1 {
		t.Errorf("AUDIO_SAVED count = %d, want 1", countType(types, TypeAudioSaved))
	}
	if len(store.Puts()) != 1 {
		t.Errorf("puts = %d, want 1", len(store.Puts()))
	}
	if f.sess.gen.endAcknowledged.Load() {
		t.Error("end marker must not be acknowledged by a finished stream")
	}
}

func TestSession_UploadFailureStillTearsDown(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	st.FinishOnEnd = true
	store := &storagemock.Store{PutErr: errors.New("bucket missing")}
	f := newTestSession(t, "sess-upload-fail", st, store, testConfig())

	f.sess.End(ReasonClientEnd)
	waitDone(t, f.sess)

	res := f.sess.Result()
	if res.UploadErr == nil || !errors.Is(res.UploadErr, store.PutErr) {
		t.Errorf("upload err = %v, want wrapped %v", res.UploadErr, store.PutErr)
	}
	types := f.conn.types(t)
	if countType(types, TypeAudioSaved) != 0 {
		t.Error("AUDIO_SAVED sent for a failed upload")
	}
	if countType(types, TypeStreamEnded) != 1 {
		t.Errorf("STREAM_ENDED count = %d, want 1", countType(types, TypeStreamEnded))
	}
	if f.registry.Len() != 0 {
		t.Error("session still registered after teardown")
	}
}

func TestSession_DisconnectedBrowserGetsNoMessages(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	st.FinishOnEnd = true
	f := newTestSession(t, "sess-gone", st, &storagemock.Store{}, testConfig())

	f.sess.browser.markClosed()
	f.sess.End(ReasonDisconnect)
	waitDone(t, f.sess)

	if msgs := f.conn.decoded(t); len(msgs) != 0 {
		t.Errorf("messages written after disconnect: %v", msgs)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateActive, "active"},
		{StateClosing, "closing"},
		{StateDraining, "draining"},
		{StatePersisting, "persisting"},
		{StateClosed, "closed"},
		{State(42), "State(42)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tc.s), got, tc.want)
		}
	}
}

func TestSession_SlowGeneratorStillReportsLocation(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	st.FinishOnEnd = true
	st.SendHook = func(ev scribe.Event) error {
		if ev.Kind == scribe.KindAudio {
			time.Sleep(300 * time.Millisecond)
		}
		return nil
	}
	store := &storagemock.Store{}
	cfg := testConfig()
	cfg.DrainWait = 0
	cfg.GeneratorTimeout = 100 * time.Millisecond
	f := newTestSession(t, "sess-slow", st, store, cfg)

	if err := f.sess.Ingest(make([]byte, 64)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	eventually(t, "audio send in flight", func() bool { return f.sess.ingest.Len() == 0 })
	f.sess.End(ReasonClientEnd)
	waitDone(t, f.sess)

	if got := len(store.Puts()); got != 1 {
		t.Fatalf("puts = %d, want 1", got)
	}
	types := f.conn.types(t)
	if len(types) != 2 || types[0] != TypeAudioSaved || types[1] != TypeStreamEnded {
		t.Errorf("browser messages = %v, want [AUDIO_SAVED STREAM_ENDED]", types)
	}
}

func TestSession_RemoteErrorDuringTeardownIsAbsorbed(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	store := &storagemock.Store{}
	uploading := make(chan struct{})
	release := make(chan struct{})
	store.PutHook = func(context.Context, string) error {
		close(uploading)
		<-release
		return nil
	}
	f := newTestSession(t, "sess-reset", st, store, testConfig())

	go f.sess.End(ReasonClientEnd)
	select {
	case <-uploading:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}
	st.Finish(errors.New("reset"))
	select {
	case <-f.sess.relayDone:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not observe the stream error")
	}
	close(release)
	waitDone(t, f.sess)

	for _, m := range f.conn.decoded(t) {
		if _, ok := m["error"]; ok {
			t.Errorf("error surfaced to browser during teardown: %v", m)
		}
	}
	if got := f.sess.Result().Reason; got != ReasonClientEnd {
		t.Errorf("reason = %q, want %q", got, ReasonClientEnd)
	}
	if got := countType(f.conn.types(t), TypeStreamEnded); got != 1 {
		t.Errorf("STREAM_ENDED count = %d, want 1", got)
	}
}

func TestSession_ClosingWaitsOnlyUntilQueueDrains(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	st.FinishOnEnd = true
	st.SendHook = func(ev scribe.Event) error {
		if ev.Kind == scribe.KindAudio {
			time.Sleep(20 * time.Millisecond)
		}
		return nil
	}
	cfg := testConfig()
	cfg.BufferThreshold = 64
	cfg.DrainWait = 5 * time.Second
	f := newTestSession(t, "sess-drain", st, &storagemock.Store{}, cfg)

	if err := f.sess.Ingest(make([]byte, 5*64)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	start := time.Now()
	f.sess.End(ReasonClientEnd)
	waitDone(t, f.sess)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("teardown took %v; closing should end once the queue drained", elapsed)
	}
	if got := countKind(st.Kinds(), scribe.KindAudio); got != 5 {
		t.Errorf("audio events = %d, want 5", got)
	}
}

func TestSession_CancelledResultStreamEndsSession(t *testing.T) {
	t.Parallel()

	st := scribemock.NewStream(8)
	store := &storagemock.Store{}
	f := newTestSession(t, "sess-cancelled", st, store, testConfig())
	eventually(t, "configuration event", func() bool { return len(st.Kinds()) == 1 })

	st.Finish(context.Canceled)
	waitDone(t, f.sess)

	if got := f.sess.Result().Reason; got != ReasonRemoteFailure {
		t.Errorf("reason = %q, want %q", got, ReasonRemoteFailure)
	}
	var sawError bool
	for _, m := range f.conn.decoded(t) {
		if _, ok := m["error"]; ok {
			sawError = true
		}
	}
	if !sawError {
		t.Error("cancelled result stream was not surfaced to the browser")
	}
	if len(store.Puts()) != 1 {
		t.Errorf("puts = %d, want 1", len(store.Puts()))
	}
}
