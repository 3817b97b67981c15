package sessionlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	"github.com/asclepius/streamrelay/pkg/storage"
)

func TestMemStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemStore()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := m.SessionStarted(ctx, Session{ID: "s1", RemoteAddr: "10.0.0.1:5000", StartedAt: start}); err != nil {
		t.Fatalf("SessionStarted: %v", err)
	}
	for _, c := range []string{"patient denies", "chest pain"} {
		if err := m.SegmentFinalized(ctx, "s1", scribe.Segment{Content: c}); err != nil {
			t.Fatalf("SegmentFinalized: %v", err)
		}
	}
	loc := storage.Location{Bucket: "b", Key: "audio-recordings/s1.wav"}
	end := End{At: start.Add(time.Minute), Reason: "client_end", AudioBytes: 3200, Recording: loc}
	if err := m.SessionEnded(ctx, "s1", end); err != nil {
		t.Fatalf("SessionEnded: %v", err)
	}

	got, err := m.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RemoteAddr != "10.0.0.1:5000" || !got.StartedAt.Equal(start) {
		t.Errorf("start fields = %+v", got)
	}
	if got.Reason != "client_end" || got.AudioBytes != 3200 || got.Recording != loc {
		t.Errorf("end fields = %+v", got)
	}
	if len(got.Segments) != 2 || got.Segments[0].Content != "patient denies" || got.Segments[1].Content != "chest pain" {
		t.Errorf("segments = %+v", got.Segments)
	}

	// The returned copy is detached from the store.
	got.Segments[0].Content = "mutated"
	again, _ := m.Get(ctx, "s1")
	if again.Segments[0].Content != "patient denies" {
		t.Error("Get returned an aliased segment slice")
	}
}

func TestMemStore_Unknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemStore()

	if _, err := m.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := m.SegmentFinalized(ctx, "nope", scribe.Segment{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("SegmentFinalized err = %v, want ErrNotFound", err)
	}
	if err := m.SessionEnded(ctx, "nope", End{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("SessionEnded err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_ConcurrentSegments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemStore()
	_ = m.SessionStarted(ctx, Session{ID: "s"})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.SegmentFinalized(ctx, "s", scribe.Segment{Content: "x"})
		}()
	}
	wg.Wait()

	got, _ := m.Get(ctx, "s")
	if len(got.Segments) != 50 {
		t.Errorf("segments = %d, want 50", len(got.Segments))
	}
}
