package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/asclepius/streamrelay/pkg/storage"
)

func TestPut(t *testing.T) {
	root := filepath.Join(t.TempDir(), "recordings")
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	loc, err := s.Put(context.Background(), "audio-recordings/abc.wav", []byte("RIFF"), "audio/wav")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc.Bucket != "recordings" || loc.Key != "audio-recordings/abc.wav" {
		t.Errorf("location = %+v", loc)
	}

	got, err := os.ReadFile(filepath.Join(root, "audio-recordings", "abc.wav"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "RIFF" {
		t.Errorf("content = %q, want %q", got, "RIFF")
	}

	entries, _ := os.ReadDir(filepath.Join(root, "audio-recordings"))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1 (temp file left behind?)", len(entries))
	}
}

func TestPut_Overwrites(t *testing.T) {
	s, _ := New(t.TempDir())
	ctx := context.Background()
	if _, err := s.Put(ctx, "k.wav", []byte("first"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, "k.wav", []byte("second"), ""); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(filepath.Join(s.root, "k.wav"))
	if string(got) != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}
}

func TestPut_RejectsBadKeys(t *testing.T) {
	s, _ := New(t.TempDir())
	ctx := context.Background()

	if _, err := s.Put(ctx, "", nil, ""); !errors.Is(err, storage.ErrEmptyKey) {
		t.Errorf("empty key err = %v, want ErrEmptyKey", err)
	}
	if _, err := s.Put(ctx, "../escape.wav", nil, ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("traversal err = %v, want ErrInvalidKey", err)
	}
}

func TestPut_CancelledContext(t *testing.T) {
	s, _ := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Put(ctx, "k.wav", nil, ""); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCheck(t *testing.T) {
	root := filepath.Join(t.TempDir(), "r")
	s, _ := New(root)
	if err := s.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	os.RemoveAll(root)
	if err := s.Check(context.Background()); err == nil {
		t.Error("expected error after root removal")
	}
}
