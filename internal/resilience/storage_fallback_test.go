package resilience

import (
	"context"
	"errors"
	"testing"

	storagemock "github.com/asclepius/streamrelay/pkg/storage/mock"
)

func TestStorageFallback_Put_Failover(t *testing.T) {
	primary := &storagemock.Store{Bucket: "s3", PutErr: errors.New("throttled")}
	secondary := &storagemock.Store{Bucket: "local"}

	fb := NewStorageFallback(primary, "s3", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	loc, err := fb.Put(context.Background(), "audio-recordings/x.wav", []byte("RIFF"), "audio/wav")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc.Bucket != "local" || loc.Key != "audio-recordings/x.wav" {
		t.Errorf("location = %+v, want local bucket", loc)
	}
	if got := len(secondary.Puts()); got != 1 {
		t.Errorf("secondary puts = %d, want 1", got)
	}
}

func TestStorageFallback_Put_AllFail(t *testing.T) {
	primary := &storagemock.Store{PutErr: errors.New("a")}
	secondary := &storagemock.Store{PutErr: errors.New("b")}

	fb := NewStorageFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	if _, err := fb.Put(context.Background(), "k", nil, ""); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
}

func TestStorageFallback_Check(t *testing.T) {
	primary := &storagemock.Store{CheckErr: errors.New("no bucket")}
	secondary := &storagemock.Store{}

	fb := NewStorageFallback(primary, "primary", FallbackConfig{})
	if err := fb.Check(context.Background()); !errors.Is(err, primary.CheckErr) {
		t.Errorf("Check with only a failing store = %v, want wrapped %v", err, primary.CheckErr)
	}

	fb.AddFallback("secondary", secondary)
	if err := fb.Check(context.Background()); err != nil {
		t.Errorf("Check with a healthy fallback = %v, want nil", err)
	}
}
