package relay

import (
	"errors"
	"sync"
)

// DefaultBufferThreshold is the largest audio piece forwarded in one event.
const DefaultBufferThreshold = 8192

var (
	// ErrIngestSealed is returned by ingestBuffer.Add once the end-of-session
	// marker has been committed. Audio arriving later is neither forwarded nor
	// persisted.
	ErrIngestSealed = errors.New("relay: ingest buffer sealed")

	// ErrSessionTooLarge is returned when a fragment would exceed the
	// configured per-session audio limit.
	ErrSessionTooLarge = errors.New("relay: session audio limit reached")
)

// ingestBuffer holds one session's pending audio pieces and the raw
// accumulation that is persisted at teardown.
//
// The read loop is the only writer. The generator pops pieces concurrently,
// and the uploader reads the accumulation once teardown has sealed the buffer.
type ingestBuffer struct {
	threshold int
	maxBytes  int64

	mu     sync.Mutex
	queue  [][]byte
	raw    []byte
	sealed bool

	// ready holds at most one pending wake-up for the generator.
	ready chan struct{}
	// drained holds at most one pending signal that Next emptied the queue.
	drained chan struct{}
}

func newIngestBuffer(threshold int, maxBytes int64) *ingestBuffer {
	if threshold <= 0 {
		threshold = DefaultBufferThreshold
	}
	return &ingestBuffer{
		threshold: threshold,
		maxBytes:  maxBytes,
		ready:     make(chan struct{}, 1),
		drained:   make(chan struct{}, 1),
	}
}

// Add appends p to the raw accumulation and enqueues it in pieces of at most
// threshold bytes. Empty fragments are ignored.
func (b *ingestBuffer) Add(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return ErrIngestSealed
	}
	if b.maxBytes > 0 && int64(len(b.raw)+len(p)) > b.maxBytes {
		b.mu.Unlock()
		return ErrSessionTooLarge
	}
	own := append([]byte(nil), p...)
	b.raw = append(b.raw, own...)
	b.queue = append(b.queue, splitFragment(own, b.threshold)...)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return nil
}

// Next pops the oldest queued piece.
func (b *ingestBuffer) Next() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	p := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		select {
		case b.drained <- struct{}{}:
		default:
		}
	}
	return p, true
}

// Len returns the number of queued pieces.
func (b *ingestBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Ready signals that at least one piece was enqueued since the last receive.
func (b *ingestBuffer) Ready() <-chan struct{} {
	return b.ready
}

// Drained signals that Next popped the last queued piece. A signal may be
// stale; callers re-check Len.
func (b *ingestBuffer) Drained() <-chan struct{} {
	return b.drained
}

// Seal stops accepting audio and returns the pieces still queued. It is the
// last queue-empty check before the end-of-session marker.
func (b *ingestBuffer) Seal() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	rest := b.queue
	b.queue = nil
	return rest
}

// Sealed reports whether Seal was called.
func (b *ingestBuffer) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// Snapshot returns a copy of every byte accepted so far.
func (b *ingestBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.raw...)
}

// Size returns the number of bytes accepted so far.
func (b *ingestBuffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.raw))
}

// splitFragment cuts p into consecutive pieces of at most threshold bytes.
// The pieces share p's backing array.
func splitFragment(p []byte, threshold int) [][]byte {
	if len(p) <= threshold {
		return [][]byte{p}
	}
	pieces := make([][]byte, 0, (len(p)+threshold-1)/threshold)
	for off := 0; off < len(p); off += threshold {
		end := min(off+threshold, len(p))
		pieces = append(pieces, p[off:end:end])
	}
	return pieces
}
