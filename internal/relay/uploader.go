package relay

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/asclepius/streamrelay/internal/observe"
	"github.com/asclepius/streamrelay/pkg/audio/wav"
	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	"github.com/asclepius/streamrelay/pkg/storage"
)

// recordingContentType is stored with every uploaded recording.
const recordingContentType = "audio/wav"

// recordingFormat is the fixed capture format of browser audio.
var recordingFormat = wav.Format{
	SampleRate:    scribe.DefaultSampleRate,
	Channels:      scribe.DefaultChannels,
	BitsPerSample: scribe.DefaultBitDepth,
}

// Uploader persists session recordings as WAV objects keyed by session id.
// Uploading the same session again overwrites the same object.
type Uploader struct {
	store   storage.Store
	prefix  string
	metrics *observe.Metrics
}

// NewUploader returns an Uploader writing below prefix. An empty prefix uses
// [DefaultKeyPrefix].
func NewUploader(store storage.Store, prefix string, metrics *observe.Metrics) *Uploader {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Uploader{store: store, prefix: prefix, metrics: metrics}
}

// Key returns the object key of a session's recording.
func (u *Uploader) Key(sessionID string) string {
	return path.Join(u.prefix, sessionID+".wav")
}

// Upload encodes pcm as WAV and stores it.
func (u *Uploader) Upload(ctx context.Context, sessionID string, pcm []byte) (storage.Location, error) {
	body, err := wav.Encode(pcm, recordingFormat)
	if err != nil {
		return storage.Location{}, fmt.Errorf("relay: encode recording: %w", err)
	}

	start := time.Now()
	loc, err := u.store.Put(ctx, u.Key(sessionID), body, recordingContentType)
	status := "ok"
	if err != nil {
		status = "error"
		u.metrics.RecordProviderError(ctx, "storage", "put")
	}
	u.metrics.RecordUpload(ctx, time.Since(start).Seconds(), status)
	if err != nil {
		return storage.Location{}, fmt.Errorf("relay: upload recording: %w", err)
	}
	return loc, nil
}

// Check reports whether the underlying store is reachable.
func (u *Uploader) Check(ctx context.Context) error {
	return u.store.Check(ctx)
}
