// Package storage defines the object store used to persist finished
// session recordings.
//
// Implementations must be safe for concurrent use: every session uploads its
// recording from its own teardown goroutine.
package storage

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyKey is returned by Put when the object key is empty.
var ErrEmptyKey = errors.New("storage: empty object key")

// Location identifies a stored object. It is reported to the browser in the
// AUDIO_SAVED message.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Store persists whole objects.
type Store interface {
	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key string, body []byte, contentType string) (Location, error)

	// Check verifies the store is reachable. It backs the readiness probe.
	Check(ctx context.Context) error
}

// ValidateKey returns ErrEmptyKey for blank keys and strips a leading slash.
func ValidateKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrEmptyKey
	}
	return key, nil
}
