// Package mock provides a recording test double for storage.Store.
package mock

import (
	"context"
	"sync"

	"github.com/asclepius/streamrelay/pkg/storage"
)

// PutCall records a single invocation of Store.Put.
type PutCall struct {
	Key         string
	Body        []byte
	ContentType string
}

// Store is a mock implementation of storage.Store.
type Store struct {
	mu sync.Mutex

	// Bucket is reported in every returned Location. Defaults to "mock".
	Bucket string

	// PutErr, if non-nil, is returned from Put.
	PutErr error

	// CheckErr, if non-nil, is returned from Check.
	CheckErr error

	// PutHook, if set, runs before Put records the call. Tests use it to
	// block an upload in flight.
	PutHook func(ctx context.Context, key string) error

	puts []PutCall
}

// Put records the call. The body is copied.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (storage.Location, error) {
	s.mu.Lock()
	hook := s.PutHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, key); err != nil {
			return storage.Location{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, PutCall{Key: key, Body: append([]byte(nil), body...), ContentType: contentType})
	if s.PutErr != nil {
		return storage.Location{}, s.PutErr
	}
	bucket := s.Bucket
	if bucket == "" {
		bucket = "mock"
	}
	return storage.Location{Bucket: bucket, Key: key}, nil
}

// Check returns CheckErr.
func (s *Store) Check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CheckErr
}

// Puts returns a copy of every recorded Put call. Thread-safe.
func (s *Store) Puts() []PutCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PutCall(nil), s.puts...)
}

var _ storage.Store = (*Store)(nil)
