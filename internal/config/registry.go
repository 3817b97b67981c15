package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/asclepius/streamrelay/pkg/provider/scribe"
	"github.com/asclepius/streamrelay/pkg/storage"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ScribeFactory builds a transcription provider from its config entry.
type ScribeFactory func(ctx context.Context, entry ScribeEntry) (scribe.Provider, error)

// StorageFactory builds a recording store from its config entry.
type StorageFactory func(ctx context.Context, entry StorageEntry) (storage.Store, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	scribe  map[string]ScribeFactory
	storage map[string]StorageFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		scribe:  make(map[string]ScribeFactory),
		storage: make(map[string]StorageFactory),
	}
}

// RegisterScribe registers a transcription provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterScribe(name string, factory ScribeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scribe[name] = factory
}

// RegisterStorage registers a recording store factory under name.
func (r *Registry) RegisterStorage(name string, factory StorageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storage[name] = factory
}

// CreateScribe instantiates a transcription provider using the factory
// registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateScribe(ctx context.Context, entry ScribeEntry) (scribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.scribe[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scribe/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// CreateStorage instantiates a recording store using the factory registered
// under entry.Name.
func (r *Registry) CreateStorage(ctx context.Context, entry StorageEntry) (storage.Store, error) {
	r.mu.RLock()
	factory, ok := r.storage[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: storage/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// ScribeNames returns the registered transcription provider names, sorted.
func (r *Registry) ScribeNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.scribe))
	for name := range r.scribe {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// StorageNames returns the registered store names, sorted.
func (r *Registry) StorageNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.storage))
	for name := range r.storage {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
