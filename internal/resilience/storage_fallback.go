package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/asclepius/streamrelay/pkg/storage"
)

// StorageFallback implements [storage.Store] by writing to the first healthy
// store in registration order. It is typically used to land recordings on
// local disk when the object store is unreachable.
type StorageFallback struct {
	group *FallbackGroup[storage.Store]
}

var _ storage.Store = (*StorageFallback)(nil)

// NewStorageFallback creates a [StorageFallback] with primary as the preferred store.
func NewStorageFallback(primary storage.Store, primaryName string, cfg FallbackConfig) *StorageFallback {
	return &StorageFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional store.
func (f *StorageFallback) AddFallback(name string, store storage.Store) {
	f.group.AddFallback(name, store)
}

// Put writes body to the first store that accepts it. The returned location
// names the store that actually holds the object.
func (f *StorageFallback) Put(ctx context.Context, key string, body []byte, contentType string) (storage.Location, error) {
	return Do(ctx, f.group, func(ctx context.Context, s storage.Store) (storage.Location, error) {
		return s.Put(ctx, key, body, contentType)
	})
}

// Check passes when at least one store is reachable. Breaker state is not
// consulted: a reachable store with an open circuit recovers on its own.
func (f *StorageFallback) Check(ctx context.Context) error {
	var errs []error
	for _, m := range f.group.snapshot() {
		err := m.value.Check(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
