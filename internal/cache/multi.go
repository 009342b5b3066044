package cache

import (
	"context"
	"errors"
	"time"
)

// MultiStore writes through to several stores and reads from the first one
// holding a fresh entry.
type MultiStore struct {
	stores []Store
}

// NewMultiStore combines stores in read-priority order.
func NewMultiStore(stores ...Store) *MultiStore {
	return &MultiStore{stores: stores}
}

// Get returns the first hit. When no store hits, an I/O error takes precedence
// over ErrExpired and ErrCorrupt, which take precedence over ErrMiss.
func (m *MultiStore) Get(ctx context.Context, key string) ([]byte, error) {
	var firstErr, dropped error
	for _, s := range m.stores {
		payload, err := s.Get(ctx, key)
		switch {
		case err == nil:
			return payload, nil
		case Dropped(err):
			if dropped == nil {
				dropped = err
			}
		case errors.Is(err, ErrMiss):
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	switch {
	case firstErr != nil:
		return nil, firstErr
	case dropped != nil:
		return nil, dropped
	default:
		return nil, ErrMiss
	}
}

// OnEvict implements EvictNotifier for the member stores that evict.
func (m *MultiStore) OnEvict(fn func(key string)) {
	for _, s := range m.stores {
		if en, ok := s.(EvictNotifier); ok {
			en.OnEvict(fn)
		}
	}
}

// Set writes to every store and returns the first error.
func (m *MultiStore) Set(ctx context.Context, key string, payload []byte) error {
	return m.each(func(s Store) error { return s.Set(ctx, key, payload) })
}

// SetTTL writes to every store with a per-entry TTL. Stores without TTL
// support fall back to their default.
func (m *MultiStore) SetTTL(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return m.each(func(s Store) error {
		if ts, ok := s.(TTLStore); ok {
			return ts.SetTTL(ctx, key, payload, ttl)
		}
		return s.Set(ctx, key, payload)
	})
}

// Delete removes key from every store and returns the first error.
func (m *MultiStore) Delete(ctx context.Context, key string) error {
	return m.each(func(s Store) error { return s.Delete(ctx, key) })
}

// Clear empties every store and returns the first error.
func (m *MultiStore) Clear(ctx context.Context) error {
	return m.each(func(s Store) error { return s.Clear(ctx) })
}

func (m *MultiStore) each(fn func(Store) error) error {
	var firstErr error
	for _, s := range m.stores {
		if err := fn(s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ TTLStore      = (*MultiStore)(nil)
	_ EvictNotifier = (*MultiStore)(nil)
)
