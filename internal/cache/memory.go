package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryCapacity bounds a MemoryStore created with capacity 0.
const DefaultMemoryCapacity = 4096

type memEntry struct {
	payload  []byte
	storedAt time.Time
	ttl      time.Duration
}

// MemoryStore implements Store using a bounded in-process LRU. The least
// recently used entry is evicted once capacity is reached and reported to the
// OnEvict callback.
type MemoryStore struct {
	items *lru.Cache[string, memEntry]
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex // serializes writes so evictions are attributed
	evicted []string
	onEvict func(key string)
}

// NewMemoryStore creates an in-memory store holding at most capacity entries.
func NewMemoryStore(capacity int, opts Options) (*MemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	m := &MemoryStore{
		ttl: opts.TTL,
		now: opts.clock(),
	}
	items, err := lru.NewWithEvict(capacity, m.recordEviction)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	m.items = items
	return m, nil
}

// recordEviction is called by the LRU, on the calling goroutine, for every
// removal. Keys are only collected inside SetTTL, where a removal can only be
// a capacity eviction.
func (m *MemoryStore) recordEviction(key string, _ memEntry) {
	if m.evicted != nil {
		m.evicted = append(m.evicted, key)
	}
}

// OnEvict implements EvictNotifier.
func (m *MemoryStore) OnEvict(fn func(key string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// Get retrieves a payload from the store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := m.items.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if !Fresh(entry.storedAt, m.now(), entry.ttl) {
		m.remove(key)
		return nil, ErrExpired
	}
	return bytes.Clone(entry.payload), nil
}

// Set stores a payload with the default TTL.
func (m *MemoryStore) Set(ctx context.Context, key string, payload []byte) error {
	return m.SetTTL(ctx, key, payload, m.ttl)
}

// SetTTL stores a payload with its own TTL.
func (m *MemoryStore) SetTTL(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.evicted = make([]string, 0, 1)
	m.items.Add(key, memEntry{
		payload:  bytes.Clone(payload),
		storedAt: m.now(),
		ttl:      ttl,
	})
	evicted, notify := m.evicted, m.onEvict
	m.evicted = nil
	m.mu.Unlock()

	if notify != nil {
		for _, k := range evicted {
			notify(k)
		}
	}
	return nil
}

// Delete removes a payload from the store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.remove(key)
	return nil
}

func (m *MemoryStore) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Remove(key)
}

// Clear removes all payloads.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Purge()
	return nil
}

// Len returns the number of entries held, including stale ones.
func (m *MemoryStore) Len() int {
	return m.items.Len()
}

// Cleanup removes stale entries and returns their keys.
func (m *MemoryStore) Cleanup() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var removed []string
	for _, key := range m.items.Keys() {
		entry, ok := m.items.Peek(key)
		if ok && !Fresh(entry.storedAt, now, entry.ttl) {
			m.items.Remove(key)
			removed = append(removed, key)
		}
	}
	return removed
}

var (
	_ TTLStore      = (*MemoryStore)(nil)
	_ EvictNotifier = (*MemoryStore)(nil)
)
