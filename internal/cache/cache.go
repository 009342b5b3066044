package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMiss reports that no entry exists for a key.
	ErrMiss = errors.New("cache: miss")
	// ErrExpired reports that the entry existed but was stale. The entry has
	// already been removed by the time the error is returned.
	ErrExpired = errors.New("cache: entry expired")
	// ErrCorrupt reports that the entry existed but could not be decoded. The
	// entry has already been removed by the time the error is returned.
	ErrCorrupt = errors.New("cache: unreadable entry")
)

// Dropped reports whether err means the store removed the entry on its own,
// so whatever was kept alongside it must go too.
func Dropped(err error) bool {
	return errors.Is(err, ErrExpired) || errors.Is(err, ErrCorrupt)
}

// Store is a key to payload map with TTL-based freshness.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, payload []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// TTLStore is a Store that also accepts a per-entry lifetime overriding the
// store default. Every backend in this package implements it.
type TTLStore interface {
	Store
	SetTTL(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// EvictNotifier is implemented by stores that drop entries on their own to
// stay within capacity. fn is called with the key of each evicted entry,
// after the store has released its locks.
type EvictNotifier interface {
	OnEvict(fn func(key string))
}

// Options configures a store.
type Options struct {
	// TTL is the default entry lifetime. Zero means entries never expire.
	TTL time.Duration
	// Namespace separates caches sharing a backend.
	Namespace string
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

// ComputeKey generates a cache key from content using SHA-256.
func ComputeKey(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:16]) // use first 128 bits
}

// ComputeKeyWithPrefix generates a cache key with a prefix.
func ComputeKeyWithPrefix(prefix string, content []byte) string {
	return fmt.Sprintf("%s:%s", prefix, ComputeKey(content))
}

// envelope is the serialized form of an entry for byte-oriented backends.
type envelope struct {
	Payload  []byte         `json:"payload"`
	StoredAt time.Time      `json:"stored_at"`
	TTL      *time.Duration `json:"ttl,omitempty"`
}

// lifetime returns the entry TTL, falling back to the store default.
func (e envelope) lifetime(def time.Duration) time.Duration {
	if e.TTL != nil {
		return *e.TTL
	}
	return def
}

// Fresh reports whether an entry stored at storedAt is still valid at now.
func Fresh(storedAt, now time.Time, ttl time.Duration) bool {
	return ttl <= 0 || now.Sub(storedAt) < ttl
}
