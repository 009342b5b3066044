// Package cache stores query result payloads by key.
//
// A Store holds opaque byte payloads together with the time they were
// written. An entry is fresh while ttl == 0 or now-stored_at < ttl; a Get that
// finds a stale entry deletes it and reports ErrExpired, and one that finds an
// undecodable entry deletes it and reports ErrCorrupt, so callers can drop any
// bookkeeping attached to the key. Stores that evict on their own implement
// EvictNotifier.
//
// Backends:
//
//   - FileStore keeps one JSON envelope per key under a two-level directory
//     fan-out and replaces files atomically.
//   - MemoryStore keeps entries in a bounded LRU and reports evictions.
//   - RedisStore keeps entries in Redis with native expiry, past the TTL,
//     as a backstop.
//   - MultiStore fans writes out to several stores.
//
// Usage:
//
//	s, err := cache.NewFileStore(".dbrm/cache", cache.Options{TTL: time.Minute})
//	if err != nil { ... }
//	if err := s.Set(ctx, key, payload); err != nil { ... }
//	payload, err := s.Get(ctx, key)
//	switch {
//	case errors.Is(err, cache.ErrMiss), cache.Dropped(err):
//	    // recompute
//	}
package cache
