package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultNamespace prefixes keys of key-value backends when none is configured.
const DefaultNamespace = "dbrm"

// scanBatch is the COUNT hint used when clearing a namespace.
const scanBatch = 1000

// ExpiryGrace is added to the native expiry of an entry. Within the grace
// window a stale entry is still read, reported as ErrExpired and removed
// together with its dependency record.
const ExpiryGrace = time.Minute

// RedisStore implements Store on Redis. Entries are JSON envelopes stored at
// "<namespace>:entry:<key>" with a native expiry of their TTL plus
// ExpiryGrace. Freshness is decided with the store clock.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a store on an existing client. The caller owns the
// client and closes it.
func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return &RedisStore{
		client: client,
		prefix: ns + ":entry:",
		ttl:    opts.TTL,
		now:    opts.clock(),
	}
}

// NewRedisClient parses a redis:// URL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisStore) redisKey(key string) string { return r.prefix + key }

// Get retrieves a payload from Redis.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("get cache entry %s: %w", key, err)
	}

	var entry envelope
	if err := json.Unmarshal(data, &entry); err != nil {
		if err := r.client.Unlink(ctx, r.redisKey(key)).Err(); err != nil {
			return nil, fmt.Errorf("remove unreadable entry %s: %w", key, err)
		}
		return nil, ErrCorrupt
	}
	if !Fresh(entry.StoredAt, r.now(), entry.lifetime(r.ttl)) {
		if err := r.client.Unlink(ctx, r.redisKey(key)).Err(); err != nil {
			return nil, fmt.Errorf("remove expired entry %s: %w", key, err)
		}
		return nil, ErrExpired
	}
	return entry.Payload, nil
}

// Set stores a payload with the default TTL.
func (r *RedisStore) Set(ctx context.Context, key string, payload []byte) error {
	return r.write(ctx, key, envelope{Payload: payload, StoredAt: r.now()}, r.ttl)
}

// SetTTL stores a payload with its own TTL.
func (r *RedisStore) SetTTL(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return r.write(ctx, key, envelope{Payload: payload, StoredAt: r.now(), TTL: &ttl}, ttl)
}

func (r *RedisStore) write(ctx context.Context, key string, entry envelope, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	var expiry time.Duration
	if ttl > 0 {
		expiry = ttl + ExpiryGrace
	}
	if err := r.client.Set(ctx, r.redisKey(key), data, expiry).Err(); err != nil {
		return fmt.Errorf("set cache entry %s: %w", key, err)
	}
	return nil
}

// Delete unlinks a payload.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Unlink(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return nil
}

// Clear unlinks every entry of the namespace.
func (r *RedisStore) Clear(ctx context.Context) error {
	return UnlinkPattern(ctx, r.client, r.prefix+"*")
}

// UnlinkPattern removes all keys matching pattern in pipelined batches.
func UnlinkPattern(ctx context.Context, client redis.UniversalClient, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scan keys: %w", err)
		}
		if len(keys) > 0 {
			pipe := client.Pipeline()
			for _, k := range keys {
				pipe.Unlink(ctx, k)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("unlink keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// ScanKeys returns every key matching pattern.
func ScanKeys(ctx context.Context, client redis.UniversalClient, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan keys: %w", err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

var _ TTLStore = (*RedisStore)(nil)
