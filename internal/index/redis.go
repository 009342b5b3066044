package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/electwix/dbrm/internal/cache"
)

const (
	lockExpiry = 10 * time.Second
	lockTries  = 64
)

// RedisIndex stores each record at "<ns>:dep:<key>" and keeps a reverse set
// "<ns>:tbl:<table>" of keys per lower-cased table. Writers hold a redsync
// mutex so concurrent processes cannot interleave a record with its reverse
// entries.
type RedisIndex struct {
	client redis.UniversalClient
	ns     string
	mu     sync.Mutex
	mutex  *redsync.Mutex
}

// NewRedisIndex creates an index on an existing client.
func NewRedisIndex(client redis.UniversalClient, namespace string) *RedisIndex {
	if namespace == "" {
		namespace = cache.DefaultNamespace
	}
	rs := redsync.New(goredis.NewPool(client))
	return &RedisIndex{
		client: client,
		ns:     namespace,
		mutex: rs.NewMutex(namespace+":index-lock",
			redsync.WithExpiry(lockExpiry),
			redsync.WithTries(lockTries),
		),
	}
}

func (r *RedisIndex) depKey(key string) string     { return r.ns + ":dep:" + key }
func (r *RedisIndex) tableKey(table string) string { return r.ns + ":tbl:" + foldTable(table) }

func (r *RedisIndex) withLock(ctx context.Context, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("lock index: %w", err)
	}
	defer func() { _, _ = r.mutex.UnlockContext(ctx) }()
	return fn()
}

func (r *RedisIndex) get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, r.depKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: record %s", ErrCorrupt, key)
	}
	rec.Key = key
	return &rec, nil
}

// Record implements Index.
func (r *RedisIndex) Record(ctx context.Context, rec Record) error {
	rec.Tables = NormalizeTables(rec.Tables)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return r.withLock(ctx, func() error {
		old, err := r.get(ctx, rec.Key)
		if err != nil && !errors.Is(err, ErrCorrupt) {
			return err
		}
		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if old != nil {
				for _, t := range old.Tables {
					pipe.SRem(ctx, r.tableKey(t), rec.Key)
				}
			}
			pipe.Set(ctx, r.depKey(rec.Key), data, 0)
			for _, t := range rec.Tables {
				pipe.SAdd(ctx, r.tableKey(t), rec.Key)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("write record %s: %w", rec.Key, err)
		}
		return nil
	})
}

// TablesFor implements Index.
func (r *RedisIndex) TablesFor(ctx context.Context, key string) ([]string, bool, error) {
	rec, err := r.get(ctx, key)
	if err != nil || rec == nil {
		return nil, false, err
	}
	return rec.Tables, true, nil
}

// KeysReferencing implements Index.
func (r *RedisIndex) KeysReferencing(ctx context.Context, table string) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.tableKey(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("read table set %s: %w", table, err)
	}
	slices.Sort(keys)
	return keys, nil
}

// Remove implements Index.
func (r *RedisIndex) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.withLock(ctx, func() error {
		for _, key := range keys {
			if err := r.remove(ctx, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *RedisIndex) remove(ctx context.Context, key string) error {
	rec, err := r.get(ctx, key)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Unlink(ctx, r.depKey(key))
		if rec != nil {
			for _, t := range rec.Tables {
				pipe.SRem(ctx, r.tableKey(t), key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove record %s: %w", key, err)
	}
	return nil
}

// Rewrite implements Index. The old keys are collected first so that removing
// them and writing the new records happen in one MULTI/EXEC, and concurrent
// readers see either the old index or the new one.
func (r *RedisIndex) Rewrite(ctx context.Context, records []Record) error {
	type encoded struct {
		rec  Record
		data []byte
	}
	batch := make([]encoded, 0, len(records))
	for _, rec := range records {
		rec.Tables = NormalizeTables(rec.Tables)
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		batch = append(batch, encoded{rec: rec, data: data})
	}

	return r.withLock(ctx, func() error {
		var stale []string
		for _, pattern := range []string{r.ns + ":dep:*", r.ns + ":tbl:*"} {
			keys, err := cache.ScanKeys(ctx, r.client, pattern)
			if err != nil {
				return err
			}
			stale = append(stale, keys...)
		}
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, k := range stale {
				pipe.Unlink(ctx, k)
			}
			for _, e := range batch {
				pipe.Set(ctx, r.depKey(e.rec.Key), e.data, 0)
				for _, t := range e.rec.Tables {
					pipe.SAdd(ctx, r.tableKey(t), e.rec.Key)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("rewrite index: %w", err)
		}
		return nil
	})
}

// All implements Index. Undecodable records are skipped.
func (r *RedisIndex) All(ctx context.Context) ([]Record, error) {
	prefix := r.ns + ":dep:"
	var (
		out    []Record
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("scan records: %w", err)
		}
		for _, k := range keys {
			rec, err := r.get(ctx, strings.TrimPrefix(k, prefix))
			if err != nil {
				if errors.Is(err, ErrCorrupt) {
					continue
				}
				return nil, err
			}
			if rec != nil {
				out = append(out, *rec)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// Clear implements Index.
func (r *RedisIndex) Clear(ctx context.Context) error {
	return r.withLock(ctx, func() error { return r.clear(ctx) })
}

func (r *RedisIndex) clear(ctx context.Context) error {
	if err := cache.UnlinkPattern(ctx, r.client, r.ns+":dep:*"); err != nil {
		return err
	}
	return cache.UnlinkPattern(ctx, r.client, r.ns+":tbl:*")
}

var _ Index = (*RedisIndex)(nil)
