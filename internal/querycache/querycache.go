// Package querycache caches query results by normalized SQL and invalidates
// them by table.
//
// Every stored result has a dependency record listing the tables its
// statement reads, found by the table extractor and expanded through view
// definitions. A write to a table invalidates every result whose record names
// it. The cache is advisory: store failures degrade to misses and are logged.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/electwix/dbrm/internal/cache"
	"github.com/electwix/dbrm/internal/index"
	"github.com/electwix/dbrm/internal/logging"
	"github.com/electwix/dbrm/internal/query/hint"
	"github.com/electwix/dbrm/internal/query/normalize"
	"github.com/electwix/dbrm/internal/query/tables"
)

// Options configures a Cache.
type Options struct {
	Store cache.Store
	Index index.Index
	// Views maps a view name to the tables (or views) it reads.
	Views  map[string][]string
	Logger *slog.Logger
}

// Cache is the query result cache. A nil or Nop cache never hits.
type Cache struct {
	store  cache.Store
	index  index.Index
	views  map[string][]string
	logger *slog.Logger
}

// New creates a cache over a store and a dependency index.
func New(opts Options) *Cache {
	views := make(map[string][]string, len(opts.Views))
	for name, under := range opts.Views {
		views[strings.ToLower(name)] = under
	}
	c := &Cache{
		store:  opts.Store,
		index:  opts.Index,
		views:  views,
		logger: logging.OrNop(opts.Logger).With("component", "querycache"),
	}
	if en, ok := opts.Store.(cache.EvictNotifier); ok {
		en.OnEvict(c.evicted)
	}
	return c
}

// evicted drops what is left of an entry the store evicted on its own.
func (c *Cache) evicted(key string) {
	ctx := context.Background()
	c.logger.DebugContext(ctx, "entry evicted", "key", key)
	c.forget(ctx, key)
}

// Nop returns a cache that stores nothing and always misses.
func Nop() *Cache { return nil }

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool { return c != nil }

// Store returns the underlying result store.
func (c *Cache) Store() cache.Store {
	if c == nil {
		return nil
	}
	return c.store
}

// Index returns the underlying dependency index.
func (c *Cache) Index() index.Index {
	if c == nil {
		return nil
	}
	return c.index
}

// Key derives the cache key of a statement and its parameters.
func Key(sql string, params normalize.Params) string {
	if len(params) == 0 {
		return normalize.Key(sql)
	}
	return normalize.KeyWithParams(sql, params)
}

// Get returns the cached rows of sql.
func (c *Cache) Get(ctx context.Context, sql string) (Rows, bool) {
	if c == nil {
		return nil, false
	}
	rows, err := c.get(ctx, normalize.Key(sql))
	return rows, err == nil
}

// Set caches rows as the result of sql and records the tables it reads.
func (c *Cache) Set(ctx context.Context, sql string, rows Rows) error {
	if c == nil {
		return nil
	}
	return c.set(ctx, normalize.Key(sql), sql, rows)
}

// GetOrCompute returns the cached rows of sql bound to params, or runs
// compute and caches its result. A failure to cache is logged and the
// computed rows are still returned.
func (c *Cache) GetOrCompute(ctx context.Context, sql string, params normalize.Params, compute func(context.Context) (Rows, error)) (Rows, error) {
	if c == nil || hint.Parse(sql).NoCache {
		return compute(ctx)
	}
	key := Key(sql, params)
	if rows, err := c.get(ctx, key); err == nil {
		return rows, nil
	}
	rows, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.set(ctx, key, normalize.Inline(sql, params), rows); err != nil {
		c.logger.WarnContext(ctx, "store result", "key", key, "err", err)
	}
	return rows, nil
}

// get reads and decodes one entry. A dropped or undecodable entry takes its
// record with it.
func (c *Cache) get(ctx context.Context, key string) (Rows, error) {
	payload, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrMiss):
		return nil, err
	case cache.Dropped(err):
		c.logger.DebugContext(ctx, "entry dropped", "key", key, "reason", err)
		if err := c.index.Remove(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "drop record", "key", key, "err", err)
		}
		return nil, err
	default:
		c.logger.WarnContext(ctx, "read entry", "key", key, "err", err)
		return nil, err
	}

	rows, err := decodeRows(payload)
	if err != nil {
		c.logger.WarnContext(ctx, "undecodable entry", "key", key, "err", err)
		c.forget(ctx, key)
		return nil, err
	}
	c.logger.DebugContext(ctx, "cache hit", "key", key)
	return rows, nil
}

func (c *Cache) set(ctx context.Context, key, sql string, rows Rows) error {
	h := hint.Parse(sql)
	if h.NoCache {
		return nil
	}
	payload, err := encodeRows(rows)
	if err != nil {
		return err
	}

	deps := c.dependencies(ctx, sql, h)

	if ts, ok := c.store.(cache.TTLStore); ok && h.HasTTL {
		err = ts.SetTTL(ctx, key, payload, h.TTL)
	} else {
		err = c.store.Set(ctx, key, payload)
	}
	if err != nil {
		return fmt.Errorf("store entry %s: %w", key, err)
	}

	rec := index.Record{Key: key, SQL: normalize.SQL(sql), Tables: deps}
	if err := c.index.Record(ctx, rec); err != nil {
		// An entry without a record could never be invalidated.
		if derr := c.store.Delete(ctx, key); derr != nil {
			c.logger.ErrorContext(ctx, "roll back entry", "key", key, "err", derr)
		}
		return fmt.Errorf("record dependencies of %s: %w", key, err)
	}
	c.logger.DebugContext(ctx, "cached result", "key", key, "tables", deps)
	return nil
}

// dependencies returns the tables a statement reads, expanded through views.
func (c *Cache) dependencies(ctx context.Context, sql string, h hint.Hint) []string {
	res := tables.ExtractDetailed(sql)
	for _, frag := range res.Ambiguous {
		c.logger.WarnContext(ctx, "ambiguous table reference", "fragment", frag, "sql", normalize.SQL(sql))
	}
	return index.NormalizeTables(c.expand(append(res.Tables, h.Tables...)))
}

// expand adds the underlying tables of every view in names, transitively.
func (c *Cache) expand(names []string) []string {
	var (
		out   []string
		seen  = make(map[string]struct{})
		queue = append([]string(nil), names...)
	)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		fold := strings.ToLower(name)
		if _, ok := seen[fold]; ok {
			continue
		}
		seen[fold] = struct{}{}
		out = append(out, name)
		queue = append(queue, c.views[fold]...)
	}
	return out
}

// InvalidateTable removes every cached result that depends on table. If table
// is a view, results depending on the tables under it are removed as well.
// A record is only dropped once its entry is gone.
func (c *Cache) InvalidateTable(ctx context.Context, table string) error {
	if c == nil {
		return nil
	}
	var keys []string
	seen := make(map[string]struct{})
	for _, t := range c.expand([]string{table}) {
		refs, err := c.index.KeysReferencing(ctx, t)
		if err != nil {
			if errors.Is(err, index.ErrCorrupt) {
				c.logger.WarnContext(ctx, "dependency index unreadable", "err", err)
				continue
			}
			return fmt.Errorf("resolve keys of %s: %w", t, err)
		}
		for _, k := range refs {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		return nil
	}

	var (
		deleted []string
		partial *PartialInvalidationError
	)
	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			if partial == nil {
				partial = &PartialInvalidationError{Table: table}
			}
			partial.Failed = append(partial.Failed, k)
			partial.Errs = append(partial.Errs, err)
			continue
		}
		deleted = append(deleted, k)
	}
	if err := c.index.Remove(ctx, deleted...); err != nil {
		return fmt.Errorf("remove records of %s: %w", table, err)
	}
	c.logger.DebugContext(ctx, "invalidated table", "table", table, "keys", len(deleted))
	if partial != nil {
		return partial
	}
	return nil
}

// Reset invalidates every table sql reads or writes, and the result of sql
// itself. An empty sql clears the whole cache.
func (c *Cache) Reset(ctx context.Context, sql string) error {
	if c == nil {
		return nil
	}
	if strings.TrimSpace(sql) == "" {
		return c.InvalidateAll(ctx)
	}

	targets := append(tables.Extract(sql), tables.ExtractWrites(sql)...)
	targets = append(targets, hint.Parse(sql).Tables...)

	var errs []error
	for _, t := range index.NormalizeTables(targets) {
		if err := c.InvalidateTable(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.drop(ctx, normalize.Key(sql)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// InvalidateAll empties the store and the index.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if err := c.store.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear store: %w", err))
	}
	if err := c.index.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear index: %w", err))
	}
	return errors.Join(errs...)
}

// Forget drops the records of keys whose entries are already gone, such as
// those removed by a store cleanup.
func (c *Cache) Forget(ctx context.Context, keys ...string) error {
	if c == nil || len(keys) == 0 {
		return nil
	}
	return c.index.Remove(ctx, keys...)
}

// drop deletes one entry and then its record.
func (c *Cache) drop(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete entry %s: %w", key, err)
	}
	if err := c.index.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove record %s: %w", key, err)
	}
	return nil
}

func (c *Cache) forget(ctx context.Context, key string) {
	if err := c.drop(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "drop entry", "key", key, "err", err)
	}
}
