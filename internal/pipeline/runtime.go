package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/electwix/dbrm/internal/cache"
	"github.com/electwix/dbrm/internal/config"
	"github.com/electwix/dbrm/internal/executor"
	"github.com/electwix/dbrm/internal/index"
	"github.com/electwix/dbrm/internal/querycache"
	"github.com/electwix/dbrm/internal/record"
	"github.com/electwix/dbrm/internal/schema"
	"github.com/electwix/dbrm/internal/view"
)

var (
	// ErrNoDatabase reports that a database was required but none is configured.
	ErrNoDatabase = errors.New("pipeline: no database dsn configured")
	// ErrUnknownBackend reports a cache backend name Open cannot build.
	ErrUnknownBackend = errors.New("pipeline: unknown cache backend")
)

// OpenOptions selects the components Open builds.
type OpenOptions struct {
	// Database connects the executor and builds the view and record layers
	// on top of it.
	Database bool
	// DegradeCache continues without a cache when the backend cannot be
	// opened, instead of failing.
	DegradeCache bool
}

// Runtime holds the components built from a plan.
type Runtime struct {
	Plan   config.Plan
	Schema *schema.Schema
	// Cache is nil when caching is disabled, which is a valid no-op cache.
	Cache   *querycache.Cache
	Store   cache.Store
	Index   index.Index
	Exec    *executor.Executor
	View    *view.View
	Records *record.Factory

	files   *cache.FileStore
	memory  *cache.MemoryStore
	closers []func() error
}

// Open builds a runtime. The caller must Close it.
func (p Pipeline) Open(ctx context.Context, plan config.Plan, opts OpenOptions) (*Runtime, error) {
	logger := p.logger()
	rt := &Runtime{Plan: plan}
	success := false
	defer func() {
		if !success {
			_ = rt.Close()
		}
	}()

	schemas, err := schema.LoadAll(plan.Schemas)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	rt.Schema = schema.Merge(schemas...)

	if plan.Cache.Enabled {
		if err := p.openCache(ctx, rt); err != nil {
			if !opts.DegradeCache || errors.Is(err, ErrUnknownBackend) {
				return nil, err
			}
			logger.Warn("cache unavailable, continuing without it",
				"backend", plan.Cache.Backend,
				"err", err,
			)
			rt.Store, rt.Index, rt.files, rt.memory = nil, nil, nil, nil
		}
	}
	if rt.Store != nil {
		rt.Cache = querycache.New(querycache.Options{
			Store:  rt.Store,
			Index:  rt.Index,
			Views:  rt.Schema.ViewAliases(),
			Logger: logger,
		})
	}

	if opts.Database {
		if plan.Database.DSN == "" {
			return nil, ErrNoDatabase
		}
		exec, err := executor.Open(ctx, plan.Database.Driver, plan.Database.DSN, logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, exec.Close)
		exec.SetSlowQueryThreshold(plan.Database.SlowQuery)
		rt.Exec = exec
		rt.View = view.New(exec, view.Options{
			Cache:  rt.Cache,
			Schema: rt.Schema,
			Logger: logger,
		})
		rt.Records = record.NewFactory(rt.View)
	}

	logger.Debug("runtime ready",
		"cache", rt.Cache.Enabled(),
		"backend", plan.Cache.Backend,
		"database", rt.Exec != nil,
		"tables", len(rt.Schema.Tables)+len(rt.Schema.Relations),
		"views", len(rt.Schema.Views),
	)
	success = true
	return rt, nil
}

func (p Pipeline) openCache(ctx context.Context, rt *Runtime) error {
	plan := rt.Plan.Cache
	opts := cache.Options{TTL: plan.TTL, Namespace: rt.Plan.Namespace}

	switch plan.Backend {
	case config.BackendFile:
		files, err := cache.NewFileStore(plan.Dir, opts)
		if err != nil {
			return err
		}
		rt.files, rt.Store = files, files
	case config.BackendMemory:
		mem, err := cache.NewMemoryStore(plan.MemoryCapacity, opts)
		if err != nil {
			return err
		}
		rt.memory, rt.Store = mem, mem
	case config.BackendRedis:
		client, err := p.redisClient(ctx, rt)
		if err != nil {
			return err
		}
		rt.Store = cache.NewRedisStore(client, opts)
		rt.Index = index.NewRedisIndex(client, rt.Plan.Namespace)
		return nil
	case config.BackendAll:
		files, err := cache.NewFileStore(plan.Dir, opts)
		if err != nil {
			return err
		}
		client, err := p.redisClient(ctx, rt)
		if err != nil {
			return err
		}
		rt.files = files
		rt.Store = cache.NewMultiStore(files, cache.NewRedisStore(client, opts))
		rt.Index = index.NewRedisIndex(client, rt.Plan.Namespace)
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownBackend, plan.Backend)
	}

	idx, err := index.NewFileIndex(plan.Index)
	if err != nil {
		return err
	}
	rt.Index = idx
	return nil
}

func (p Pipeline) redisClient(ctx context.Context, rt *Runtime) (redis.UniversalClient, error) {
	if p.Env.Redis != nil {
		return p.Env.Redis, nil
	}
	client, err := cache.NewRedisClient(ctx, rt.Plan.RedisURL)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, client.Close)
	return client, nil
}

// Close releases connections in reverse order of creation.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Stats summarizes what the cache holds.
type Stats struct {
	Backend config.Backend
	// Entries counts stored results. Backends that cannot be enumerated
	// report the number of dependency records instead.
	Entries int
	// Expired and Size are only known for on-disk entries.
	Expired int
	Size    int64
	Records int
}

// Stats inspects the store and the index.
func (rt *Runtime) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: rt.Plan.Cache.Backend}
	if !rt.Cache.Enabled() {
		return st, nil
	}
	records, err := rt.Index.All(ctx)
	if err != nil {
		return st, err
	}
	st.Records = len(records)
	switch {
	case rt.files != nil:
		fs := rt.files.Stats()
		st.Entries, st.Expired, st.Size = fs.Total, fs.Expired, fs.Size
	case rt.memory != nil:
		st.Entries = rt.memory.Len()
	default:
		st.Entries = st.Records
	}
	return st, nil
}

// PruneResult counts what Prune removed.
type PruneResult struct {
	Entries int
	Records int
}

// Prune deletes expired entries and then drops every dependency record
// whose entry no longer exists.
func (rt *Runtime) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	if !rt.Cache.Enabled() {
		return res, nil
	}

	switch {
	case rt.files != nil:
		removed, err := rt.files.Cleanup()
		if err != nil {
			return res, err
		}
		res.Entries = len(removed)
	case rt.memory != nil:
		res.Entries = len(rt.memory.Cleanup())
	}

	records, err := rt.Index.All(ctx)
	if err != nil {
		return res, err
	}
	var orphans []string
	for _, rec := range records {
		_, err := rt.Store.Get(ctx, rec.Key)
		switch {
		case err == nil:
		case errors.Is(err, cache.ErrMiss), cache.Dropped(err):
			orphans = append(orphans, rec.Key)
		default:
			return res, fmt.Errorf("read entry %s: %w", rec.Key, err)
		}
	}
	if err := rt.Cache.Forget(ctx, orphans...); err != nil {
		return res, err
	}
	res.Records = len(orphans)
	return res, nil
}
