// Package view runs application queries through the result cache.
//
// SELECT statements are answered from the cache when possible; every other
// statement goes straight to the database and invalidates the tables it
// writes. Inside a transaction the cache is bypassed and invalidation is
// deferred until commit.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/electwix/dbrm/internal/executor"
	"github.com/electwix/dbrm/internal/logging"
	"github.com/electwix/dbrm/internal/query/hint"
	"github.com/electwix/dbrm/internal/query/normalize"
	"github.com/electwix/dbrm/internal/query/tables"
	"github.com/electwix/dbrm/internal/querycache"
	"github.com/electwix/dbrm/internal/schema"
)

var (
	// ErrNoRows is returned by FetchOne when the query matched nothing.
	ErrNoRows = errors.New("view: no rows")
	// ErrColumns is returned by FetchOne when a row has more than one column.
	ErrColumns = errors.New("view: query must select exactly one column")
	// ErrNoTransactions is returned when the executor cannot run transactions.
	ErrNoTransactions = errors.New("view: executor does not support transactions")
	// ErrStale wraps invalidation failures after a successful write. The
	// statement took effect but cached results may still be served.
	ErrStale = errors.New("view: cached results may be stale")
)

// Executor runs statements against the database.
type Executor interface {
	Query(ctx context.Context, sql string, params normalize.Params) (querycache.Rows, error)
	Exec(ctx context.Context, sql string, params normalize.Params) (executor.Result, error)
	LastInsertID(ctx context.Context, sequence string) (int64, error)
}

// Transactor is implemented by executors that hold a transaction.
type Transactor interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
}

// Query is one statement with its named parameters.
type Query struct {
	SQL    string
	Params normalize.Params
	// NoCache bypasses the cache for this call only.
	NoCache bool
}

// View executes queries for one schema.
type View struct {
	exec   Executor
	cache  *querycache.Cache
	schema *schema.Schema
	logger *slog.Logger

	mu      sync.Mutex
	inTx    bool
	pending []string
}

// Options configures New. Cache and Schema may be nil.
type Options struct {
	Cache  *querycache.Cache
	Schema *schema.Schema
	Logger *slog.Logger
}

// New returns a View running its statements on exec.
func New(exec Executor, opts Options) *View {
	return &View{
		exec:   exec,
		cache:  opts.Cache,
		schema: opts.Schema,
		logger: logging.OrNop(opts.Logger).With("component", "view"),
	}
}

// Cache returns the result cache, possibly the disabled one.
func (v *View) Cache() *querycache.Cache { return v.cache }

// Schema returns the schema description the view was built with.
func (v *View) Schema() *schema.Schema { return v.schema }

// Executor returns the underlying executor.
func (v *View) Executor() Executor { return v.exec }

func (v *View) cacheable(q Query) bool {
	if q.NoCache || !v.cache.Enabled() || !normalize.IsSelect(q.SQL) {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.inTx
}

// Fetch returns every row produced by q.
func (v *View) Fetch(ctx context.Context, q Query) (querycache.Rows, error) {
	run := func(ctx context.Context) (querycache.Rows, error) {
		rows, err := v.exec.Query(ctx, q.SQL, q.Params)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		return rows, nil
	}
	if !v.cacheable(q) {
		return run(ctx)
	}
	return v.cache.GetOrCompute(ctx, q.SQL, q.Params, run)
}

// FetchLine returns the first row of q, or nil when there is none.
func (v *View) FetchLine(ctx context.Context, q Query) (map[string]any, error) {
	rows, err := v.Fetch(ctx, q)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// FetchOne returns the single column of the first row of q.
func (v *View) FetchOne(ctx context.Context, q Query) (any, error) {
	row, err := v.FetchLine(ctx, q)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNoRows
	}
	if len(row) != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrColumns, len(row))
	}
	for _, val := range row {
		return val, nil
	}
	return nil, nil
}

// Execute runs a statement that does not return rows and invalidates the
// cached results of every table it writes, including tables named by an
// @cache tables= hint.
func (v *View) Execute(ctx context.Context, q Query) (executor.Result, error) {
	res, err := v.exec.Exec(ctx, q.SQL, q.Params)
	if err != nil {
		return res, fmt.Errorf("execute: %w", err)
	}
	written := append(tables.ExtractWrites(q.SQL), hint.Parse(q.SQL).Tables...)
	return res, v.Invalidate(ctx, written...)
}

// Invalidate drops the cached results depending on the given tables. Inside
// a transaction the tables are remembered until Transaction commits.
// Failures are reported wrapped in ErrStale.
func (v *View) Invalidate(ctx context.Context, names ...string) error {
	if len(names) == 0 || !v.cache.Enabled() {
		return nil
	}
	v.mu.Lock()
	if v.inTx {
		v.pending = append(v.pending, names...)
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()
	return v.invalidate(ctx, names)
}

func (v *View) invalidate(ctx context.Context, names []string) error {
	var errs []error
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		lower := strings.ToLower(name)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		if err := v.cache.InvalidateTable(ctx, name); err != nil {
			v.logger.WarnContext(ctx, "invalidate", "table", name, "err", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStale, errors.Join(errs...))
}

// LastInsertID returns the id generated by the last insert on this session.
func (v *View) LastInsertID(ctx context.Context, sequence string) (int64, error) {
	return v.exec.LastInsertID(ctx, sequence)
}

// Transaction runs fn inside a database transaction. It commits when fn
// returns nil and rolls back otherwise. Tables written during fn are
// invalidated once the commit succeeds.
func (v *View) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, ok := v.exec.(Transactor)
	if !ok {
		return ErrNoTransactions
	}
	if err := tx.Begin(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	v.inTx, v.pending = true, nil
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		pending := v.pending
		v.inTx, v.pending = false, nil
		v.mu.Unlock()

		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("commit: %w", err)
			return
		}
		err = v.invalidate(ctx, pending)
	}()
	return fn(ctx)
}

// Choices describes the admissible values of a column.
type Choices struct {
	Values  []string
	Default *string
}

// EnumValues returns the values allowed in an ENUM column and its default.
// For other columns only the default is reported. ok is false when the
// column is unknown, or is neither an ENUM nor has a default.
func (v *View) EnumValues(table, column string) (Choices, bool) {
	t, found := v.schema.Lookup(table)
	if !found {
		return Choices{}, false
	}
	f, found := t.Field(column)
	if !found {
		return Choices{}, false
	}
	if f.Type == schema.TypeEnum {
		return Choices{Values: f.Enum, Default: f.Default}, true
	}
	if f.Default != nil {
		return Choices{Default: f.Default}, true
	}
	return Choices{}, false
}
