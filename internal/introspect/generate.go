package introspect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/electwix/dbrm/internal/executor"
	"github.com/electwix/dbrm/internal/schema"
)

// Open connects to dsn and returns the introspector matching driver along
// with the function releasing its connection.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (Introspector, func(), error) {
	switch driver {
	case executor.DriverSQLite:
		ex, err := executor.Open(ctx, driver, dsn, logger)
		if err != nil {
			return nil, nil, err
		}
		return NewSQLite(ex), func() { _ = ex.Close() }, nil
	case executor.DriverMySQL:
		ex, err := executor.Open(ctx, driver, dsn, logger)
		if err != nil {
			return nil, nil, err
		}
		return NewMySQL(ex), func() { _ = ex.Close() }, nil
	case executor.DriverPostgres:
		pool, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgres(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("introspect: unsupported driver %q", driver)
	}
}

// Generate introspects the schema called name and merges it into the
// descriptions already stored at existing, replacing a previous run for the
// same schema. A missing existing file is not an error.
func Generate(ctx context.Context, in Introspector, name, existing string) ([]*schema.Schema, error) {
	fresh, err := in.Introspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", name, err)
	}
	var prev []*schema.Schema
	if existing != "" {
		prev, err = schema.Load(existing)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return schema.Upsert(prev, fresh), nil
}
