package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/electwix/dbrm/internal/config"
	"github.com/electwix/dbrm/internal/executor"
	"github.com/electwix/dbrm/internal/introspect"
	"github.com/electwix/dbrm/internal/schema"
)

// IntrospectOptions configures an introspection run.
type IntrospectOptions struct {
	// Name is the database schema to read. Defaults to "public" on
	// PostgreSQL, the DSN's database on MySQL and "main" on SQLite.
	Name    string
	Format  introspect.Format
	Package string
	// Out is the destination file. Empty writes to Stdout. A YAML
	// destination that already exists is merged with the fresh description.
	Out    string
	Stdout io.Writer
	// Open overrides how the introspector is obtained, mainly for tests.
	Open func(ctx context.Context, driver, dsn string) (introspect.Introspector, func(), error)
}

// Output is the rendered description handed to BeforeWrite.
type Output struct {
	Path string
	Data []byte
}

// Summary describes a finished introspection run.
type Summary struct {
	Schemas []*schema.Schema
	Path    string
	Bytes   int
}

// Introspect reads the configured database and writes its description.
func (p Pipeline) Introspect(ctx context.Context, plan config.Plan, opts IntrospectOptions) (Summary, error) {
	var summary Summary
	logger := p.logger()
	hooks := p.Env.Hooks

	db := plan.Database
	if db.DSN == "" {
		return summary, ErrNoDatabase
	}
	name := opts.Name
	if name == "" {
		switch db.Driver {
		case executor.DriverPostgres:
			name = "public"
		case executor.DriverMySQL:
			dbName, err := introspect.MySQLDatabase(db.DSN)
			if err != nil {
				return summary, err
			}
			if dbName == "" {
				return summary, fmt.Errorf("mysql dsn names no database")
			}
			name = dbName
		default:
			name = "main"
		}
	}

	if err := runHook(ctx, hooks.BeforeIntrospect, name); err != nil {
		return summary, err
	}

	open := opts.Open
	if open == nil {
		open = func(ctx context.Context, driver, dsn string) (introspect.Introspector, func(), error) {
			return introspect.Open(ctx, driver, dsn, logger)
		}
	}
	in, release, err := open(ctx, db.Driver, db.DSN)
	if err != nil {
		return summary, err
	}
	defer release()

	existing := ""
	if opts.Format != introspect.FormatGo && opts.Out != "" {
		if info, err := os.Stat(opts.Out); err == nil && info.Mode().IsRegular() {
			existing = opts.Out
		}
	}
	schemas, err := introspect.Generate(ctx, in, name, existing)
	if err != nil {
		return summary, err
	}
	summary.Schemas = schemas
	if err := runHook(ctx, hooks.AfterIntrospect, schemas); err != nil {
		return summary, err
	}

	var buf bytes.Buffer
	if err := introspect.Emit(&buf, schemas, introspect.EmitOptions{
		Format:  opts.Format,
		Package: opts.Package,
	}); err != nil {
		return summary, fmt.Errorf("render %s: %w", name, err)
	}
	out := Output{Path: opts.Out, Data: buf.Bytes()}
	if err := runHook(ctx, hooks.BeforeWrite, out); err != nil {
		return summary, err
	}

	if out.Path == "" {
		if opts.Stdout != nil {
			if _, err := opts.Stdout.Write(out.Data); err != nil {
				return summary, &WriteError{Path: "<stdout>", Err: err}
			}
		}
	} else {
		writer := p.Env.Writer
		if writer == nil {
			writer = NewOSWriter()
		}
		if err := writer.WriteFile(out.Path, out.Data); err != nil {
			return summary, &WriteError{Path: out.Path, Err: err}
		}
	}
	summary.Path = out.Path
	summary.Bytes = len(out.Data)

	logger.Info("schema introspected",
		"schema", name,
		"format", opts.Format,
		"path", out.Path,
		"bytes", summary.Bytes,
	)
	if err := runHook(ctx, hooks.AfterWrite, summary); err != nil {
		return summary, err
	}
	return summary, nil
}
