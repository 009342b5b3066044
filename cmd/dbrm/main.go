// Package main implements the dbrm CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/electwix/dbrm/internal/cli"
	"github.com/electwix/dbrm/internal/fileset"
	"github.com/electwix/dbrm/internal/logging"
	"github.com/electwix/dbrm/internal/pipeline"
	"github.com/electwix/dbrm/internal/query/normalize"
	"github.com/electwix/dbrm/internal/query/tables"
	"github.com/electwix/dbrm/internal/querycache"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := cli.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(stdout, err.Error())
			return 0
		}
		_, _ = fmt.Fprintln(stderr, err.Error())
		return 1
	}

	logger := logging.New(logging.Options{
		Verbose: opts.Verbose,
		Format:  opts.LogFormat,
		Writer:  stderr,
	})

	env := pipeline.Environment{
		Logger:     logger,
		FSResolver: fileset.NewOSResolver,
		Writer:     pipeline.NewOSWriter(),
	}
	cmd := command{
		pipe:   pipeline.Pipeline{Env: env},
		opts:   opts,
		stdout: stdout,
	}

	if err := cmd.run(ctx); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(stdout, err.Error())
			return 0
		}
		_, _ = fmt.Fprintln(stderr, err.Error())
		var writeErr *pipeline.WriteError
		if errors.As(err, &writeErr) {
			return 2
		}
		return 1
	}
	return 0
}

type command struct {
	pipe   pipeline.Pipeline
	opts   cli.Options
	stdout io.Writer
}

func (c command) run(ctx context.Context) error {
	switch c.opts.Command {
	case "tables":
		return c.tables()
	case "key":
		return c.key()
	case "introspect":
		return c.introspect(ctx)
	case "invalidate", "reset", "stats", "prune":
		return c.withRuntime(ctx)
	default:
		return fmt.Errorf("unknown command %q", c.opts.Command)
	}
}

func (c command) tables() error {
	sql := strings.Join(c.opts.Args, " ")
	if strings.TrimSpace(sql) == "" {
		return errors.New("tables: missing statement")
	}
	res := tables.ExtractDetailed(sql)
	for _, frag := range res.Ambiguous {
		c.pipe.Env.Logger.Warn("no table name found", "fragment", frag)
	}
	for _, t := range res.Tables {
		_, _ = fmt.Fprintln(c.stdout, t)
	}
	return nil
}

func (c command) key() error {
	opts, err := cli.ParseKey(c.opts.Args)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout, normalize.SQL(normalize.Inline(opts.SQL, opts.Params)))
	_, _ = fmt.Fprintln(c.stdout, querycache.Key(opts.SQL, opts.Params))
	return nil
}

func (c command) loadOptions() pipeline.LoadOptions {
	return pipeline.LoadOptions{
		ConfigPath: c.opts.ConfigPath,
		Strict:     c.opts.StrictConfig,
		Optional:   !c.opts.ConfigSet,
	}
}

func (c command) introspect(ctx context.Context) error {
	opts, err := cli.ParseIntrospect(c.opts.Args)
	if err != nil {
		return err
	}
	res, err := c.pipe.Load(c.loadOptions())
	if err != nil {
		return err
	}
	_, err = c.pipe.Introspect(ctx, res.Plan, pipeline.IntrospectOptions{
		Name:    opts.Schema,
		Format:  opts.Format,
		Package: opts.Package,
		Out:     opts.Out,
		Stdout:  c.stdout,
	})
	return err
}

func (c command) withRuntime(ctx context.Context) (err error) {
	res, err := c.pipe.Load(c.loadOptions())
	if err != nil {
		return err
	}
	rt, err := c.pipe.Open(ctx, res.Plan, pipeline.OpenOptions{})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.Close())
	}()

	switch c.opts.Command {
	case "invalidate":
		if len(c.opts.Args) == 0 {
			return errors.New("invalidate: missing table names")
		}
		var errs []error
		for _, table := range c.opts.Args {
			if err := rt.Cache.InvalidateTable(ctx, table); err != nil {
				errs = append(errs, fmt.Errorf("invalidate %s: %w", table, err))
				continue
			}
			_, _ = fmt.Fprintf(c.stdout, "invalidated %s\n", table)
		}
		return errors.Join(errs...)
	case "reset":
		sql := strings.Join(c.opts.Args, " ")
		if err := rt.Cache.Reset(ctx, sql); err != nil {
			return err
		}
		if strings.TrimSpace(sql) == "" {
			_, _ = fmt.Fprintln(c.stdout, "cache cleared")
		} else {
			_, _ = fmt.Fprintln(c.stdout, "reset", querycache.Key(sql, nil))
		}
		return nil
	case "stats":
		st, err := rt.Stats(ctx)
		if err != nil {
			return err
		}
		if !rt.Cache.Enabled() {
			_, _ = fmt.Fprintln(c.stdout, "cache: disabled")
			return nil
		}
		_, _ = fmt.Fprintf(c.stdout, "backend: %s\nentries: %d\nexpired: %d\nsize:    %d\nrecords: %d\n",
			st.Backend, st.Entries, st.Expired, st.Size, st.Records)
		return nil
	case "prune":
		pr, err := rt.Prune(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.stdout, "removed %d entries, %d records\n", pr.Entries, pr.Records)
		return nil
	}
	return nil
}
