// Package cli parses the dbrm command line.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/electwix/dbrm/internal/introspect"
	"github.com/electwix/dbrm/internal/query/normalize"
)

// Commands lists the subcommands with a one-line summary each.
var Commands = []struct{ Name, Summary string }{
	{"introspect", "Read the database schema and write its description"},
	{"tables", "Print the tables a statement reads"},
	{"key", "Print the normalized statement and its cache key"},
	{"invalidate", "Drop cached results depending on the given tables"},
	{"reset", "Drop cached results touched by a statement, or everything"},
	{"stats", "Summarize the cache contents"},
	{"prune", "Remove expired entries and orphaned dependency records"},
}

// ErrNoCommand reports a command line without a subcommand.
var ErrNoCommand = errors.New("missing command")

type Options struct {
	ConfigPath string
	// ConfigSet reports whether the path was given explicitly. A default
	// path that does not exist falls back to built-in defaults.
	ConfigSet    bool
	StrictConfig bool
	Verbose      bool
	LogFormat    string
	Command      string
	Args         []string
}

func Parse(args []string) (Options, error) {
	const defaultConfig = "dbrm.toml"

	opts := Options{
		ConfigPath: defaultConfig,
	}

	fs := flag.NewFlagSet("dbrm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "Path to configuration file")
	fs.StringVar(&opts.ConfigPath, "c", opts.ConfigPath, "Path to configuration file")
	fs.BoolVar(&opts.StrictConfig, "strict-config", false, "Treat configuration warnings as errors")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.Verbose, "v", false, "Enable verbose logging")
	fs.StringVar(&opts.LogFormat, "log-format", "text", "Log format: text or json")

	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("%w\n\n%s", err, Usage(fs))
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "c" {
			opts.ConfigSet = true
		}
	})

	rest := fs.Args()
	if len(rest) == 0 {
		return Options{}, fmt.Errorf("%w\n\n%s", ErrNoCommand, Usage(fs))
	}
	opts.Command = rest[0]
	if !slices.ContainsFunc(Commands, func(c struct{ Name, Summary string }) bool { return c.Name == opts.Command }) {
		return Options{}, fmt.Errorf("unknown command %q\n\n%s", opts.Command, Usage(fs))
	}
	opts.Args = rest[1:]
	return opts, nil
}

// Introspect holds the flags of the introspect command.
type Introspect struct {
	Format  introspect.Format
	Out     string
	Schema  string
	Package string
}

func ParseIntrospect(args []string) (Introspect, error) {
	var (
		opts   Introspect
		format string
	)
	fs := flag.NewFlagSet("dbrm introspect", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&format, "format", "yaml", "Output format: yaml or go")
	fs.StringVar(&opts.Out, "out", "", "Output file; stdout when empty. An existing YAML file is merged")
	fs.StringVar(&opts.Schema, "schema", "", "Database schema to read (default main on SQLite, public on PostgreSQL)")
	fs.StringVar(&opts.Package, "package", "schema", "Package name of generated Go source")

	if err := fs.Parse(args); err != nil {
		return Introspect{}, fmt.Errorf("%w\n\n%s", err, Usage(fs))
	}
	if fs.NArg() > 0 {
		return Introspect{}, fmt.Errorf("unexpected arguments: %s\n\n%s", strings.Join(fs.Args(), " "), Usage(fs))
	}
	f, err := introspect.ParseFormat(format)
	if err != nil {
		return Introspect{}, err
	}
	opts.Format = f
	return opts, nil
}

// Key holds the flags of the key command.
type Key struct {
	SQL    string
	Params normalize.Params
}

func ParseKey(args []string) (Key, error) {
	opts := Key{Params: normalize.Params{}}
	fs := flag.NewFlagSet("dbrm key", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.Func("p", "Bind a parameter as name=value (repeatable)", func(s string) error {
		name, value, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return fmt.Errorf("parameter %q is not name=value", s)
		}
		opts.Params[strings.TrimPrefix(name, ":")] = value
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return Key{}, fmt.Errorf("%w\n\n%s", err, Usage(fs))
	}
	opts.SQL = strings.Join(fs.Args(), " ")
	if strings.TrimSpace(opts.SQL) == "" {
		return Key{}, errors.New("key: missing statement")
	}
	return opts, nil
}

func Usage(fs *flag.FlagSet) string {
	if fs == nil {
		return ""
	}
	var buf strings.Builder
	if fs.Name() == "dbrm" {
		buf.WriteString("Usage: dbrm [flags] <command> [args]\n\nCommands:\n")
		for _, c := range Commands {
			fmt.Fprintf(&buf, "  %-11s %s\n", c.Name, c.Summary)
		}
		buf.WriteString("\nFlags:\n")
	} else {
		fmt.Fprintf(&buf, "Usage of %s:\n", fs.Name())
	}
	out := fs.Output()
	fs.SetOutput(&buf)
	fs.PrintDefaults()
	fs.SetOutput(out)
	return buf.String()
}
