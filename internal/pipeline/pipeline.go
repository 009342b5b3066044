// Package pipeline turns a configuration file into running cache, database
// and schema components, and drives the schema introspection workflow.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/electwix/dbrm/internal/config"
	"github.com/electwix/dbrm/internal/fileset"
	"github.com/electwix/dbrm/internal/logging"
)

// DefaultConfig is the configuration file looked up when none is given.
const DefaultConfig = "dbrm.toml"

// Environment captures external dependencies used by the pipeline.
type Environment struct {
	FSResolver func(string) (fileset.Resolver, error)
	Logger     *slog.Logger
	Writer     Writer
	// Redis replaces the client dialed from the configured URL. The pipeline
	// never closes it.
	Redis redis.UniversalClient
	Hooks Hooks
}

// Writer writes generated files to persistent storage.
type Writer interface {
	WriteFile(path string, data []byte) error
}

// Pipeline builds runtimes and runs introspection for one environment.
type Pipeline struct {
	Env Environment
}

// LoadOptions locates and validates the configuration.
type LoadOptions struct {
	ConfigPath string
	Strict     bool
	// Optional falls back to the defaults rooted at the directory of
	// ConfigPath when the file does not exist.
	Optional bool
}

// WriteError wraps failures encountered while writing generated files.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func (p Pipeline) logger() *slog.Logger {
	return logging.OrNop(p.Env.Logger)
}

// Load reads the configuration and logs its warnings.
func (p Pipeline) Load(opts LoadOptions) (config.Result, error) {
	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfig
	}
	logger := p.logger()

	if _, err := os.Stat(path); err != nil {
		if opts.Optional && errors.Is(err, fs.ErrNotExist) {
			logger.Debug("configuration not found, using defaults", "path", path)
			return config.Result{Plan: config.Default(filepath.Dir(path))}, nil
		}
		return config.Result{}, fmt.Errorf("config: %w", err)
	}

	loadOpts := config.LoadOptions{Strict: opts.Strict}
	if p.Env.FSResolver != nil {
		resolver, err := p.Env.FSResolver(filepath.Dir(path))
		if err != nil {
			return config.Result{}, fmt.Errorf("config: %w", err)
		}
		loadOpts.Resolver = &resolver
	}

	res, err := config.Load(path, loadOpts)
	if err != nil {
		return res, err
	}
	for _, w := range res.Warnings {
		logger.Warn(w)
	}
	logger.Debug("configuration loaded",
		"path", path,
		"backend", res.Plan.Cache.Backend,
		"schemas", len(res.Plan.Schemas),
	)
	return res, nil
}

// NewOSWriter returns a Writer that performs atomic writes on the local filesystem.
func NewOSWriter() Writer {
	return &osWriter{perm: 0o644}
}

type osWriter struct {
	perm fs.FileMode
}

func (w *osWriter) WriteFile(path string, data []byte) error {
	if path == "" {
		return errors.New("pipeline: empty path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".dbrm-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpName)
		}
		_ = tmp.Close()
	}()
	if w.perm != 0 {
		if err := tmp.Chmod(w.perm); err != nil {
			return fmt.Errorf("chmod temp file: %w", err)
		}
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}
