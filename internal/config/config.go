// Package config loads and validates the dbrm configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/electwix/dbrm/internal/fileset"
)

// Backend selects where cached results are stored.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	// BackendAll writes to the file and Redis backends and reads from the
	// first that holds the entry.
	BackendAll Backend = "all"
)

var validBackends = []Backend{BackendFile, BackendMemory, BackendRedis, BackendAll}

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

// Defaults applied when a key is absent.
const (
	DefaultTTL            = time.Hour
	DefaultCacheDir       = ".dbrm/cache"
	DefaultIndexFile      = ".dbrm/index.json"
	DefaultMemoryCapacity = 4096
	DefaultRedisURL       = "redis://localhost:6379/0"
)

// CacheConfig mirrors the [cache] table.
type CacheConfig struct {
	Enabled        *bool   `toml:"enabled"`
	Backend        Backend `toml:"backend"`
	TTL            string  `toml:"ttl"`
	Dir            string  `toml:"dir"`
	Index          string  `toml:"index"`
	MemoryCapacity int     `toml:"memory_capacity"`
}

// RedisConfig mirrors the [redis] table.
type RedisConfig struct {
	URL string `toml:"url"`
}

// DatabaseConfig mirrors the [database] table.
type DatabaseConfig struct {
	Driver    string `toml:"driver"`
	DSN       string `toml:"dsn"`
	SlowQuery string `toml:"slow_query"`
}

// Config mirrors the dbrm TOML file.
type Config struct {
	Namespace string         `toml:"namespace"`
	Schemas   []string       `toml:"schemas"`
	Cache     CacheConfig    `toml:"cache"`
	Redis     RedisConfig    `toml:"redis"`
	Database  DatabaseConfig `toml:"database"`
}

// CachePlan is the resolved cache configuration. Paths are absolute.
type CachePlan struct {
	Enabled        bool
	Backend        Backend
	TTL            time.Duration
	Dir            string
	Index          string
	MemoryCapacity int
}

// DatabasePlan is the resolved database configuration.
type DatabasePlan struct {
	Driver    string
	DSN       string
	SlowQuery time.Duration
}

// Plan is the fully resolved configuration.
type Plan struct {
	Namespace string
	// Schemas lists the schema description files, sorted.
	Schemas  []string
	Cache    CachePlan
	RedisURL string
	Database DatabasePlan
}

// LoadOptions tunes config loading behavior.
type LoadOptions struct {
	// Strict turns unknown keys into an error.
	Strict   bool
	Resolver *fileset.Resolver
}

// Result wraps a resolved plan alongside any non-fatal warnings.
type Result struct {
	Plan     Plan
	Warnings []string
}

// knownKeys lists the accepted keys per table; "" is the top level.
var knownKeys = map[string][]string{
	"":         {"namespace", "schemas", "cache", "redis", "database"},
	"cache":    {"enabled", "backend", "ttl", "dir", "index", "memory_capacity"},
	"redis":    {"url"},
	"database": {"driver", "dsn", "slow_query"},
}

// Default returns the plan used when no configuration file exists. Relative
// paths are resolved against dir.
func Default(dir string) Plan {
	return Plan{
		Cache: CachePlan{
			Enabled:        true,
			Backend:        BackendFile,
			TTL:            DefaultTTL,
			Dir:            filepath.Join(dir, filepath.FromSlash(DefaultCacheDir)),
			Index:          filepath.Join(dir, filepath.FromSlash(DefaultIndexFile)),
			MemoryCapacity: DefaultMemoryCapacity,
		},
		RedisURL: DefaultRedisURL,
		Database: DatabasePlan{Driver: DriverSQLite},
	}
}

// Load reads, validates and resolves a configuration file. Relative paths
// and schema globs are resolved against the directory of path.
func Load(path string, opts LoadOptions) (Result, error) {
	var res Result

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return res, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}

	unknown, err := collectUnknownKeys(data)
	if err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}
	if len(unknown) > 0 {
		message := fmt.Sprintf("%s: unknown configuration keys: %s", path, strings.Join(unknown, ", "))
		if opts.Strict {
			return res, errors.New(message)
		}
		res.Warnings = append(res.Warnings, message)
	}

	baseDir := filepath.Dir(path)
	plan := Default(baseDir)
	plan.Namespace = strings.TrimSpace(cfg.Namespace)

	if plan.Cache, err = resolveCache(baseDir, cfg.Cache, plan.Cache); err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Redis.URL != "" {
		plan.RedisURL = cfg.Redis.URL
	}
	if plan.Database, err = resolveDatabase(cfg.Database, plan.Database); err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}

	if len(cfg.Schemas) > 0 {
		var resolver fileset.Resolver
		if opts.Resolver != nil {
			resolver = *opts.Resolver
		} else if resolver, err = fileset.NewOSResolver(baseDir); err != nil {
			return res, fmt.Errorf("%s: %w", path, err)
		}
		if plan.Schemas, err = resolvePatterns(resolver, cfg.Schemas); err != nil {
			return res, fmt.Errorf("%s: %w", path, err)
		}
	}

	res.Plan = plan
	return res, nil
}

func resolveCache(baseDir string, cfg CacheConfig, plan CachePlan) (CachePlan, error) {
	if cfg.Enabled != nil {
		plan.Enabled = *cfg.Enabled
	}
	if cfg.Backend != "" {
		b := Backend(strings.ToLower(string(cfg.Backend)))
		if !slices.Contains(validBackends, b) {
			return plan, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
		}
		plan.Backend = b
	}
	if cfg.TTL != "" {
		ttl, err := parseDuration(cfg.TTL)
		if err != nil {
			return plan, fmt.Errorf("cache ttl: %w", err)
		}
		plan.TTL = ttl
	}
	if cfg.Dir != "" {
		plan.Dir = resolvePath(baseDir, cfg.Dir)
	}
	if cfg.Index != "" {
		plan.Index = resolvePath(baseDir, cfg.Index)
	}
	switch {
	case cfg.MemoryCapacity < 0:
		return plan, fmt.Errorf("memory_capacity must not be negative")
	case cfg.MemoryCapacity > 0:
		plan.MemoryCapacity = cfg.MemoryCapacity
	}
	return plan, nil
}

func resolveDatabase(cfg DatabaseConfig, plan DatabasePlan) (DatabasePlan, error) {
	if cfg.Driver != "" {
		switch d := strings.ToLower(cfg.Driver); d {
		case DriverSQLite, DriverPostgres, DriverMySQL:
			plan.Driver = d
		case "postgres", "postgresql", "pgsql":
			plan.Driver = DriverPostgres
		case "mariadb":
			plan.Driver = DriverMySQL
		default:
			return plan, fmt.Errorf("unsupported database driver %q", cfg.Driver)
		}
	}
	plan.DSN = cfg.DSN
	if cfg.SlowQuery != "" {
		d, err := parseDuration(cfg.SlowQuery)
		if err != nil {
			return plan, fmt.Errorf("database slow_query: %w", err)
		}
		plan.SlowQuery = d
	}
	return plan, nil
}

// parseDuration accepts Go durations and bare integers meaning seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	d, err := time.ParseDuration(s)
	if secs, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
		d, err = time.Duration(secs)*time.Second, nil
	}
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func resolvePath(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, filepath.FromSlash(p))
}

func collectUnknownKeys(data []byte) ([]string, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var unknown []string
	for key, value := range raw {
		if !slices.Contains(knownKeys[""], key) {
			unknown = append(unknown, key)
			continue
		}
		table, ok := value.(map[string]any)
		if !ok {
			continue
		}
		for sub := range table {
			if !slices.Contains(knownKeys[key], sub) {
				unknown = append(unknown, key+"."+sub)
			}
		}
	}
	slices.Sort(unknown)
	return unknown, nil
}

func resolvePatterns(resolver fileset.Resolver, patterns []string) ([]string, error) {
	paths, err := resolver.Resolve(patterns)
	if err == nil {
		return paths, nil
	}
	var noMatchErr fileset.NoMatchError
	if errors.As(err, &noMatchErr) {
		return nil, fmt.Errorf("schemas patterns matched no files: %s", strings.Join(noMatchErr.Patterns, ", "))
	}
	var patternErr fileset.PatternError
	if errors.As(err, &patternErr) {
		return nil, fmt.Errorf("schemas: invalid glob pattern %q: %w", patternErr.Pattern, patternErr.Err)
	}
	return nil, fmt.Errorf("schemas: %w", err)
}
