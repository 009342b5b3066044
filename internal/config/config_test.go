package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/electwix/dbrm/internal/fileset"
)

func TestLoadSuccess(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	writeFile(t, tempDir, "schema/app.yaml", "schema: {name: app}\n")
	writeFile(t, tempDir, "schema/billing.yaml", "schema: {name: billing}\n")

	configPath := writeConfig(t, tempDir, `
namespace = "shop"
schemas = ["schema/*.yaml"]

[cache]
enabled = true
backend = "redis"
ttl = "90s"
dir = "tmp/cache"
index = "/var/lib/dbrm/index.json"
memory_capacity = 128

[redis]
url = "redis://cache:6379/2"

[database]
driver = "postgres"
dsn = "postgres://localhost/shop"
slow_query = "250ms"
`)

	result, err := Load(configPath, LoadOptions{})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", result.Warnings)
	}

	want := Plan{
		Namespace: "shop",
		Schemas: []string{
			filepath.Join(tempDir, "schema", "app.yaml"),
			filepath.Join(tempDir, "schema", "billing.yaml"),
		},
		Cache: CachePlan{
			Enabled:        true,
			Backend:        BackendRedis,
			TTL:            90 * time.Second,
			Dir:            filepath.Join(tempDir, "tmp", "cache"),
			Index:          "/var/lib/dbrm/index.json",
			MemoryCapacity: 128,
		},
		RedisURL: "redis://cache:6379/2",
		Database: DatabasePlan{
			Driver:    DriverPostgres,
			DSN:       "postgres://localhost/shop",
			SlowQuery: 250 * time.Millisecond,
		},
	}
	if diff := cmp.Diff(want, result.Plan); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	tempDir := t.TempDir()
	configPath := writeConfig(t, tempDir, "")

	result, err := Load(configPath, LoadOptions{})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if diff := cmp.Diff(Default(tempDir), result.Plan); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	if result.Plan.Cache.TTL != time.Hour || result.Plan.Cache.Backend != BackendFile {
		t.Errorf("unexpected cache defaults: %+v", result.Plan.Cache)
	}
}

func TestLoadCacheDisabledAndNeverExpires(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t, t.TempDir(), `
[cache]
enabled = false
ttl = "0"
`)
	result, err := Load(configPath, LoadOptions{})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if result.Plan.Cache.Enabled {
		t.Error("cache should be disabled")
	}
	if result.Plan.Cache.TTL != 0 {
		t.Errorf("TTL = %v, want 0", result.Plan.Cache.TTL)
	}
}

func TestLoadDriverAliases(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"mysql":      DriverMySQL,
		"MariaDB":    DriverMySQL,
		"postgresql": DriverPostgres,
		"sqlite":     DriverSQLite,
	}
	for in, want := range tests {
		configPath := writeConfig(t, t.TempDir(), "[database]\ndriver = \""+in+"\"\n")
		result, err := Load(configPath, LoadOptions{})
		if err != nil {
			t.Fatalf("Load(driver %q) returned error: %v", in, err)
		}
		if got := result.Plan.Database.Driver; got != want {
			t.Errorf("driver %q resolved to %q, want %q", in, got, want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := map[string]time.Duration{
		"60":    time.Minute,
		"0":     0,
		"1m30s": 90 * time.Second,
		" 2h ":  2 * time.Hour,
	}
	for in, want := range tests {
		got, err := parseDuration(in)
		if err != nil || got != want {
			t.Errorf("parseDuration(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	for _, in := range []string{"soon", "-5", "-1s"} {
		if _, err := parseDuration(in); err == nil {
			t.Errorf("parseDuration(%q) should fail", in)
		}
	}
}

func TestLoadInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config string
		want   string
	}{
		{"backend", "[cache]\nbackend = \"memcache\"\n", "unsupported cache backend"},
		{"ttl", "[cache]\nttl = \"later\"\n", "cache ttl"},
		{"capacity", "[cache]\nmemory_capacity = -1\n", "memory_capacity"},
		{"driver", "[database]\ndriver = \"oracle\"\n", "unsupported database driver"},
		{"slow query", "[database]\nslow_query = \"x\"\n", "slow_query"},
		{"syntax", "namespace = \n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			configPath := writeConfig(t, t.TempDir(), tt.config)
			_, err := Load(configPath, LoadOptions{})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadMissingSchemaPattern(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t, t.TempDir(), `
schemas = ["schema/*.missing"]
`)
	resolver := fileset.NewResolver(fstest.MapFS{
		"schema/app.yaml": &fstest.MapFile{},
	})

	_, err := Load(configPath, LoadOptions{Resolver: &resolver})
	if err == nil {
		t.Fatal("expected error for missing schema glob matches")
	}
	if !strings.Contains(err.Error(), "schemas patterns matched no files") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "schema/*.missing") {
		t.Fatalf("error should mention missing pattern, got: %v", err)
	}
}

func TestLoadStrictUnknownKeys(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t, t.TempDir(), `
namespace = "shop"
colour = "blue"

[cache]
driver = "file"
`)

	_, err := Load(configPath, LoadOptions{Strict: true})
	if err == nil {
		t.Fatal("expected error for unknown keys in strict mode")
	}
	if !strings.Contains(err.Error(), "cache.driver, colour") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadNonStrictUnknownKeysWarning(t *testing.T) {
	t.Parallel()

	configPath := writeConfig(t, t.TempDir(), `
namespace = "shop"
extra = true

[redis]
url = "redis://localhost:6379/1"
password = "x"
`)

	result, err := Load(configPath, LoadOptions{})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "extra, redis.password") {
		t.Fatalf("unexpected warning: %s", result.Warnings[0])
	}
	if result.Plan.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("RedisURL = %q", result.Plan.RedisURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "dbrm.toml"), LoadOptions{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestValidBackends(t *testing.T) {
	t.Parallel()

	for _, b := range []Backend{"FILE", "Memory", "redis", "all"} {
		configPath := writeConfig(t, t.TempDir(), "[cache]\nbackend = \""+string(b)+"\"\n")
		result, err := Load(configPath, LoadOptions{})
		if err != nil {
			t.Fatalf("backend %q: %v", b, err)
		}
		if !slices.Contains(validBackends, result.Plan.Cache.Backend) {
			t.Errorf("backend %q resolved to %q", b, result.Plan.Cache.Backend)
		}
	}
}

func writeFile(tb testing.TB, dir, name, contents string) {
	tb.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		tb.Fatalf("write %s: %v", name, err)
	}
}

func writeConfig(tb testing.TB, dir, contents string) string {
	tb.Helper()
	writeFile(tb, dir, "dbrm.toml", contents)
	return filepath.Join(dir, "dbrm.toml")
}
