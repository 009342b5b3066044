package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/electwix/dbrm/internal/config"
	"github.com/electwix/dbrm/internal/executor"
	"github.com/electwix/dbrm/internal/fileset"
	"github.com/electwix/dbrm/internal/introspect"
	"github.com/electwix/dbrm/internal/logging"
	"github.com/electwix/dbrm/internal/querycache"
	"github.com/electwix/dbrm/internal/view"
)

const shopSchema = `schema:
  name: main
  engine: sqlite
tables:
  users:
    fields:
      id:
        type: INT
        nullable: false
        auto_increment: true
      email:
        type: VARCHAR
        length: 120
        nullable: false
    key:
      pk: [id]
views:
  active_users:
    tables: [users]
`

// writeProject lays out a config, a schema description and an empty
// database path in a temp dir and returns the config path.
func writeProject(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "schema"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "schema", "shop.yaml"), []byte(shopSchema), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := `namespace = "shop"
schemas = ["schema/*.yaml"]

[cache]
backend = "` + backend + `"
ttl = "1h"

[database]
driver = "sqlite"
dsn = '` + filepath.Join(dir, "app.db") + `'
`
	path := filepath.Join(dir, "dbrm.toml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newPipeline(env Environment) Pipeline {
	if env.FSResolver == nil {
		env.FSResolver = fileset.NewOSResolver
	}
	return Pipeline{Env: env}
}

func loadPlan(t *testing.T, p Pipeline, path string) config.Plan {
	t.Helper()
	res, err := p.Load(LoadOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return res.Plan
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("resolves schemas", func(t *testing.T) {
		t.Parallel()
		path := writeProject(t, "file")
		plan := loadPlan(t, newPipeline(Environment{}), path)
		want := []string{filepath.Join(filepath.Dir(path), "schema", "shop.yaml")}
		if diff := cmp.Diff(want, plan.Schemas); diff != "" {
			t.Fatalf("schemas mismatch (-want +got):\n%s", diff)
		}
		if plan.Namespace != "shop" {
			t.Fatalf("namespace = %q", plan.Namespace)
		}
	})

	t.Run("optional missing file uses defaults", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		res, err := newPipeline(Environment{}).Load(LoadOptions{
			ConfigPath: filepath.Join(dir, "dbrm.toml"),
			Optional:   true,
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if diff := cmp.Diff(config.Default(dir), res.Plan); diff != "" {
			t.Fatalf("plan mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("required missing file fails", func(t *testing.T) {
		t.Parallel()
		_, err := newPipeline(Environment{}).Load(LoadOptions{
			ConfigPath: filepath.Join(t.TempDir(), "dbrm.toml"),
		})
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("err = %v, want not exist", err)
		}
	})

	t.Run("warnings are logged", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "dbrm.toml")
		if err := os.WriteFile(path, []byte("colour = \"blue\"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		var logs bytes.Buffer
		p := newPipeline(Environment{Logger: logging.New(logging.Options{Writer: &logs})})
		res, err := p.Load(LoadOptions{ConfigPath: path})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(res.Warnings) != 1 || !strings.Contains(logs.String(), "colour") {
			t.Fatalf("warnings = %v, logs = %q", res.Warnings, logs.String())
		}
		if _, err := p.Load(LoadOptions{ConfigPath: path, Strict: true}); err == nil {
			t.Fatal("strict Load succeeded, want error")
		}
	})
}

func TestOpenWiresViewInvalidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(Environment{})
	plan := loadPlan(t, p, writeProject(t, "file"))

	rt, err := p.Open(ctx, plan, OpenOptions{Database: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	for _, stmt := range []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, email VARCHAR(120) NOT NULL)",
		"CREATE VIEW active_users AS SELECT * FROM users",
	} {
		if _, err := rt.Exec.Exec(ctx, stmt, nil); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	const read = "SELECT email FROM active_users"
	if _, err := rt.View.Fetch(ctx, view.Query{SQL: read}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, ok := rt.Cache.Get(ctx, read); !ok {
		t.Fatal("view read was not cached")
	}

	row, err := rt.Records.Row("users", "")
	if err != nil {
		t.Fatalf("Row: %v", err)
	}
	if err := row.Set("email", "ada@example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := row.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := rt.Cache.Get(ctx, read); ok {
		t.Fatal("insert into users did not invalidate the active_users read")
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()
	plan := config.Default(t.TempDir())
	_, err := newPipeline(Environment{}).Open(context.Background(), plan, OpenOptions{Database: true})
	if !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("err = %v, want ErrNoDatabase", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	t.Parallel()
	plan := config.Default(t.TempDir())
	plan.Cache.Backend = "tape"
	_, err := newPipeline(Environment{}).Open(context.Background(), plan, OpenOptions{DegradeCache: true})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("err = %v, want ErrUnknownBackend", err)
	}
}

func TestOpenDegradesUnreachableCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	plan := config.Default(t.TempDir())
	plan.Cache.Backend = config.BackendRedis
	plan.RedisURL = "redis://127.0.0.1:1/0"

	if _, err := newPipeline(Environment{}).Open(ctx, plan, OpenOptions{}); err == nil {
		t.Fatal("Open succeeded against an unreachable redis")
	}

	var logs bytes.Buffer
	p := newPipeline(Environment{Logger: logging.New(logging.Options{Writer: &logs})})
	rt, err := p.Open(ctx, plan, OpenOptions{DegradeCache: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	if rt.Cache.Enabled() || !strings.Contains(logs.String(), "cache unavailable") {
		t.Fatalf("cache enabled = %v, logs = %q", rt.Cache.Enabled(), logs.String())
	}
}

func TestOpenDisabledCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	plan := config.Default(t.TempDir())
	plan.Cache.Enabled = false

	rt, err := newPipeline(Environment{}).Open(ctx, plan, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	if rt.Cache.Enabled() {
		t.Fatal("cache enabled, want nop")
	}
	st, err := rt.Stats(ctx)
	if err != nil || st.Entries != 0 || st.Records != 0 {
		t.Fatalf("Stats = %+v, %v", st, err)
	}
	if res, err := rt.Prune(ctx); err != nil || res != (PruneResult{}) {
		t.Fatalf("Prune = %+v, %v", res, err)
	}
}

func TestStatsAndPrune(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	for _, backend := range []config.Backend{
		config.BackendFile,
		config.BackendMemory,
		config.BackendRedis,
		config.BackendAll,
	} {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			plan := config.Default(t.TempDir())
			plan.Namespace = "stats-" + string(backend)
			plan.Cache.Backend = backend

			rt, err := newPipeline(Environment{Redis: client}).Open(ctx, plan, OpenOptions{})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			t.Cleanup(func() { _ = rt.Close() })

			queries := []string{"SELECT * FROM users", "SELECT * FROM orders"}
			for _, q := range queries {
				if err := rt.Cache.Set(ctx, q, querycache.Rows{{"n": int64(1)}}); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}
			st, err := rt.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if st.Entries != 2 || st.Records != 2 || st.Backend != backend {
				t.Fatalf("Stats = %+v", st)
			}

			// An entry lost behind the index's back leaves an orphan record.
			if err := rt.Store.Delete(ctx, querycache.Key(queries[0], nil)); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			res, err := rt.Prune(ctx)
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if res.Records != 1 {
				t.Fatalf("Prune = %+v, want one record", res)
			}
			if st, _ := rt.Stats(ctx); st.Records != 1 {
				t.Fatalf("records after prune = %d, want 1", st.Records)
			}
		})
	}
}

func TestPruneRemovesExpiredFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	plan := config.Default(t.TempDir())
	plan.Cache.TTL = time.Nanosecond

	rt, err := newPipeline(Environment{}).Open(ctx, plan, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	if err := rt.Cache.Set(ctx, "SELECT 1 FROM users", querycache.Rows{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(time.Millisecond)

	res, err := rt.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if diff := cmp.Diff(PruneResult{Entries: 1, Records: 1}, res); diff != "" {
		t.Fatalf("prune mismatch (-want +got):\n%s", diff)
	}
}

func seedDatabase(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()
	ex, err := executor.Open(ctx, executor.DriverSQLite, dsn, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ex.Close() }()
	if _, err := ex.Exec(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, email VARCHAR(120) NOT NULL UNIQUE)", nil); err != nil {
		t.Fatal(err)
	}
}

func TestIntrospectWritesDescription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(Environment{})
	plan := loadPlan(t, p, writeProject(t, "file"))
	seedDatabase(t, plan.Database.DSN)

	var calls []string
	writer := &MemoryWriter{}
	p.Env.Writer = writer
	p.Env.Hooks = Hooks{
		BeforeIntrospect: func(_ context.Context, name string) error {
			calls = append(calls, "before:"+name)
			return nil
		},
	}.Chain(Hooks{
		AfterWrite: func(_ context.Context, s Summary) error {
			calls = append(calls, "after:"+s.Path)
			return nil
		},
	})

	out := filepath.Join(t.TempDir(), "schema.yaml")
	summary, err := p.Introspect(ctx, plan, IntrospectOptions{Out: out})
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	data, ok := writer.GetFile(out)
	if !ok {
		t.Fatalf("nothing written to %s", out)
	}
	if !strings.Contains(string(data), "users:") || summary.Bytes != len(data) {
		t.Fatalf("unexpected output (%d bytes):\n%s", summary.Bytes, data)
	}
	if diff := cmp.Diff([]string{"before:main", "after:" + out}, calls); diff != "" {
		t.Fatalf("hook calls mismatch (-want +got):\n%s", diff)
	}
}

func TestIntrospectToStdout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(Environment{})
	plan := loadPlan(t, p, writeProject(t, "file"))
	seedDatabase(t, plan.Database.DSN)

	var stdout bytes.Buffer
	_, err := p.Introspect(ctx, plan, IntrospectOptions{
		Format:  introspect.FormatGo,
		Package: "shopdb",
		Stdout:  &stdout,
	})
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	for _, want := range []string{"package shopdb", "TableUsers", "UsersEmail"} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, stdout.String())
		}
	}
}

func TestIntrospectWriteError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newPipeline(Environment{Writer: &MemoryWriter{Err: errors.New("disk full")}})
	plan := loadPlan(t, p, writeProject(t, "file"))
	seedDatabase(t, plan.Database.DSN)

	_, err := p.Introspect(ctx, plan, IntrospectOptions{Out: "schema.yaml"})
	var writeErr *WriteError
	if !errors.As(err, &writeErr) || writeErr.Path != "schema.yaml" {
		t.Fatalf("err = %v, want WriteError for schema.yaml", err)
	}
}

func TestIntrospectHookAborts(t *testing.T) {
	t.Parallel()
	stop := errors.New("stop")
	opened := false
	p := newPipeline(Environment{Hooks: Hooks{
		BeforeIntrospect: func(context.Context, string) error { return stop },
	}})
	plan := config.Default(t.TempDir())
	plan.Database.DSN = ":memory:"

	_, err := p.Introspect(context.Background(), plan, IntrospectOptions{
		Open: func(context.Context, string, string) (introspect.Introspector, func(), error) {
			opened = true
			return nil, nil, errors.New("unreachable")
		},
	})
	if !errors.Is(err, stop) || opened {
		t.Fatalf("err = %v, opened = %v", err, opened)
	}
}

func TestOSWriterAtomic(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "schema.yaml")
	w := NewOSWriter()
	for _, content := range []string{"first", "second"} {
		if err := w.WriteFile(path, []byte(content)); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "second" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %v", entries)
	}
	if err := w.WriteFile("", nil); err == nil {
		t.Fatal("empty path accepted")
	}
}
