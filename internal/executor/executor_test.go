package executor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/electwix/dbrm/internal/logging"
	"github.com/electwix/dbrm/internal/query/normalize"
	"github.com/electwix/dbrm/internal/querycache"
)

func openMemory(t *testing.T) *Executor {
	t.Helper()
	ctx := context.Background()
	e, err := Open(ctx, DriverSQLite, ":memory:", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	if _, err := e.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, score REAL, active BOOLEAN)`, nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return e
}

func TestQueryAndExec(t *testing.T) {
	e := openMemory(t)
	ctx := context.Background()

	res, err := e.Exec(ctx, "INSERT INTO users(name, score, active) VALUES(:name, :score, :active)",
		normalize.Params{"name": "ada", "score": 9.5, "active": true})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.RowsAffected != 1 || res.LastInsertID != 1 {
		t.Errorf("Result = %+v", res)
	}

	rows, err := e.Query(ctx, "SELECT id, name, score FROM users WHERE name = :name", normalize.Params{":name": "ada"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := querycache.Rows{{"id": int64(1), "name": "ada", "score": 9.5}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestDateColumnsReadBackAsWritten(t *testing.T) {
	e := openMemory(t)
	ctx := context.Background()
	if _, err := e.Exec(ctx, `CREATE TABLE events (day DATE, at DATETIME, seen TIMESTAMP, note TEXT)`, nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := e.Exec(ctx, "INSERT INTO events VALUES(:day, :at, :seen, :note)", normalize.Params{
		"day":  "1815-12-10",
		"at":   "2024-03-01 09:30:00",
		"seen": "2024-03-01 09:30:00.25",
		"note": "1815-12-10",
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := e.Query(ctx, "SELECT day, at, seen, note FROM events", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := querycache.Rows{{
		"day":  "1815-12-10",
		"at":   "2024-03-01 09:30:00",
		"seen": "2024-03-01 09:30:00.25",
		"note": "1815-12-10",
	}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name   string
		t      time.Time
		layout string
		want   string
	}{
		{"date", ts, dateLayout, "2024-03-01"},
		{"datetime", ts, datetimeLayout, "2024-03-01 09:30:00"},
		{"fraction kept", ts.Add(250 * time.Millisecond), datetimeLayout, "2024-03-01 09:30:00.25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatTime(tt.t, tt.layout); got != tt.want {
				t.Errorf("formatTime() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueryEmptyResultIsNotNil(t *testing.T) {
	e := openMemory(t)
	rows, err := e.Query(context.Background(), "SELECT * FROM users", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("rows = %#v, want empty non-nil", rows)
	}
}

func TestMissingParameter(t *testing.T) {
	e := openMemory(t)
	_, err := e.Query(context.Background(), "SELECT * FROM users WHERE id = :id", nil)
	if !errors.Is(err, normalize.ErrMissingParam) {
		t.Errorf("err = %v, want ErrMissingParam", err)
	}
}

func TestLastInsertID(t *testing.T) {
	e := openMemory(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := e.Exec(ctx, "INSERT INTO users(name) VALUES(:n)", normalize.Params{"n": name}); err != nil {
			t.Fatal(err)
		}
	}
	id, err := e.LastInsertID(ctx, "")
	if err != nil {
		t.Fatalf("LastInsertID: %v", err)
	}
	if id != 3 {
		t.Errorf("LastInsertID = %d, want 3", id)
	}
}

func TestTransactions(t *testing.T) {
	e := openMemory(t)
	ctx := context.Background()

	if err := e.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.Begin(ctx); !errors.Is(err, ErrTxActive) {
		t.Errorf("nested Begin = %v, want ErrTxActive", err)
	}
	if _, err := e.Exec(ctx, "INSERT INTO users(name) VALUES('rolled back')", nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if e.InTx() {
		t.Error("transaction still open after rollback")
	}

	if err := e.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Exec(ctx, "INSERT INTO users(name) VALUES('kept')", nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := e.Commit(); !errors.Is(err, ErrNoTx) {
		t.Errorf("Commit without tx = %v, want ErrNoTx", err)
	}

	rows, err := e.Query(ctx, "SELECT name FROM users", nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(querycache.Rows{{"name": "kept"}}, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x", nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(context.Background(), DriverMySQL, "no-slash", nil); err == nil {
		t.Fatal("expected error for malformed mysql dsn")
	}
}

func TestMySQLDSN(t *testing.T) {
	got, err := MySQLDSN("app:secret@tcp(db:3306)/shop?charset=utf8mb4")
	if err != nil {
		t.Fatalf("MySQLDSN: %v", err)
	}
	for _, part := range []string{"app:secret@tcp(db:3306)/shop", "parseTime=true", "charset=utf8mb4"} {
		if !strings.Contains(got, part) {
			t.Errorf("MySQLDSN() = %q, missing %q", got, part)
		}
	}
}

func TestClosed(t *testing.T) {
	e := openMemory(t)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := e.Query(context.Background(), "SELECT 1", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Query after Close = %v, want ErrClosed", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestPlain(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{[]byte("x"), "x"},
		{int32(4), int64(4)},
		{float32(1.5), float64(1.5)},
		{true, true},
	}
	for _, tt := range tests {
		if got := plain(tt.in); got != tt.want {
			t.Errorf("plain(%#v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestSlowQueryLogging(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	e, err := Open(ctx, DriverSQLite, ":memory:", logging.New(logging.Options{Writer: &buf}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	if _, err := e.Query(ctx, "SELECT 1 AS one", nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Fatalf("fast query logged at info level: %s", buf.String())
	}

	e.SetSlowQueryThreshold(time.Nanosecond)
	if _, err := e.Query(ctx, "SELECT 1 AS one", nil); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "slow query") || !strings.Contains(out, "SELECT 1 AS one") {
		t.Errorf("slow query not reported: %s", out)
	}
}
