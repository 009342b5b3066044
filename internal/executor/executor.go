// Package executor runs statements with named parameters against a single
// pinned database session.
//
// The session is pinned so that connection-scoped state such as the last
// inserted id, sequence currval and in-memory SQLite databases behave the same
// across calls.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/electwix/dbrm/internal/logging"
	"github.com/electwix/dbrm/internal/query/normalize"
	"github.com/electwix/dbrm/internal/querycache"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

var (
	// ErrTxActive is returned by Begin while a transaction is open.
	ErrTxActive = errors.New("executor: transaction already active")
	// ErrNoTx is returned by Commit and Rollback without a transaction.
	ErrNoTx = errors.New("executor: no active transaction")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("executor: closed")
)

// Result describes the effect of a non-query statement.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

type session interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Executor runs statements on one connection, or on the open transaction.
type Executor struct {
	mu     sync.Mutex
	db     *sql.DB
	conn   *sql.Conn
	tx     *sql.Tx
	driver string
	style  normalize.PlaceholderStyle
	logger *slog.Logger
	// slow is the duration from which statements are logged as warnings.
	slow time.Duration
}

// Open connects to dsn with the named driver and pins one connection.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Executor, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	case DriverMySQL:
		var err error
		if dsn, err = MySQLDSN(dsn); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q (want %s, %s or %s)", driver, DriverSQLite, DriverPostgres, DriverMySQL)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	e, err := New(ctx, db, driver, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// MySQLDSN makes DATE and DATETIME columns scan as time.Time, which Query
// then renders in their written form.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// New pins a connection of an existing pool. Close releases the connection
// and closes db.
func New(ctx context.Context, db *sql.DB, driver string, logger *slog.Logger) (*Executor, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	style := normalize.Question
	if driver == DriverPostgres {
		style = normalize.Dollar
	}
	return &Executor{
		db:     db,
		conn:   conn,
		driver: driver,
		style:  style,
		logger: logging.OrNop(logger).With("component", "executor"),
	}, nil
}

// Driver returns the driver name.
func (e *Executor) Driver() string { return e.driver }

// SetSlowQueryThreshold makes statements taking at least d log at Warn
// level. Zero disables slow query reporting.
func (e *Executor) SetSlowQueryThreshold(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slow = d
}

func (e *Executor) log(ctx context.Context, msg, query string, took time.Duration, attrs ...any) {
	attrs = append(attrs, "sql", normalize.SQL(query), "took", took)
	if e.slow > 0 && took >= e.slow {
		e.logger.WarnContext(ctx, "slow "+msg, attrs...)
		return
	}
	e.logger.DebugContext(ctx, msg, attrs...)
}

func (e *Executor) session() (session, error) {
	if e.conn == nil {
		return nil, ErrClosed
	}
	if e.tx != nil {
		return e.tx, nil
	}
	return e.conn, nil
}

// Query runs a statement returning rows. Column values are converted to
// string, int64, float64, bool or nil.
func (e *Executor) Query(ctx context.Context, query string, params normalize.Params) (querycache.Rows, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.session()
	if err != nil {
		return nil, err
	}
	stmt, args, err := normalize.Bind(query, params, e.style)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := s.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out, err := scan(rows)
	if err != nil {
		return nil, err
	}
	e.log(ctx, "query", query, time.Since(start), "rows", len(out))
	return out, nil
}

// Exec runs a statement that returns no rows.
func (e *Executor) Exec(ctx context.Context, query string, params normalize.Params) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.session()
	if err != nil {
		return Result{}, err
	}
	stmt, args, err := normalize.Bind(query, params, e.style)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	res, err := s.ExecContext(ctx, stmt, args...)
	if err != nil {
		return Result{}, fmt.Errorf("exec: %w", err)
	}
	var out Result
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	e.log(ctx, "exec", query, time.Since(start), "affected", out.RowsAffected)
	return out, nil
}

// LastInsertID returns the id generated by the last insert of this session.
// PostgreSQL needs the sequence name.
func (e *Executor) LastInsertID(ctx context.Context, sequence string) (int64, error) {
	var query string
	var args []any
	switch e.driver {
	case DriverPostgres:
		if sequence == "" {
			return 0, errors.New("last insert id: sequence name required")
		}
		query, args = "SELECT currval($1)", []any{sequence}
	case DriverMySQL:
		query = "SELECT LAST_INSERT_ID()"
	default:
		query = "SELECT last_insert_rowid()"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.session()
	if err != nil {
		return 0, err
	}
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	defer rows.Close()
	var id int64
	if !rows.Next() {
		return 0, fmt.Errorf("last insert id: %w", sql.ErrNoRows)
	}
	if err := rows.Scan(&id); err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, rows.Err()
}

// Begin opens a transaction used by every call until Commit or Rollback.
func (e *Executor) Begin(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return ErrClosed
	}
	if e.tx != nil {
		return ErrTxActive
	}
	tx, err := e.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	e.tx = tx
	return nil
}

// Commit commits the open transaction.
func (e *Executor) Commit() error {
	return e.finish(func(tx *sql.Tx) error { return tx.Commit() })
}

// Rollback aborts the open transaction.
func (e *Executor) Rollback() error {
	return e.finish(func(tx *sql.Tx) error { return tx.Rollback() })
}

// InTx reports whether a transaction is open.
func (e *Executor) InTx() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tx != nil
}

func (e *Executor) finish(fn func(*sql.Tx) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tx == nil {
		return ErrNoTx
	}
	err := fn(e.tx)
	e.tx = nil
	return err
}

// Close rolls back an open transaction and closes the connection and pool.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	var errs []error
	if e.tx != nil {
		errs = append(errs, e.tx.Rollback())
		e.tx = nil
	}
	errs = append(errs, e.conn.Close(), e.db.Close())
	e.conn = nil
	return errors.Join(errs...)
}

func scan(rows *sql.Rows) (querycache.Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	layouts := timeLayouts(rows, len(cols))
	out := querycache.Rows{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if t, ok := vals[i].(time.Time); ok && layouts[i] != "" {
				row[c] = formatTime(t, layouts[i])
				continue
			}
			row[c] = plain(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// Time layouts of columns whose values must read back the way they are
// written.
const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05"
)

// timeLayouts picks a layout per column from its declared type. Columns of
// other types, and zoned timestamps, keep the default RFC 3339 rendering.
func timeLayouts(rows *sql.Rows, n int) []string {
	layouts := make([]string, n)
	types, err := rows.ColumnTypes()
	if err != nil || len(types) != n {
		return layouts
	}
	for i, ct := range types {
		name := strings.ToUpper(ct.DatabaseTypeName())
		if j := strings.IndexByte(name, '('); j >= 0 {
			name = strings.TrimSpace(name[:j])
		}
		switch name {
		case "DATE":
			layouts[i] = dateLayout
		case "DATETIME", "TIMESTAMP", "TIMESTAMP WITHOUT TIME ZONE":
			layouts[i] = datetimeLayout
		}
	}
	return layouts
}

// formatTime renders t with layout, keeping fractional seconds when present.
func formatTime(t time.Time, layout string) string {
	if layout == datetimeLayout && t.Nanosecond() != 0 {
		layout += ".999999999"
	}
	return t.Format(layout)
}

// plain converts driver values to the scalar set cached rows decode to.
func plain(v any) any {
	switch val := v.(type) {
	case nil, string, int64, float64, bool:
		return val
	case []byte:
		return string(val)
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int16:
		return int64(val)
	case int8:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
