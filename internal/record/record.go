// Package record maps single table rows to values that can be loaded,
// validated, saved and deleted. Writes go through a view so the cached
// results depending on the table are invalidated.
package record

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/electwix/dbrm/internal/query/normalize"
	"github.com/electwix/dbrm/internal/schema"
	"github.com/electwix/dbrm/internal/view"
)

// Factory hands out one Row per (table, alias) pair.
type Factory struct {
	view *view.View

	mu   sync.Mutex
	rows map[rowKey]*Row
}

type rowKey struct {
	table string
	alias string
}

// NewFactory returns a factory for the tables described by the view's
// schema.
func NewFactory(v *view.View) *Factory {
	return &Factory{view: v, rows: make(map[rowKey]*Row)}
}

// Row returns the row mapper for table under alias. An empty alias means
// the table name. Asking twice for the same pair returns the same Row; use a
// different alias to work on two rows of one table at once.
func (f *Factory) Row(table, alias string) (*Row, error) {
	if alias == "" {
		alias = table
	}
	k := rowKey{table: strings.ToLower(table), alias: alias}

	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rows[k]; ok {
		return r, nil
	}
	def, ok := f.view.Schema().Lookup(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	r := &Row{view: f.view, table: table, alias: alias, def: def}
	if len(def.Key.PK) == 1 {
		if pk, ok := def.Field(def.Key.PK[0]); ok && pk.AutoIncrement {
			r.auto = pk
		}
	}
	r.Reset()
	f.rows[k] = r
	return r, nil
}

// Row holds the column values of one table row. A Row is not safe for
// concurrent use.
type Row struct {
	view  *view.View
	table string
	alias string
	def   *schema.Table
	// auto is the generated single-column primary key, if any.
	auto *schema.Field

	values map[string]any
	// key holds the primary key of the stored row; nil for a new row.
	key map[string]any
}

// Table returns the table name.
func (r *Row) Table() string { return r.table }

// Alias returns the alias the row was created under.
func (r *Row) Alias() string { return r.alias }

// IsNew reports whether the row has not been loaded or saved yet.
func (r *Row) IsNew() bool { return r.key == nil }

// Columns lists the column names in table order.
func (r *Row) Columns() []string {
	out := make([]string, len(r.def.Fields))
	for i, f := range r.def.Fields {
		out[i] = f.Name
	}
	return out
}

// Reset turns r into a new empty row.
func (r *Row) Reset() {
	r.values = make(map[string]any, len(r.def.Fields))
	for _, f := range r.def.Fields {
		r.values[f.Name] = nil
	}
	r.key = nil
}

// Get returns the value of col.
func (r *Row) Get(col string) (any, error) {
	f, ok := r.def.Field(col)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, r.table, col)
	}
	return r.values[f.Name], nil
}

// Values returns a copy of every column value.
func (r *Row) Values() map[string]any {
	return maps.Clone(r.values)
}

func (r *Row) locked(f *schema.Field) bool {
	if !r.def.IsPrimaryKey(f.Name) {
		return false
	}
	return r.key != nil || r.auto == f
}

// Set validates value against the definition of col and assigns it.
// Strings are trimmed. An empty value becomes NULL on a new row or a
// nullable column, otherwise the column default; a NOT NULL column without
// default rejects it.
func (r *Row) Set(col string, value any) error {
	f, ok := r.def.Field(col)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, r.table, col)
	}
	if r.locked(f) {
		return fmt.Errorf("%w: %s.%s", ErrLockedKey, r.table, f.Name)
	}
	if isEmpty(value) {
		switch {
		case f.Nullable || r.key == nil:
			r.values[f.Name] = nil
		case f.Default != nil:
			r.values[f.Name] = *f.Default
		default:
			return r.invalid(f, value, "a value is required")
		}
		return nil
	}
	v, reason := convert(f, value)
	if reason != "" {
		return r.invalid(f, value, reason)
	}
	r.values[f.Name] = v
	return nil
}

func (r *Row) invalid(f *schema.Field, value any, reason string) error {
	return &ValidationError{Table: r.table, Column: f.Name, Value: value, Reason: reason}
}

// Load reads the row whose primary key columns hold pk, in key order. The
// read bypasses the cache. It reports whether the row exists; when it does
// not, r is reset and, for tables without a generated key, the key columns
// are pre-filled so that Save inserts that row. Calling Load with no values
// resets r.
func (r *Row) Load(ctx context.Context, pk ...any) (bool, error) {
	if len(r.def.Key.PK) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoKey, r.table)
	}
	if len(pk) == 0 || allEmpty(pk) {
		r.Reset()
		return false, nil
	}
	if len(pk) != len(r.def.Key.PK) {
		return false, fmt.Errorf("load %s: got %d key values, want %d", r.table, len(pk), len(r.def.Key.PK))
	}

	key := make(map[string]any, len(pk))
	for i, col := range r.def.Key.PK {
		key[col] = pk[i]
	}
	where, params := r.where(key)
	cols := make([]string, len(r.def.Fields))
	for i, f := range r.def.Fields {
		cols[i] = quoteIdent(f.Name)
	}
	q := view.Query{
		SQL:     "SELECT " + strings.Join(cols, ", ") + " FROM " + quoteIdent(r.table) + " WHERE " + where,
		Params:  params,
		NoCache: true,
	}
	line, err := r.view.FetchLine(ctx, q)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", r.table, err)
	}

	r.Reset()
	if line == nil {
		if r.auto == nil {
			maps.Copy(r.values, key)
		}
		return false, nil
	}
	for _, f := range r.def.Fields {
		r.values[f.Name] = line[f.Name]
	}
	r.key = key
	return true, nil
}

// Save inserts a new row or updates the stored one.
func (r *Row) Save(ctx context.Context) error {
	if r.key == nil {
		return r.insert(ctx)
	}
	return r.update(ctx)
}

func (r *Row) insert(ctx context.Context) error {
	var (
		cols   []string
		marks  []string
		params = normalize.Params{}
	)
	for _, f := range r.def.Fields {
		if f == r.auto {
			continue
		}
		v := r.values[f.Name]
		if isEmpty(v) {
			if f.Default != nil || f.Nullable {
				continue
			}
			return r.invalid(f, v, "a value is required")
		}
		name := "p" + strconv.Itoa(len(cols))
		cols = append(cols, quoteIdent(f.Name))
		marks = append(marks, ":"+name)
		params[name] = v
	}

	sql := "INSERT INTO " + quoteIdent(r.table)
	if len(cols) == 0 {
		sql += " DEFAULT VALUES"
	} else {
		sql += " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	}
	_, err := r.view.Execute(ctx, view.Query{SQL: sql, Params: params})
	if err != nil && !errors.Is(err, view.ErrStale) {
		return fmt.Errorf("insert %s: %w", r.table, err)
	}
	stale := err

	if r.auto != nil {
		id, err := r.view.LastInsertID(ctx, r.auto.Sequence)
		if err != nil {
			return fmt.Errorf("insert %s: %w", r.table, err)
		}
		r.values[r.auto.Name] = id
	}
	key := make(map[string]any, len(r.def.Key.PK))
	for _, col := range r.def.Key.PK {
		key[col] = r.values[col]
	}
	r.key = key
	return stale
}

func (r *Row) update(ctx context.Context) error {
	where, params := r.where(r.key)
	var set []string
	for _, f := range r.def.Fields {
		if r.def.IsPrimaryKey(f.Name) {
			continue
		}
		v := r.values[f.Name]
		if isEmpty(v) {
			switch {
			case f.Nullable:
				v = nil
			case f.Default != nil:
				v = *f.Default
			default:
				return r.invalid(f, v, "a value is required")
			}
		}
		name := "v" + strconv.Itoa(len(set))
		set = append(set, quoteIdent(f.Name)+" = :"+name)
		params[name] = v
	}
	if len(set) == 0 {
		return nil
	}
	sql := "UPDATE " + quoteIdent(r.table) + " SET " + strings.Join(set, ", ") + " WHERE " + where
	if _, err := r.view.Execute(ctx, view.Query{SQL: sql, Params: params}); err != nil {
		return fmt.Errorf("update %s: %w", r.table, err)
	}
	return nil
}

// Delete removes the stored row and resets r.
func (r *Row) Delete(ctx context.Context) error {
	if r.key == nil {
		return fmt.Errorf("delete %s: %w", r.table, ErrNotLoaded)
	}
	where, params := r.where(r.key)
	sql := "DELETE FROM " + quoteIdent(r.table) + " WHERE " + where
	_, err := r.view.Execute(ctx, view.Query{SQL: sql, Params: params})
	if err != nil && !errors.Is(err, view.ErrStale) {
		return fmt.Errorf("delete %s: %w", r.table, err)
	}
	r.Reset()
	return err
}

// String renders the row for debugging.
func (r *Row) String() string {
	var b strings.Builder
	b.WriteString(r.table)
	if r.alias != r.table {
		b.WriteString(" AS ")
		b.WriteString(r.alias)
	}
	for _, f := range r.def.Fields {
		fmt.Fprintf(&b, "\n  %s = %v", f.Name, r.values[f.Name])
	}
	return b.String()
}

// where renders the primary key condition for key.
func (r *Row) where(key map[string]any) (string, normalize.Params) {
	params := normalize.Params{}
	conds := make([]string, len(r.def.Key.PK))
	for i, col := range r.def.Key.PK {
		name := "k" + strconv.Itoa(i)
		conds[i] = quoteIdent(col) + " = :" + name
		params[name] = key[col]
	}
	return strings.Join(conds, " AND "), params
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func allEmpty(vals []any) bool {
	for _, v := range vals {
		if !isEmpty(v) {
			return false
		}
	}
	return true
}
