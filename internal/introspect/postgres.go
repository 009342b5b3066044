package introspect

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/electwix/dbrm/internal/query/tables"
	"github.com/electwix/dbrm/internal/schema"
)

// pgQuerier is the subset of *pgxpool.Pool the introspector uses.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres introspects a PostgreSQL schema through information_schema.
type Postgres struct {
	db pgQuerier
}

// NewPostgres returns an introspector using pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

// OpenPostgres connects a pool for dsn.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

type pgColumn struct {
	TableName  string  `db:"table_name"`
	TableType  string  `db:"table_type"`
	ColumnName string  `db:"column_name"`
	DataType   string  `db:"data_type"`
	UDTName    string  `db:"udt_name"`
	IsNullable string  `db:"is_nullable"`
	Default    *string `db:"column_default"`
	CharLength *int32  `db:"character_maximum_length"`
	Precision  *int32  `db:"numeric_precision"`
	Scale      *int32  `db:"numeric_scale"`
	Sequence   *string `db:"sequence"`
}

type pgConstraint struct {
	TableName  string  `db:"table_name"`
	Kind       string  `db:"constraint_type"`
	Name       string  `db:"constraint_name"`
	ColumnName string  `db:"column_name"`
	RefTable   *string `db:"ref_table"`
	RefColumn  *string `db:"ref_column"`
}

type pgView struct {
	Name       string  `db:"table_name"`
	Definition *string `db:"view_definition"`
}

type pgEnum struct {
	TypeName string `db:"typname"`
	Label    string `db:"enumlabel"`
}

const pgColumnsSQL = `SELECT c.table_name, t.table_type, c.column_name, c.data_type, c.udt_name,
       c.is_nullable, c.column_default, c.character_maximum_length,
       c.numeric_precision, c.numeric_scale,
       pg_get_serial_sequence(format('%I.%I', c.table_schema, c.table_name), c.column_name) AS sequence
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1
ORDER BY c.table_name, c.ordinal_position`

const pgConstraintsSQL = `SELECT tc.table_name, tc.constraint_type, tc.constraint_name, kcu.column_name,
       ccu.table_name AS ref_table, ccu.column_name AS ref_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_schema = tc.constraint_schema AND kcu.constraint_name = tc.constraint_name
LEFT JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_type = 'FOREIGN KEY'
 AND ccu.constraint_schema = tc.constraint_schema AND ccu.constraint_name = tc.constraint_name
WHERE tc.table_schema = $1 AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position`

const pgViewsSQL = `SELECT table_name, view_definition FROM information_schema.views WHERE table_schema = $1`

const pgEnumsSQL = `SELECT t.typname, e.enumlabel
FROM pg_type t JOIN pg_enum e ON e.enumtypid = t.oid
ORDER BY t.typname, e.enumsortorder`

// Introspect implements Introspector for the schema called name.
func (p *Postgres) Introspect(ctx context.Context, name string) (*schema.Schema, error) {
	cols, err := collect[pgColumn](ctx, p.db, pgColumnsSQL, name)
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	cons, err := collect[pgConstraint](ctx, p.db, pgConstraintsSQL, name)
	if err != nil {
		return nil, fmt.Errorf("constraints: %w", err)
	}
	views, err := collect[pgView](ctx, p.db, pgViewsSQL, name)
	if err != nil {
		return nil, fmt.Errorf("views: %w", err)
	}
	enums, err := collect[pgEnum](ctx, p.db, pgEnumsSQL)
	if err != nil {
		return nil, fmt.Errorf("enums: %w", err)
	}
	return buildPostgres(name, cols, cons, views, enums), nil
}

func collect[T any](ctx context.Context, db pgQuerier, sql string, args ...any) ([]T, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[T])
}

var nextvalRe = regexp.MustCompile(`nextval\('([^']+)'`)

// buildPostgres assembles catalog rows into a schema description.
func buildPostgres(name string, cols []pgColumn, cons []pgConstraint, views []pgView, enums []pgEnum) *schema.Schema {
	out := schema.New(name, "pgx")

	labels := make(map[string][]string)
	for _, e := range enums {
		labels[e.TypeName] = append(labels[e.TypeName], e.Label)
	}

	var order []string
	fields := make(map[string]schema.Fields)
	isView := make(map[string]bool)
	for _, c := range cols {
		if _, ok := fields[c.TableName]; !ok {
			order = append(order, c.TableName)
		}
		isView[c.TableName] = c.TableType == "VIEW"

		decl := c.DataType
		if c.DataType == "USER-DEFINED" || c.DataType == "ARRAY" {
			decl = c.UDTName
		}
		f := parseType(decl)
		f.Name = c.ColumnName
		f.Nullable = c.IsNullable == "YES"
		if c.CharLength != nil {
			f.Length = int(*c.CharLength)
		}
		if f.Type == schema.TypeDecimal {
			if c.Precision != nil {
				f.Precision = int(*c.Precision)
			}
			if c.Scale != nil {
				f.Scale = int(*c.Scale)
			}
		}
		if vals, ok := labels[c.UDTName]; ok {
			f.Type = schema.TypeEnum
			f.Enum = vals
		}
		switch {
		case c.Sequence != nil:
			f.Sequence = *c.Sequence
			f.AutoIncrement = true
		case c.Default != nil:
			if m := nextvalRe.FindStringSubmatch(*c.Default); m != nil {
				f.Sequence = m[1]
				f.AutoIncrement = true
			} else {
				f.Default = unquoteDefault(*c.Default)
			}
		}
		fields[c.TableName] = append(fields[c.TableName], &f)
	}

	keys := make(map[string]*schema.Key)
	for _, c := range cons {
		k := keys[c.TableName]
		if k == nil {
			k = &schema.Key{}
			keys[c.TableName] = k
		}
		switch c.Kind {
		case "PRIMARY KEY":
			k.PK = append(k.PK, c.ColumnName)
		case "UNIQUE":
			k.UK = append(k.UK, c.ColumnName)
		case "FOREIGN KEY":
			if c.RefTable == nil || c.RefColumn == nil {
				continue
			}
			if k.FK == nil {
				k.FK = make(map[string]schema.Ref)
			}
			k.FK[c.ColumnName] = schema.Ref{Table: *c.RefTable, Column: *c.RefColumn}
		}
	}

	definitions := make(map[string]string)
	for _, v := range views {
		if v.Definition != nil {
			definitions[v.Name] = *v.Definition
		}
	}

	for _, table := range order {
		if isView[table] {
			out.Views[table] = &schema.View{
				Fields: fields[table],
				Tables: tables.Extract(definitions[table]),
			}
			continue
		}
		t := &schema.Table{Fields: fields[table]}
		if k := keys[table]; k != nil {
			t.Key = *k
		}
		place(out, table, t)
	}
	return out
}
