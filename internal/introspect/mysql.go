package introspect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/electwix/dbrm/internal/query/normalize"
	"github.com/electwix/dbrm/internal/query/tables"
	"github.com/electwix/dbrm/internal/querycache"
	"github.com/electwix/dbrm/internal/schema"
)

// MySQL introspects a MySQL or MariaDB database through INFORMATION_SCHEMA.
type MySQL struct {
	q Querier
}

// NewMySQL returns an introspector running its queries on q.
func NewMySQL(q Querier) *MySQL {
	return &MySQL{q: q}
}

// MySQLDatabase returns the database named in dsn, the default schema to
// introspect.
func MySQLDatabase(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	return cfg.DBName, nil
}

const myColumnsSQL = `SELECT c.TABLE_NAME AS table_name, t.TABLE_TYPE AS table_type,
       c.COLUMN_NAME AS column_name, c.COLUMN_TYPE AS column_type,
       c.IS_NULLABLE AS is_nullable, c.COLUMN_DEFAULT AS column_default,
       c.CHARACTER_MAXIMUM_LENGTH AS char_length,
       c.NUMERIC_PRECISION AS numeric_precision, c.NUMERIC_SCALE AS numeric_scale,
       c.EXTRA AS extra
FROM INFORMATION_SCHEMA.COLUMNS c
JOIN INFORMATION_SCHEMA.TABLES t
  ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
WHERE c.TABLE_SCHEMA = :schema
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`

const myConstraintsSQL = `SELECT k.TABLE_NAME AS table_name, tc.CONSTRAINT_TYPE AS constraint_type,
       k.COLUMN_NAME AS column_name,
       k.REFERENCED_TABLE_NAME AS ref_table, k.REFERENCED_COLUMN_NAME AS ref_column
FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
JOIN INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
  ON tc.CONSTRAINT_SCHEMA = k.CONSTRAINT_SCHEMA
 AND tc.TABLE_NAME = k.TABLE_NAME
 AND tc.CONSTRAINT_NAME = k.CONSTRAINT_NAME
WHERE k.TABLE_SCHEMA = :schema
  AND tc.CONSTRAINT_TYPE IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
ORDER BY k.TABLE_NAME, k.CONSTRAINT_NAME, k.ORDINAL_POSITION`

const myViewsSQL = `SELECT TABLE_NAME AS table_name, VIEW_DEFINITION AS view_definition
FROM INFORMATION_SCHEMA.VIEWS
WHERE TABLE_SCHEMA = :schema`

// Introspect implements Introspector for the database called name.
func (m *MySQL) Introspect(ctx context.Context, name string) (*schema.Schema, error) {
	params := normalize.Params{"schema": name}
	cols, err := m.q.Query(ctx, myColumnsSQL, params)
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	cons, err := m.q.Query(ctx, myConstraintsSQL, params)
	if err != nil {
		return nil, fmt.Errorf("constraints: %w", err)
	}
	views, err := m.q.Query(ctx, myViewsSQL, params)
	if err != nil {
		return nil, fmt.Errorf("views: %w", err)
	}
	return buildMySQL(name, cols, cons, views), nil
}

var (
	myEnumRe     = regexp.MustCompile(`(?i)^enum\s*\((.*)\)$`)
	myZerofillRe = regexp.MustCompile(`(?i)\s+zerofill\b`)
)

// buildMySQL assembles catalog rows into a schema description.
func buildMySQL(name string, cols, cons, views querycache.Rows) *schema.Schema {
	out := schema.New(name, "mysql")

	var order []string
	fields := make(map[string]schema.Fields)
	isView := make(map[string]bool)
	for _, c := range cols {
		table := asString(c["table_name"])
		if _, ok := fields[table]; !ok {
			order = append(order, table)
		}
		isView[table] = asString(c["table_type"]) == "VIEW"
		f := myField(c)
		fields[table] = append(fields[table], &f)
	}

	keys := make(map[string]*schema.Key)
	for _, c := range cons {
		table := asString(c["table_name"])
		k := keys[table]
		if k == nil {
			k = &schema.Key{}
			keys[table] = k
		}
		column := asString(c["column_name"])
		switch asString(c["constraint_type"]) {
		case "PRIMARY KEY":
			k.PK = append(k.PK, column)
		case "UNIQUE":
			k.UK = append(k.UK, column)
		case "FOREIGN KEY":
			ref, refCol := asString(c["ref_table"]), asString(c["ref_column"])
			if ref == "" || refCol == "" {
				continue
			}
			if k.FK == nil {
				k.FK = make(map[string]schema.Ref)
			}
			k.FK[column] = schema.Ref{Table: ref, Column: refCol}
		}
	}

	definitions := make(map[string]string)
	for _, v := range views {
		definitions[asString(v["table_name"])] = asString(v["view_definition"])
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

// myField describes one INFORMATION_SCHEMA.COLUMNS row. COLUMN_TYPE carries
// the full declaration, including enum values and the unsigned flag.
func myField(c map[string]any) schema.Field {
	decl := strings.TrimSpace(asString(c["column_type"]))
	var f schema.Field
	if m := myEnumRe.FindStringSubmatch(decl); m != nil {
		f.Type = schema.TypeEnum
		for _, v := range enumValueRe.FindAllStringSubmatch(m[1], -1) {
			f.Enum = append(f.Enum, strings.ReplaceAll(v[1], "''", "'"))
		}
	} else {
		f = parseType(myZerofillRe.ReplaceAllString(decl, ""))
	}
	f.Name = asString(c["column_name"])
	f.Nullable = asString(c["is_nullable"]) == "YES"

	switch f.Type {
	case schema.TypeDecimal:
		if p := asInt(c["numeric_precision"]); p > 0 {
			f.Precision = int(p)
			f.Scale = int(asInt(c["numeric_scale"]))
		}
	case schema.TypeEnum:
	default:
		if n := asInt(c["char_length"]); n > 0 {
			f.Length = int(n)
		}
	}

	if strings.Contains(strings.ToLower(asString(c["extra"])), "auto_increment") {
		f.AutoIncrement = true
	} else {
		f.Default = unquoteDefault(c["column_default"])
	}
	return f
}
