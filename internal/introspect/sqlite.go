package introspect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/electwix/dbrm/internal/query/normalize"
	"github.com/electwix/dbrm/internal/query/tables"
	"github.com/electwix/dbrm/internal/schema"
)

// SQLite introspects a SQLite database through its catalog pragmas.
type SQLite struct {
	q Querier
}

// NewSQLite returns an introspector running its queries on q.
func NewSQLite(q Querier) *SQLite {
	return &SQLite{q: q}
}

var (
	checkInRe   = regexp.MustCompile(`(?is)CHECK\s*\(\s*["` + "`" + `\[]?(\w+)["` + "`" + `\]]?\s+IN\s*\(([^)]*)\)\s*\)`)
	enumValueRe = regexp.MustCompile(`'((?:[^']|'')*)'`)
)

// Introspect implements Introspector. SQLite has a single schema per file,
// so name only labels the result.
func (s *SQLite) Introspect(ctx context.Context, name string) (*schema.Schema, error) {
	objects, err := s.q.Query(ctx, `SELECT name, type, sql FROM sqlite_master
WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
ORDER BY name`, nil)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	out := schema.New(name, "sqlite")
	for _, obj := range objects {
		objName := asString(obj["name"])
		ddl := asString(obj["sql"])

		fields, pk, err := s.columns(ctx, objName, ddl)
		if err != nil {
			return nil, err
		}

		if asString(obj["type"]) == "view" {
			out.Views[objName] = &schema.View{
				Fields: fields,
				Tables: tables.Extract(ddl),
			}
			continue
		}

		t := &schema.Table{Fields: fields, Key: schema.Key{PK: pk}}
		if t.Key.FK, err = s.foreignKeys(ctx, objName); err != nil {
			return nil, err
		}
		if t.Key.UK, err = s.uniqueColumns(ctx, objName); err != nil {
			return nil, err
		}
		place(out, objName, t)
	}
	return out, nil
}

func (s *SQLite) columns(ctx context.Context, table, ddl string) (schema.Fields, []string, error) {
	rows, err := s.q.Query(ctx, `SELECT name, type, "notnull" AS not_null, dflt_value, pk
FROM pragma_table_info(:table) ORDER BY cid`, normalize.Params{"table": table})
	if err != nil {
		return nil, nil, fmt.Errorf("columns of %s: %w", table, err)
	}

	enums := checkEnums(ddl)
	var (
		fields schema.Fields
		pk     []string
		pkPos  []int64
	)
	for _, r := range rows {
		f := parseType(asString(r["type"]))
		f.Name = asString(r["name"])
		f.Nullable = asInt(r["not_null"]) == 0
		f.Default = unquoteDefault(r["dflt_value"])
		if vals, ok := enums[strings.ToLower(f.Name)]; ok {
			f.Type = schema.TypeEnum
			f.Enum = vals
		}
		if pos := asInt(r["pk"]); pos > 0 {
			pk = append(pk, f.Name)
			pkPos = append(pkPos, pos)
			f.Nullable = false
		}
		fields = append(fields, &f)
	}
	pk = orderByPosition(pk, pkPos)

	// A single INTEGER primary key aliases the rowid and is generated.
	if len(pk) == 1 {
		for _, f := range fields {
			if f.Name == pk[0] && f.Type == schema.TypeInteger {
				f.AutoIncrement = true
			}
		}
	}
	return fields, pk, nil
}

func (s *SQLite) foreignKeys(ctx context.Context, table string) (map[string]schema.Ref, error) {
	rows, err := s.q.Query(ctx, `SELECT "from" AS col, "table" AS ref_table, "to" AS ref_col
FROM pragma_foreign_key_list(:table) ORDER BY id, seq`, normalize.Params{"table": table})
	if err != nil {
		return nil, fmt.Errorf("foreign keys of %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	fk := make(map[string]schema.Ref, len(rows))
	for _, r := range rows {
		fk[asString(r["col"])] = schema.Ref{Table: asString(r["ref_table"]), Column: asString(r["ref_col"])}
	}
	return fk, nil
}

// uniqueColumns lists columns carrying a single-column UNIQUE constraint.
func (s *SQLite) uniqueColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.q.Query(ctx, `SELECT ii.name AS col
FROM pragma_index_list(:table) il, pragma_index_info(il.name) ii
WHERE il."unique" = 1 AND il.origin = 'u'
  AND (SELECT count(*) FROM pragma_index_info(il.name)) = 1
ORDER BY ii.name`, normalize.Params{"table": table})
	if err != nil {
		return nil, fmt.Errorf("unique keys of %s: %w", table, err)
	}
	var out []string
	for _, r := range rows {
		out = append(out, asString(r["col"]))
	}
	return out, nil
}

// checkEnums finds CHECK (col IN ('a', 'b')) constraints in a CREATE TABLE
// statement, keyed by lower-cased column name.
func checkEnums(ddl string) map[string][]string {
	out := make(map[string][]string)
	for _, m := range checkInRe.FindAllStringSubmatch(ddl, -1) {
		var vals []string
		for _, v := range enumValueRe.FindAllStringSubmatch(m[2], -1) {
			vals = append(vals, strings.ReplaceAll(v[1], "''", "'"))
		}
		if len(vals) > 0 {
			out[strings.ToLower(m[1])] = vals
		}
	}
	return out
}

func orderByPosition(names []string, pos []int64) []string {
	out := make([]string, len(names))
	copy(out, names)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && pos[j] < pos[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
			pos[j], pos[j-1] = pos[j-1], pos[j]
		}
	}
	return out
}
