// Package introspect reads a live database catalog and produces its static
// schema description.
package introspect

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/electwix/dbrm/internal/query/normalize"
	"github.com/electwix/dbrm/internal/querycache"
	"github.com/electwix/dbrm/internal/schema"
)

// Introspector describes one schema of a database.
type Introspector interface {
	Introspect(ctx context.Context, name string) (*schema.Schema, error)
}

// Querier runs catalog queries.
type Querier interface {
	Query(ctx context.Context, sql string, params normalize.Params) (querycache.Rows, error)
}

var typeRe = regexp.MustCompile(`(?i)^\s*([A-Za-z][A-Za-z0-9 _]*?)\s*(?:\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\))?\s*(UNSIGNED)?\s*$`)

// typeAliases maps declared type names to the canonical schema types.
var typeAliases = map[string]string{
	"INTEGER":                     schema.TypeInteger,
	"INT":                         schema.TypeInteger,
	"INT4":                        schema.TypeInteger,
	"SERIAL":                      schema.TypeInteger,
	"BIGINT":                      schema.TypeBigint,
	"INT8":                        schema.TypeBigint,
	"BIGSERIAL":                   schema.TypeBigint,
	"SMALLINT":                    schema.TypeSmallint,
	"INT2":                        schema.TypeSmallint,
	"TINYINT":                     schema.TypeTinyint,
	"MEDIUMINT":                   schema.TypeMediumint,
	"VARCHAR":                     schema.TypeVarchar,
	"CHARACTER VARYING":           schema.TypeVarchar,
	"NVARCHAR":                    schema.TypeVarchar,
	"VARBINARY":                   schema.TypeVarbinary,
	"CHAR":                        schema.TypeChar,
	"CHARACTER":                   schema.TypeChar,
	"BPCHAR":                      schema.TypeChar,
	"TEXT":                        schema.TypeText,
	"CLOB":                        schema.TypeText,
	"TINYTEXT":                    schema.TypeTinytext,
	"MEDIUMTEXT":                  schema.TypeMediumtext,
	"LONGTEXT":                    schema.TypeLongtext,
	"DECIMAL":                     schema.TypeDecimal,
	"NUMERIC":                     schema.TypeDecimal,
	"REAL":                        schema.TypeFloat,
	"FLOAT":                       schema.TypeFloat,
	"FLOAT4":                      schema.TypeFloat,
	"DOUBLE":                      schema.TypeDouble,
	"DOUBLE PRECISION":            schema.TypeDouble,
	"FLOAT8":                      schema.TypeDouble,
	"BOOLEAN":                     schema.TypeBoolean,
	"BOOL":                        schema.TypeBoolean,
	"BIT":                         schema.TypeBit,
	"DATE":                        schema.TypeDate,
	"TIME":                        schema.TypeTime,
	"TIME WITHOUT TIME ZONE":      schema.TypeTime,
	"DATETIME":                    schema.TypeDatetime,
	"TIMESTAMP WITHOUT TIME ZONE": schema.TypeDatetime,
	"TIMESTAMP":                   schema.TypeTimestamp,
	"TIMESTAMPTZ":                 schema.TypeTimestamp,
	"TIMESTAMP WITH TIME ZONE":    schema.TypeTimestamp,
	"BLOB":                        schema.TypeBlob,
	"BYTEA":                       schema.TypeBlob,
	"LONGBLOB":                    schema.TypeLongblob,
}

// parseType splits a declared column type such as "VARCHAR(120)" or
// "DECIMAL(10,2)" into a field description. Unknown types are kept verbatim
// in upper case.
func parseType(decl string) schema.Field {
	var f schema.Field
	m := typeRe.FindStringSubmatch(decl)
	if m == nil {
		f.Type = strings.ToUpper(strings.TrimSpace(decl))
		return f
	}
	name := strings.ToUpper(strings.Join(strings.Fields(m[1]), " "))
	if canon, ok := typeAliases[name]; ok {
		f.Type = canon
	} else {
		f.Type = name
	}
	first, _ := strconv.Atoi(m[2])
	second, _ := strconv.Atoi(m[3])
	switch f.Type {
	case schema.TypeDecimal, schema.TypeFloat, schema.TypeDouble:
		f.Precision, f.Scale = first, second
	default:
		f.Length = first
	}
	f.Unsigned = m[4] != ""
	return f
}

// unquoteDefault strips SQL quoting from a column default. It returns nil for
// NULL or empty defaults.
func unquoteDefault(raw any) *string {
	if raw == nil {
		return nil
	}
	s := strings.TrimSpace(asString(raw))
	if s == "" || strings.EqualFold(s, "NULL") {
		return nil
	}
	// PostgreSQL appends a cast: 'active'::status
	if i := strings.LastIndex(s, "'::"); i > 0 && strings.HasPrefix(s, "'") {
		s = s[:i+1]
	}
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return &s
}

// place files a finished table under tables or relations depending on the
// width of its primary key.
func place(s *schema.Schema, name string, t *schema.Table) {
	if len(t.Key.PK) > 1 {
		s.Relations[name] = t
		return
	}
	s.Tables[name] = t
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func asInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case float64:
		return int64(val)
	case bool:
		if val {
			return 1
		}
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	}
	return 0
}
