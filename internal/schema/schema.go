// Package schema models the static description of a database: its tables,
// relations (tables whose primary key spans several columns), views, keys and
// column types. The description is generated by introspection and stored as
// YAML, one document per schema.
package schema

import (
	"slices"
	"strings"
)

// Column types recognised by the row mapper.
const (
	TypeVarchar    = "VARCHAR"
	TypeVarbinary  = "VARBINARY"
	TypeChar       = "CHAR"
	TypeEnum       = "ENUM"
	TypeBigint     = "BIGINT"
	TypeInteger    = "INT"
	TypeMediumint  = "MEDIUMINT"
	TypeTinyint    = "TINYINT"
	TypeSmallint   = "SMALLINT"
	TypeDecimal    = "DECIMAL"
	TypeFloat      = "FLOAT"
	TypeDouble     = "DOUBLE"
	TypeDate       = "DATE"
	TypeTime       = "TIME"
	TypeDatetime   = "DATETIME"
	TypeTimestamp  = "TIMESTAMP"
	TypeBit        = "BIT"
	TypeBoolean    = "BOOLEAN"
	TypeBlob       = "BLOB"
	TypeLongblob   = "LONGBLOB"
	TypeText       = "TEXT"
	TypeLongtext   = "LONGTEXT"
	TypeMediumtext = "MEDIUMTEXT"
	TypeTinytext   = "TINYTEXT"
)

// Schema describes one database schema.
type Schema struct {
	Info      Info              `yaml:"schema"`
	Tables    map[string]*Table `yaml:"tables"`
	Relations map[string]*Table `yaml:"relations,omitempty"`
	Views     map[string]*View  `yaml:"views,omitempty"`
}

// Info identifies the schema and the engine it was read from.
type Info struct {
	Name   string `yaml:"name"`
	Engine string `yaml:"engine"`
}

// Table describes a table or relation.
type Table struct {
	Fields Fields `yaml:"fields"`
	Key    Key    `yaml:"key"`
}

// View describes a view and the tables it reads.
type View struct {
	Fields Fields   `yaml:"fields,omitempty"`
	Tables []string `yaml:"tables"`
}

// Key lists the primary, unique and foreign keys of a table.
type Key struct {
	PK []string       `yaml:"pk,omitempty"`
	UK []string       `yaml:"uk,omitempty"`
	FK map[string]Ref `yaml:"fk,omitempty"`
}

// Ref is the target of a foreign key column.
type Ref struct {
	Table  string `yaml:"table"`
	Column string `yaml:"column"`
}

// Field describes one column.
type Field struct {
	Name          string   `yaml:"-"`
	Type          string   `yaml:"type"`
	Length        int      `yaml:"length,omitempty"`
	Precision     int      `yaml:"precision,omitempty"`
	Scale         int      `yaml:"scale,omitempty"`
	Unsigned      bool     `yaml:"unsigned,omitempty"`
	Nullable      bool     `yaml:"nullable"`
	Default       *string  `yaml:"default,omitempty"`
	Enum          []string `yaml:"enum,omitempty"`
	AutoIncrement bool     `yaml:"auto_increment,omitempty"`
	Sequence      string   `yaml:"sequence,omitempty"`
}

// New returns an empty schema with initialized maps.
func New(name, engine string) *Schema {
	return &Schema{
		Info:      Info{Name: name, Engine: engine},
		Tables:    make(map[string]*Table),
		Relations: make(map[string]*Table),
		Views:     make(map[string]*View),
	}
}

// Lookup finds a table or relation by name, ignoring case.
func (s *Schema) Lookup(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	for _, m := range []map[string]*Table{s.Tables, s.Relations} {
		if t, ok := m[name]; ok {
			return t, true
		}
		for n, t := range m {
			if strings.EqualFold(n, name) {
				return t, true
			}
		}
	}
	return nil, false
}

// View finds a view by name, ignoring case.
func (s *Schema) View(name string) (*View, bool) {
	if s == nil {
		return nil, false
	}
	if v, ok := s.Views[name]; ok {
		return v, true
	}
	for n, v := range s.Views {
		if strings.EqualFold(n, name) {
			return v, true
		}
	}
	return nil, false
}

// ViewAliases maps each view name to the tables it reads directly.
func (s *Schema) ViewAliases() map[string][]string {
	if s == nil {
		return nil
	}
	out := make(map[string][]string, len(s.Views))
	for name, v := range s.Views {
		out[name] = slices.Clone(v.Tables)
	}
	return out
}

// Merge combines several schemas into one lookup space. Later schemas win
// on name clashes. The result is named after the first schema.
func Merge(schemas ...*Schema) *Schema {
	if len(schemas) == 0 {
		return New("", "")
	}
	out := New(schemas[0].Info.Name, schemas[0].Info.Engine)
	for _, s := range schemas {
		for n, t := range s.Tables {
			out.Tables[n] = t
		}
		for n, t := range s.Relations {
			out.Relations[n] = t
		}
		for n, v := range s.Views {
			out.Views[n] = v
		}
	}
	return out
}

// Upsert replaces the schema with the same name in list, or appends s.
func Upsert(list []*Schema, s *Schema) []*Schema {
	for i, existing := range list {
		if existing.Info.Name == s.Info.Name {
			out := slices.Clone(list)
			out[i] = s
			return out
		}
	}
	return append(slices.Clone(list), s)
}

// Field returns the column named col.
func (t *Table) Field(col string) (*Field, bool) {
	for _, f := range t.Fields {
		if f.Name == col {
			return f, true
		}
	}
	for _, f := range t.Fields {
		if strings.EqualFold(f.Name, col) {
			return f, true
		}
	}
	return nil, false
}

// IsPrimaryKey reports whether col is part of the primary key.
func (t *Table) IsPrimaryKey(col string) bool {
	return slices.ContainsFunc(t.Key.PK, func(pk string) bool { return strings.EqualFold(pk, col) })
}

// IsInteger reports whether the column holds whole numbers.
func (f *Field) IsInteger() bool {
	switch f.Type {
	case TypeBigint, TypeInteger, TypeMediumint, TypeTinyint, TypeSmallint:
		return true
	}
	return false
}
