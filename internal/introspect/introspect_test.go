package introspect

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/electwix/dbrm/internal/schema"
)

func strPtr(s string) *string { return &s }

func TestParseType(t *testing.T) {
	tests := []struct {
		decl string
		want schema.Field
	}{
		{"VARCHAR(120)", schema.Field{Type: schema.TypeVarchar, Length: 120}},
		{"varchar ( 12 )", schema.Field{Type: schema.TypeVarchar, Length: 12}},
		{"DECIMAL(10,2)", schema.Field{Type: schema.TypeDecimal, Precision: 10, Scale: 2}},
		{"numeric", schema.Field{Type: schema.TypeDecimal}},
		{"int(10) unsigned", schema.Field{Type: schema.TypeInteger, Length: 10, Unsigned: true}},
		{"INTEGER", schema.Field{Type: schema.TypeInteger}},
		{"character varying", schema.Field{Type: schema.TypeVarchar}},
		{"timestamp with time zone", schema.Field{Type: schema.TypeTimestamp}},
		{"bytea", schema.Field{Type: schema.TypeBlob}},
		{"geometry", schema.Field{Type: "GEOMETRY"}},
		{"enum('a','b')", schema.Field{Type: "ENUM('A','B')"}},
	}
	for _, tt := range tests {
		t.Run(tt.decl, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, parseType(tt.decl)); diff != "" {
				t.Errorf("parseType(%q) mismatch (-want +got):\n%s", tt.decl, diff)
			}
		})
	}
}

func TestUnquoteDefault(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want *string
	}{
		{"nil", nil, nil},
		{"null", "NULL", nil},
		{"empty", "", nil},
		{"quoted", "'active'", strPtr("active")},
		{"escaped quote", "'it''s'", strPtr("it's")},
		{"postgres cast", "'active'::user_status", strPtr("active")},
		{"number", int64(0), strPtr("0")},
		{"expression", "CURRENT_TIMESTAMP", strPtr("CURRENT_TIMESTAMP")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, unquoteDefault(tt.raw)); diff != "" {
				t.Errorf("unquoteDefault(%v) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}

func TestCheckEnums(t *testing.T) {
	ddl := `CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('active', 'banned')),
		"kind" TEXT CHECK ("kind" IN ('a','b''c'))
	)`
	want := map[string][]string{
		"status": {"active", "banned"},
		"kind":   {"a", "b'c"},
	}
	if diff := cmp.Diff(want, checkEnums(ddl)); diff != "" {
		t.Errorf("checkEnums mismatch (-want +got):\n%s", diff)
	}
}

func TestPlaceRelations(t *testing.T) {
	s := schema.New("app", "sqlite")
	place(s, "users", &schema.Table{Key: schema.Key{PK: []string{"id"}}})
	place(s, "memberships", &schema.Table{Key: schema.Key{PK: []string{"user_id", "team_id"}}})
	if _, ok := s.Tables["users"]; !ok {
		t.Error("users should be a table")
	}
	if _, ok := s.Relations["memberships"]; !ok {
		t.Error("memberships should be a relation")
	}
}
