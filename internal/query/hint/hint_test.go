package hint

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want Hint
	}{
		{
			name: "no comments",
			sql:  "SELECT * FROM users",
			want: Hint{},
		},
		{
			name: "nocache line comment",
			sql:  "-- @nocache\nSELECT * FROM users",
			want: Hint{NoCache: true},
		},
		{
			name: "nocache block comment",
			sql:  "SELECT /* @nocache */ * FROM users",
			want: Hint{NoCache: true},
		},
		{
			name: "ttl seconds",
			sql:  "-- @cache ttl=30s\nSELECT 1",
			want: Hint{TTL: 30 * time.Second, HasTTL: true},
		},
		{
			name: "ttl without unit",
			sql:  "-- @cache ttl=90\nSELECT 1",
			want: Hint{TTL: 90 * time.Second, HasTTL: true},
		},
		{
			name: "ttl days",
			sql:  "-- @cache ttl=7d\nSELECT 1",
			want: Hint{TTL: 7 * 24 * time.Hour, HasTTL: true},
		},
		{
			name: "never expires",
			sql:  "-- @cache ttl=0\nSELECT 1",
			want: Hint{HasTTL: true},
		},
		{
			name: "extra tables",
			sql:  "-- @cache tables=users, orders\nSELECT report()",
			want: Hint{Tables: []string{"users"}},
		},
		{
			name: "ttl and tables",
			sql: `/*
 * @cache ttl=5m tables=users,orders
 */
SELECT report()`,
			want: Hint{TTL: 5 * time.Minute, HasTTL: true, Tables: []string{"users", "orders"}},
		},
		{
			name: "directive inside string ignored",
			sql:  "SELECT '-- @nocache' FROM t",
			want: Hint{},
		},
		{
			name: "unrelated annotation",
			sql:  "-- @param id: uuid\nSELECT 1",
			want: Hint{},
		},
		{
			name: "cache prefix must be a whole word",
			sql:  "-- @cached\nSELECT 1",
			want: Hint{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.sql)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseLinesAccumulates(t *testing.T) {
	got := ParseLines([]string{
		"@cache ttl=1m tables=a",
		"plain text",
		"@cache ttl=2h tables=b",
	})
	want := Hint{TTL: 2 * time.Hour, HasTTL: true, Tables: []string{"a", "b"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseLines() mismatch (-want +got):\n%s", diff)
	}
}
