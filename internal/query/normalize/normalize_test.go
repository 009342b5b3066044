package normalize

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSQL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "multiline statement",
			in: `SELECT
     col_a,
  col_b
FROM table
WHERE col_a = 1234
  AND (
    col_c > col_d
    OR col_c IS NULL
  );`,
			want: "SELECT col_a,col_b FROM table WHERE col_a=1234 AND(col_c>col_d OR col_c IS NULL);",
		},
		{
			name: "tabs and carriage returns",
			in:   "SELECT *\r\n\tFROM t_a\t\tWHERE id = 1",
			want: "SELECT*FROM t_a WHERE id=1",
		},
		{
			name: "string literal kept verbatim",
			in:   "SELECT * FROM t WHERE name = 'a  b ( c )'",
			want: "SELECT*FROM t WHERE name='a  b ( c )'",
		},
		{
			name: "comments removed",
			in:   "SELECT id -- trailing\nFROM t /* block */ WHERE id = 2",
			want: "SELECT id FROM t WHERE id=2",
		},
		{
			name: "postgres cast untouched",
			in:   "SELECT id::text FROM t",
			want: "SELECT id::text FROM t",
		},
		{
			name: "spaced cast compacted",
			in:   "SELECT id :: text FROM t WHERE n = $1 :: int",
			want: "SELECT id::text FROM t WHERE n=$1::int",
		},
		{
			name: "empty",
			in:   "   \n ",
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SQL(tc.in); got != tc.want {
				t.Errorf("SQL() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKeyFormattingInsensitive(t *testing.T) {
	variants := []string{
		"SELECT a, b FROM t_a WHERE a = 1",
		"SELECT a,b FROM t_a WHERE a=1",
		"SELECT\n  a ,\n  b\nFROM   t_a\nWHERE a\t=\t1",
		"  SELECT a , b FROM t_a WHERE a = 1  ",
	}
	want := Key(variants[0])
	if len(want) != 32 {
		t.Fatalf("key length = %d, want 32", len(want))
	}
	for _, v := range variants[1:] {
		if got := Key(v); got != want {
			t.Errorf("Key(%q) = %s, want %s", v, got, want)
		}
	}

	if Key("SELECT a FROM t_a") == Key("SELECT a FROM t_b") {
		t.Error("different statements must not share a key")
	}
}

func TestInline(t *testing.T) {
	sql := "SELECT * FROM t WHERE id = :p_id AND name = :p_name AND note = ':p_id' AND x = :missing"
	got := Inline(sql, Params{":p_id": 12, "p_name": "O'Brien"})
	want := "SELECT * FROM t WHERE id = '12' AND name = 'O''Brien' AND note = ':p_id' AND x = :missing"
	if got != want {
		t.Errorf("Inline() = %q, want %q", got, want)
	}

	if KeyWithParams("SELECT * FROM t WHERE id = :id", Params{"id": 1}) ==
		KeyWithParams("SELECT * FROM t WHERE id = :id", Params{"id": 2}) {
		t.Error("different parameter values must produce different keys")
	}
	if KeyWithParams("SELECT * FROM t WHERE id = :id", Params{"id": 7}) !=
		KeyWithParams("SELECT *\nFROM t\nWHERE id=:id", Params{"id": "7"}) {
		t.Error("formatting and scalar representation must not change the key")
	}
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, "NULL"},
		{"x", "'x'"},
		{[]byte("it's"), "'it''s'"},
		{int64(5), "'5'"},
		{1.5, "'1.5'"},
		{true, "'true'"},
	}
	for _, tc := range tests {
		if got := Literal(tc.in); got != tc.want {
			t.Errorf("Literal(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBind(t *testing.T) {
	sql := "SELECT * FROM t WHERE a = :p_a OR b = :p_a AND c = ':p_c' AND d = :p_d"
	params := Params{":p_a": 1, "p_d": "x"}

	t.Run("question", func(t *testing.T) {
		got, args, err := Bind(sql, params, Question)
		if err != nil {
			t.Fatalf("Bind: %v", err)
		}
		want := "SELECT * FROM t WHERE a = ? OR b = ? AND c = ':p_c' AND d = ?"
		if got != want {
			t.Errorf("sql = %q, want %q", got, want)
		}
		if diff := cmp.Diff([]any{1, 1, "x"}, args); diff != "" {
			t.Errorf("args mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("dollar", func(t *testing.T) {
		got, args, err := Bind(sql, params, Dollar)
		if err != nil {
			t.Fatalf("Bind: %v", err)
		}
		want := "SELECT * FROM t WHERE a = $1 OR b = $1 AND c = ':p_c' AND d = $2"
		if got != want {
			t.Errorf("sql = %q, want %q", got, want)
		}
		if diff := cmp.Diff([]any{1, "x"}, args); diff != "" {
			t.Errorf("args mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, _, err := Bind("SELECT :nope", nil, Question)
		if !errors.Is(err, ErrMissingParam) {
			t.Fatalf("err = %v, want ErrMissingParam", err)
		}
	})
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("UPDATE t SET a = :a, b = :b WHERE a = :a -- :c")
	if diff := cmp.Diff([]string{":a", ":b"}, got); diff != "" {
		t.Errorf("Placeholders mismatch (-want +got):\n%s", diff)
	}
}

func TestIsSelect(t *testing.T) {
	tests := map[string]bool{
		"SELECT 1":                             true,
		"  select * from t":                    true,
		"-- note\n(SELECT 1) UNION SELECT 2":   true,
		"WITH x AS (SELECT 1) SELECT * FROM x": true,
		"INSERT INTO t VALUES (1)":             false,
		"":                                     false,
	}
	for sql, want := range tests {
		if got := IsSelect(sql); got != want {
			t.Errorf("IsSelect(%q) = %v, want %v", sql, got, want)
		}
	}
}

func TestComments(t *testing.T) {
	got := Comments("-- @cache tables=t_a\nSELECT 1 /* one\n * @nocache\n */")
	want := []string{"@cache tables=t_a", "one", "@nocache", ""}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Comments mismatch (-want +got):\n%s", diff)
	}
}

func TestCode(t *testing.T) {
	got := Code("SELECT * FROM t_a WHERE note = 'from t_b join t_c' -- FROM t_d")
	want := "SELECT*FROM t_a WHERE note=''"
	if got != want {
		t.Errorf("Code() = %q, want %q", got, want)
	}
}
