package tables

import (
	"slices"
	"strings"

	"github.com/electwix/dbrm/internal/query/normalize"
)

// ExtractWrites returns the tables a data-modifying statement targets:
// INSERT [IGNORE] INTO, REPLACE INTO, UPDATE [ONLY], DELETE FROM,
// TRUNCATE [TABLE] and MERGE INTO. Tables only read by the statement are not
// included; use Extract for those.
func ExtractWrites(sql string) []string {
	toks := tokenRe.FindAllString(normalize.Code(sql), -1)
	seen := make(map[string]struct{})
	var out []string

	for i := 0; i < len(toks); i++ {
		j, ok := writeTarget(toks, i)
		if !ok || j >= len(toks) {
			continue
		}
		name := unqualify(toks[j])
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// writeTarget reports the index of the target table token if toks[i] starts a
// write clause.
func writeTarget(toks []string, i int) (int, bool) {
	word := strings.ToUpper(toks[i])
	next := func(k int) string {
		if k < len(toks) {
			return strings.ToUpper(toks[k])
		}
		return ""
	}
	skip := func(k int, optional ...string) int {
		for k < len(toks) && slices.Contains(optional, strings.ToUpper(toks[k])) {
			k++
		}
		return k
	}

	switch word {
	case "INSERT", "REPLACE":
		k := skip(i+1, "IGNORE", "LOW_PRIORITY", "DELAYED", "HIGH_PRIORITY", "OR")
		if word == "INSERT" && next(k) != "INTO" {
			// INSERT OR REPLACE / OR IGNORE (SQLite)
			k = skip(k, "REPLACE", "IGNORE", "ABORT", "FAIL", "ROLLBACK")
		}
		if next(k) != "INTO" {
			return 0, false
		}
		return k + 1, true
	case "UPDATE":
		if i > 0 && (strings.EqualFold(toks[i-1], "FOR") || strings.EqualFold(toks[i-1], "DO") ||
			strings.EqualFold(toks[i-1], "ON")) {
			// SELECT ... FOR UPDATE, ON CONFLICT DO UPDATE, ON UPDATE CASCADE
			return 0, false
		}
		return skip(i+1, "ONLY", "LOW_PRIORITY", "IGNORE", "OR", "REPLACE", "ROLLBACK", "ABORT", "FAIL"), true
	case "DELETE":
		if i > 0 && strings.EqualFold(toks[i-1], "ON") {
			return 0, false
		}
		k := skip(i+1, "LOW_PRIORITY", "QUICK", "IGNORE")
		if next(k) != "FROM" {
			return 0, false
		}
		return skip(k+1, "ONLY"), true
	case "TRUNCATE":
		return skip(i+1, "TABLE", "ONLY"), true
	case "MERGE":
		if next(i+1) != "INTO" {
			return 0, false
		}
		return i + 2, true
	}
	return 0, false
}
