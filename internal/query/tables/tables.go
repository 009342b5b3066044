// Package tables discovers which tables and views a SQL statement reads from
// or writes to. It is a best-effort scanner, not a parser: it looks for FROM
// and JOIN clauses and takes the first identifier of every comma-separated
// item, so deeply nested or unusual constructs may be approximated.
package tables

import (
	"regexp"
	"slices"
	"strings"

	"github.com/electwix/dbrm/internal/query/normalize"
)

// Result describes the outcome of scanning one statement.
type Result struct {
	// Tables holds the distinct table or view names, sorted.
	Tables []string
	// Ambiguous holds the clause fragments from which no name could be read.
	Ambiguous []string
}

// tokenRe splits compacted SQL into parentheses, commas, semicolons,
// operators and words. Compaction drops the spaces around operators, so an
// operator always ends a word: SELECT*FROM is three tokens.
// A word may contain quoted parts so that "my schema"."my table" stays whole.
var tokenRe = regexp.MustCompile("\\(|\\)|,|;|[*=+<>/%!|&^~-]|(?:\"[^\"]*\"|`[^`]*`|\\[[^\\]]*\\]|[^\\s(),;\"`\\[*=+<>/%!|&^~-])+")

// spanEnd lists the keywords that close a FROM or JOIN span.
var spanEnd = map[string]struct{}{
	"ON": {}, "CROSS": {}, "LEFT": {}, "RIGHT": {}, "INNER": {}, "OUTER": {},
	"NATURAL": {}, "FULL": {}, "JOIN": {}, "USING": {}, "GROUP": {}, "HAVING": {},
	"WHERE": {}, "ORDER": {}, "LIMIT": {}, "UNION": {}, "INTERSECT": {},
	"EXCEPT": {}, "WINDOW": {}, "OFFSET": {}, "FETCH": {}, "FOR": {},
	"RETURNING": {}, "STRAIGHT_JOIN": {},
}

// prefixWords may precede the table name inside a span.
var prefixWords = map[string]struct{}{
	"LATERAL": {}, "ONLY": {},
}

// notTables are words that can appear where a table is expected but never
// name one.
var notTables = map[string]struct{}{
	"SELECT": {}, "VALUES": {}, "DUAL": {}, "WITH": {},
}

// keywordFunctions take a FROM keyword inside their argument list.
var keywordFunctions = map[string]struct{}{
	"EXTRACT": {}, "SUBSTRING": {}, "SUBSTR": {}, "TRIM": {}, "OVERLAY": {},
}

// Extract returns the distinct set of tables and views referenced after FROM
// and JOIN keywords, without aliases or schema qualifiers.
func Extract(sql string) []string {
	return ExtractDetailed(sql).Tables
}

// ExtractDetailed is Extract that also reports fragments it could not read.
func ExtractDetailed(sql string) Result {
	toks := tokenRe.FindAllString(normalize.Code(sql), -1)

	var (
		res    Result
		seen   = make(map[string]struct{})
		opener []string // word preceding each open parenthesis
	)
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		res.Tables = append(res.Tables, name)
	}

	for i, tok := range toks {
		switch tok {
		case "(":
			prev := ""
			if i > 0 {
				prev = strings.ToUpper(toks[i-1])
			}
			opener = append(opener, prev)
			continue
		case ")":
			if len(opener) > 0 {
				opener = opener[:len(opener)-1]
			}
			continue
		}

		word := strings.ToUpper(tok)
		if word != "FROM" && word != "JOIN" && word != "STRAIGHT_JOIN" {
			continue
		}
		if word == "FROM" && len(opener) > 0 {
			if _, ok := keywordFunctions[opener[len(opener)-1]]; ok {
				continue
			}
		}
		names, ambiguous := scanSpan(toks[i+1:])
		for _, n := range names {
			add(n)
		}
		res.Ambiguous = append(res.Ambiguous, ambiguous...)
	}

	slices.Sort(res.Tables)
	return res
}

// scanSpan reads the items of one FROM or JOIN span. Parenthesized groups are
// skipped: their own FROM keywords are scanned separately by the caller.
func scanSpan(toks []string) (names, ambiguous []string) {
	depth := 0
	expectName := true
	var fragment []string

	flush := func() {
		if expectName {
			ambiguous = append(ambiguous, strings.Join(fragment, " "))
		}
		fragment = fragment[:0]
	}

loop:
	for j := 0; j < len(toks); j++ {
		tok := toks[j]
		if depth == 0 {
			if _, ok := spanEnd[strings.ToUpper(tok)]; ok {
				break
			}
		}
		switch tok {
		case "(":
			if depth == 0 && expectName {
				// derived table or sub-select
				expectName = false
			}
			depth++
			continue
		case ")":
			if depth == 0 {
				break loop
			}
			depth--
			continue
		case ";":
			if depth == 0 {
				break loop
			}
			continue
		case ",":
			if depth == 0 {
				flush()
				expectName = true
			}
			continue
		}
		if depth > 0 {
			continue
		}
		fragment = append(fragment, tok)
		if !expectName {
			continue
		}
		upper := strings.ToUpper(tok)
		if _, ok := prefixWords[upper]; ok {
			continue
		}
		expectName = false
		if _, ok := notTables[upper]; ok {
			continue
		}
		if j+1 < len(toks) && toks[j+1] == "(" {
			// table-valued function call
			continue
		}
		if name := unqualify(tok); name != "" {
			names = append(names, name)
		} else {
			expectName = true
		}
	}
	flush()
	return names, ambiguous
}

// unqualify strips the schema qualifier and identifier quoting from a name.
func unqualify(tok string) string {
	last := 0
	var quote byte
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '`':
			quote = c
		case c == '[':
			quote = ']'
		case c == '.':
			last = i + 1
		}
	}
	return unquote(tok[last:])
}

func unquote(name string) string {
	if len(name) >= 2 {
		switch {
		case name[0] == '"' && name[len(name)-1] == '"':
			return strings.ReplaceAll(name[1:len(name)-1], `""`, `"`)
		case name[0] == '`' && name[len(name)-1] == '`':
			return name[1 : len(name)-1]
		case name[0] == '[' && name[len(name)-1] == ']':
			return name[1 : len(name)-1]
		}
	}
	if !isIdentifier(name) {
		return ""
	}
	return name
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r == '$' && i > 0, r >= '0' && r <= '9' && i > 0:
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r > 0x7f:
		default:
			return false
		}
	}
	return true
}
