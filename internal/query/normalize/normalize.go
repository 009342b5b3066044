// Package normalize canonicalizes SQL text for cache keying and rewrites named
// parameters for execution.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/electwix/dbrm/internal/cache"
)

// Params holds named statement parameters. Keys may be written with or without
// the leading colon used in the statement text.
type Params map[string]any

// lookup resolves a placeholder such as ":p_id" against the parameter map.
func (p Params) lookup(placeholder string) (any, bool) {
	if v, ok := p[placeholder]; ok {
		return v, true
	}
	v, ok := p[strings.TrimPrefix(placeholder, ":")]
	return v, ok
}

// SQL compacts a statement so that formatting-equivalent statements compare
// equal: control characters and whitespace runs collapse to a single space,
// whitespace around ( ) , / * = + < > ; is dropped, comments are removed and
// quoted literals are kept verbatim.
func SQL(sql string) string {
	return compact(sql, false)
}

// Code is SQL with every string literal blanked to '' so that literal text
// can never be mistaken for keywords or identifiers.
func Code(sql string) string {
	return compact(sql, true)
}

func compact(sql string, blankStrings bool) string {
	tokens, err := tokenize(sql)
	if err != nil {
		return fallback(sql)
	}

	var b strings.Builder
	b.Grow(len(sql))
	pendingSpace := false
	prevPunct := true // suppress a leading space
	for _, tok := range tokens {
		if isSpace(tok) {
			pendingSpace = true
			continue
		}
		punct := tok.Type == tokPunct || tok.Type == tokCast
		if pendingSpace && !prevPunct && !punct {
			b.WriteByte(' ')
		}
		if blankStrings && tok.Type == tokString {
			b.WriteString("''")
		} else {
			b.WriteString(tok.Value)
		}
		pendingSpace = false
		prevPunct = punct
	}
	return b.String()
}

var (
	controlRe = regexp.MustCompile(`[\r\n\t]+`)
	spaceRe   = regexp.MustCompile(`\s+`)
	punctRe   = regexp.MustCompile(`\s*(::|[(),/*=+<>;])\s*`)
)

// fallback is the regular-expression rendition used when tokenizing fails.
func fallback(sql string) string {
	s := controlRe.ReplaceAllString(sql, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	s = punctRe.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// Key derives the cache key for a statement: the 128-bit hash of its
// normalized text.
func Key(sql string) string {
	return cache.ComputeKey([]byte(SQL(sql)))
}

// KeyWithParams derives the cache key of a parameterized statement, inlining
// the parameter values as literals before hashing.
func KeyWithParams(sql string, params Params) string {
	return Key(Inline(sql, params))
}

// Inline substitutes each :name placeholder found outside string literals
// with the quoted literal form of its value. The result is only meant for
// keying and logging; statements are always executed with bound parameters.
// Placeholders without a value are left untouched.
func Inline(sql string, params Params) string {
	if len(params) == 0 {
		return sql
	}
	tokens, err := tokenize(sql)
	if err != nil {
		return sql
	}
	var b strings.Builder
	b.Grow(len(sql))
	for _, tok := range tokens {
		if tok.Type == tokParam {
			if v, ok := params.lookup(tok.Value); ok {
				b.WriteString(Literal(v))
				continue
			}
		}
		b.WriteString(tok.Value)
	}
	return b.String()
}

// Literal renders a value as a quoted SQL literal. Every value except nil is
// quoted, so 1 and "1" produce the same literal.
func Literal(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		s = val
	case []byte:
		s = string(val)
	case time.Time:
		s = val.Format(time.RFC3339Nano)
	case bool:
		s = strconv.FormatBool(val)
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprint(val)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// PlaceholderStyle selects how Bind renders positional placeholders.
type PlaceholderStyle int

const (
	// Question renders "?" placeholders (SQLite, MySQL).
	Question PlaceholderStyle = iota
	// Dollar renders "$1", "$2", ... placeholders (PostgreSQL).
	Dollar
)

// ErrMissingParam is returned by Bind when a placeholder has no value.
var ErrMissingParam = errors.New("normalize: missing parameter")

// Bind rewrites :name placeholders into driver placeholders and returns the
// positional arguments in order. With Dollar style a repeated name reuses its
// first position.
func Bind(sql string, params Params, style PlaceholderStyle) (string, []any, error) {
	tokens, err := tokenize(sql)
	if err != nil {
		return "", nil, fmt.Errorf("tokenize statement: %w", err)
	}
	var (
		b         strings.Builder
		args      []any
		positions = make(map[string]int)
	)
	b.Grow(len(sql))
	for _, tok := range tokens {
		if tok.Type != tokParam {
			b.WriteString(tok.Value)
			continue
		}
		v, ok := params.lookup(tok.Value)
		if !ok {
			return "", nil, fmt.Errorf("%w %s", ErrMissingParam, tok.Value)
		}
		switch style {
		case Dollar:
			pos, seen := positions[tok.Value]
			if !seen {
				args = append(args, v)
				pos = len(args)
				positions[tok.Value] = pos
			}
			b.WriteString("$" + strconv.Itoa(pos))
		default:
			args = append(args, v)
			b.WriteByte('?')
		}
	}
	return b.String(), args, nil
}

// Placeholders lists the distinct :name placeholders of a statement in order
// of first appearance, ignoring string literals and comments.
func Placeholders(sql string) []string {
	tokens, err := tokenize(sql)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var names []string
	for _, tok := range tokens {
		if tok.Type != tokParam {
			continue
		}
		if _, ok := seen[tok.Value]; ok {
			continue
		}
		seen[tok.Value] = struct{}{}
		names = append(names, tok.Value)
	}
	return names
}

// IsSelect reports whether the statement is a read query (SELECT or WITH),
// skipping leading whitespace, comments and parentheses.
func IsSelect(sql string) bool {
	tokens, err := tokenize(sql)
	if err != nil {
		return false
	}
	for _, tok := range tokens {
		if isSpace(tok) || tok.Value == "(" {
			continue
		}
		word := strings.ToUpper(tok.Value)
		return word == "SELECT" || word == "WITH"
	}
	return false
}

// Comments returns the text of every comment in the statement with the
// comment markers removed.
func Comments(sql string) []string {
	tokens, err := tokenize(sql)
	if err != nil {
		return nil
	}
	var out []string
	for _, tok := range tokens {
		switch tok.Type {
		case tokLineComment:
			out = append(out, strings.TrimSpace(strings.TrimPrefix(tok.Value, "--")))
		case tokBlockComment:
			body := strings.TrimSuffix(strings.TrimPrefix(tok.Value, "/*"), "*/")
			for _, line := range strings.Split(body, "\n") {
				out = append(out, strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "*")))
			}
		}
	}
	return out
}
