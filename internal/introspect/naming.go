package introspect

import (
	"go/token"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// exportedName turns a table or column name such as "user_roles" or
// "createdAt" into an exported Go identifier ("UserRoles", "CreatedAt").
func exportedName(raw string) string {
	var b strings.Builder
	for _, seg := range splitWords(raw) {
		lower := strings.ToLower(seg)
		r, size := utf8.DecodeRuneInString(lower)
		if r == utf8.RuneError {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(lower[size:])
	}
	ident := b.String()
	if ident == "" {
		return "X"
	}
	if r, _ := utf8.DecodeRuneInString(ident); !unicode.IsLetter(r) {
		ident = "X" + ident
	}
	if token.Lookup(ident).IsKeyword() {
		ident += "_"
	}
	return ident
}

// splitWords breaks raw on separators and lower-to-upper case changes.
func splitWords(raw string) []string {
	var (
		words []string
		buf   strings.Builder
	)
	flush := func() {
		if buf.Len() > 0 {
			words = append(words, buf.String())
			buf.Reset()
		}
	}
	runes := []rune(raw)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		buf.WriteRune(r)
	}
	flush()
	return words
}

// uniqueName returns base, or base followed by the first free counter when
// base was already handed out.
func uniqueName(base string, used map[string]int) string {
	if _, taken := used[base]; !taken {
		used[base] = 1
		return base
	}
	for i := used[base] + 1; ; i++ {
		candidate := base + strconv.Itoa(i)
		if _, taken := used[candidate]; !taken {
			used[base] = i
			used[candidate] = 1
			return candidate
		}
	}
}
