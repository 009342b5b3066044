// Package hint parses caching directives embedded in SQL comments:
//
//	-- @nocache
//	-- @cache ttl=30s tables=users,orders
//
// @nocache disables caching for the statement. @cache may override the TTL
// and name extra tables the statement depends on, for cases the table
// extractor cannot see (stored functions, dynamic SQL).
package hint

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/electwix/dbrm/internal/query/normalize"
)

// Hint is the caching directive of one statement.
type Hint struct {
	NoCache bool
	// TTL overrides the configured lifetime when HasTTL is set. A zero TTL
	// means the entry never expires.
	TTL    time.Duration
	HasTTL bool
	// Tables are added to the extracted dependencies.
	Tables []string
}

var (
	ttlRegex    = regexp.MustCompile(`(?:^|\s)ttl=(\d+)([smhd]?)(?:\s|$)`)
	tablesRegex = regexp.MustCompile(`(?:^|\s)tables=([^\s]+)`)
)

// Parse collects the directives found in the comments of sql.
func Parse(sql string) Hint {
	return ParseLines(normalize.Comments(sql))
}

// ParseLines collects directives from comment bodies. Later @cache lines
// override the TTL of earlier ones and add to their tables.
func ParseLines(lines []string) Hint {
	var h Hint
	for _, line := range lines {
		line = strings.TrimSpace(line)
		switch {
		case line == "@nocache" || strings.HasPrefix(line, "@nocache "):
			h.NoCache = true
		case line == "@cache" || strings.HasPrefix(line, "@cache "):
			parseCache(&h, strings.TrimSpace(strings.TrimPrefix(line, "@cache")))
		}
	}
	return h
}

func parseCache(h *Hint, content string) {
	if m := ttlRegex.FindStringSubmatch(content); len(m) == 3 {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			h.TTL = time.Duration(n) * unit(m[2])
			h.HasTTL = true
		}
	}
	if m := tablesRegex.FindStringSubmatch(content); len(m) == 2 {
		for _, t := range strings.Split(m[1], ",") {
			if t = strings.TrimSpace(t); t != "" {
				h.Tables = append(h.Tables, t)
			}
		}
	}
}

func unit(u string) time.Duration {
	switch u {
	case "m":
		return time.Minute
	case "h":
		return time.Hour
	case "d":
		return 24 * time.Hour
	default:
		return time.Second
	}
}
