// Package index tracks which tables each cached query depends on.
//
// A Record maps a cache key to the statement it was computed from and the
// tables that statement reads. Invalidating a table resolves the keys of every
// record naming it. Table names keep their case but match case-insensitively.
package index

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// ErrCorrupt reports that the stored index could not be decoded. The index
// reads as empty and is replaced on the next write.
var ErrCorrupt = errors.New("index: corrupt document")

// Record is the dependency record of one cache entry.
type Record struct {
	Key    string   `json:"-"`
	SQL    string   `json:"sql"`
	Tables []string `json:"tables"`
}

// Index persists dependency records.
type Index interface {
	// Record stores rec, replacing any record with the same key.
	Record(ctx context.Context, rec Record) error
	// TablesFor returns the tables recorded for key.
	TablesFor(ctx context.Context, key string) ([]string, bool, error)
	// KeysReferencing returns the keys of records naming table.
	KeysReferencing(ctx context.Context, table string) ([]string, error)
	// Remove deletes the records of keys. Unknown keys are ignored.
	Remove(ctx context.Context, keys ...string) error
	// Rewrite replaces the whole index with records.
	Rewrite(ctx context.Context, records []Record) error
	// All returns every record sorted by key.
	All(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
}

// NormalizeTables sorts tables and removes empty and duplicate names.
// Names differing only in case are kept once, first spelling wins.
func NormalizeTables(tables []string) []string {
	seen := make(map[string]struct{}, len(tables))
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		fold := foldTable(t)
		if _, ok := seen[fold]; ok {
			continue
		}
		seen[fold] = struct{}{}
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func foldTable(t string) string { return strings.ToLower(t) }
