package index

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	documentVersion = 1
	lockRetryDelay  = 10 * time.Millisecond
	indexDirPerm    = 0o750
	indexFilePerm   = 0o600
)

// document is the on-disk layout of a FileIndex.
type document struct {
	Version int                `json:"version"`
	Records map[string]*Record `json:"records"`
}

func emptyDocument() *document {
	return &document{Version: documentVersion, Records: make(map[string]*Record)}
}

// FileIndex keeps all records in one JSON document. Writers serialize on an
// in-process mutex and an advisory lock file, then replace the document with
// a rename so readers never observe a partial write.
type FileIndex struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileIndex opens the index stored at path, creating its directory.
func NewFileIndex(path string) (*FileIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), indexDirPerm); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	return &FileIndex{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Path returns the location of the index document.
func (f *FileIndex) Path() string { return f.path }

// load reads the document. A missing file is an empty index; an undecodable
// one is an empty index plus ErrCorrupt.
func (f *FileIndex) load() (*document, error) {
	data, err := os.ReadFile(filepath.Clean(f.path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return emptyDocument(), nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	if len(data) == 0 {
		return emptyDocument(), nil
	}
	doc := emptyDocument()
	if err := json.Unmarshal(data, doc); err != nil || doc.Version != documentVersion {
		return emptyDocument(), fmt.Errorf("%w: %s", ErrCorrupt, f.path)
	}
	if doc.Records == nil {
		doc.Records = make(map[string]*Record)
	}
	for key, rec := range doc.Records {
		if rec == nil {
			delete(doc.Records, key)
			continue
		}
		rec.Key = key
	}
	return doc, nil
}

func (f *FileIndex) store(doc *document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tmp := f.path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, indexFilePerm); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

// update runs a locked read-modify-write cycle. A corrupt document is
// replaced by whatever mutate produces from an empty one.
func (f *FileIndex) update(ctx context.Context, mutate func(*document)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	locked, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock index: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock index: %s busy", f.lock.Path())
	}
	defer func() { _ = f.lock.Unlock() }()

	doc, err := f.load()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	mutate(doc)
	return f.store(doc)
}

// Record implements Index.
func (f *FileIndex) Record(ctx context.Context, rec Record) error {
	rec.Tables = NormalizeTables(rec.Tables)
	return f.update(ctx, func(doc *document) {
		doc.Records[rec.Key] = &rec
	})
}

// TablesFor implements Index.
func (f *FileIndex) TablesFor(_ context.Context, key string) ([]string, bool, error) {
	doc, err := f.load()
	if err != nil {
		return nil, false, err
	}
	rec, ok := doc.Records[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(rec.Tables), true, nil
}

// KeysReferencing implements Index.
func (f *FileIndex) KeysReferencing(_ context.Context, table string) ([]string, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	keys := invert(doc)[foldTable(table)]
	slices.Sort(keys)
	return keys, nil
}

// invert builds the table to keys map of a document.
func invert(doc *document) map[string][]string {
	byTable := make(map[string][]string)
	for key, rec := range doc.Records {
		for _, t := range rec.Tables {
			fold := foldTable(t)
			byTable[fold] = append(byTable[fold], key)
		}
	}
	return byTable
}

// Remove implements Index.
func (f *FileIndex) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return f.update(ctx, func(doc *document) {
		for _, k := range keys {
			delete(doc.Records, k)
		}
	})
}

// Rewrite implements Index.
func (f *FileIndex) Rewrite(ctx context.Context, records []Record) error {
	return f.update(ctx, func(doc *document) {
		doc.Records = make(map[string]*Record, len(records))
		for _, rec := range records {
			rec.Tables = NormalizeTables(rec.Tables)
			doc.Records[rec.Key] = &rec
		}
	})
}

// All implements Index.
func (f *FileIndex) All(_ context.Context) ([]Record, error) {
	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(doc.Records))
	for _, rec := range doc.Records {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b Record) int { return cmp.Compare(a.Key, b.Key) })
	return out, nil
}

// Clear implements Index.
func (f *FileIndex) Clear(ctx context.Context) error {
	return f.update(ctx, func(doc *document) {
		doc.Records = make(map[string]*Record)
	})
}

var _ Index = (*FileIndex)(nil)
