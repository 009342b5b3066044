package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// File permission constants for cache operations.
const (
	cacheDirPerm  = 0o750 // Directory permissions: rwxr-x---
	cacheFilePerm = 0o600 // File permissions: rw-------
)

// Minimum length for creating subdirectory structure in cache keys.
const minKeyLengthForSubdir = 4

const entrySuffix = ".json"

// FileStore implements Store using file system storage.
// Each entry is a JSON envelope in a directory fanned out by key prefix.
type FileStore struct {
	baseDir string
	ttl     time.Duration
	now     func() time.Time
}

// NewFileStore creates a file-based store rooted at baseDir. A non-empty
// namespace gets its own subdirectory.
func NewFileStore(baseDir string, opts Options) (*FileStore, error) {
	if opts.Namespace != "" {
		baseDir = filepath.Join(baseDir, sanitizeKey(opts.Namespace))
	}
	if err := os.MkdirAll(baseDir, cacheDirPerm); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
		ttl:     opts.TTL,
		now:     opts.clock(),
	}, nil
}

// Dir returns the directory holding the entries.
func (f *FileStore) Dir() string { return f.baseDir }

// Get retrieves a payload from the store.
func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path := f.keyToPath(key)

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("read cache entry %s: %w", key, err)
	}

	var entry envelope
	if err := json.Unmarshal(data, &entry); err != nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove unreadable entry %s: %w", key, err)
		}
		return nil, ErrCorrupt
	}

	if !Fresh(entry.StoredAt, f.now(), entry.lifetime(f.ttl)) {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove expired entry %s: %w", key, err)
		}
		return nil, ErrExpired
	}

	return entry.Payload, nil
}

// Set stores a payload with the default TTL.
func (f *FileStore) Set(_ context.Context, key string, payload []byte) error {
	return f.write(key, envelope{Payload: payload, StoredAt: f.now()})
}

// SetTTL stores a payload with its own TTL.
func (f *FileStore) SetTTL(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	return f.write(key, envelope{Payload: payload, StoredAt: f.now(), TTL: &ttl})
}

func (f *FileStore) write(key string, entry envelope) error {
	path := f.keyToPath(key)

	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return fmt.Errorf("create entry directory: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	// Write atomically using a temp file unique to this writer.
	tempFile := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tempFile, data, cacheFilePerm); err != nil {
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("commit cache entry %s: %w", key, err)
	}
	return nil
}

// Delete removes a payload from the store.
func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.keyToPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return nil
}

// Clear removes all entries.
func (f *FileStore) Clear(_ context.Context) error {
	if err := os.RemoveAll(f.baseDir); err != nil {
		return fmt.Errorf("clear cache directory: %w", err)
	}
	if err := os.MkdirAll(f.baseDir, cacheDirPerm); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	return nil
}

// keyToPath converts a cache key to a file path.
// It creates a directory structure to avoid too many files in one directory.
func (f *FileStore) keyToPath(key string) string {
	safeKey := sanitizeKey(key)

	if len(safeKey) >= minKeyLengthForSubdir {
		subDir := filepath.Join(f.baseDir, safeKey[:2], safeKey[2:4])
		return filepath.Join(subDir, safeKey+entrySuffix)
	}

	return filepath.Join(f.baseDir, safeKey+entrySuffix)
}

// sanitizeKey makes a key safe for use as a filename.
func sanitizeKey(key string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	return replacer.Replace(key)
}

// Stats describes the entries on disk.
type Stats struct {
	Total   int
	Expired int
	Size    int64
}

// Stats walks the store and counts entries, stale entries and bytes used.
func (f *FileStore) Stats() Stats {
	var st Stats
	now := f.now()
	_ = f.walk(func(path, _ string, info fs.FileInfo, entry *envelope) {
		st.Total++
		st.Size += info.Size()
		if entry != nil && !Fresh(entry.StoredAt, now, entry.lifetime(f.ttl)) {
			st.Expired++
		}
	})
	return st
}

// Cleanup removes stale and unreadable entries and returns the keys it
// removed, so the caller can drop their dependency records.
func (f *FileStore) Cleanup() ([]string, error) {
	var removed []string
	now := f.now()
	err := f.walk(func(path, key string, _ fs.FileInfo, entry *envelope) {
		if entry != nil && Fresh(entry.StoredAt, now, entry.lifetime(f.ttl)) {
			return
		}
		if err := os.Remove(path); err == nil {
			removed = append(removed, key)
		}
	})
	return removed, err
}

// walk visits every entry file. entry is nil when the file cannot be decoded.
func (f *FileStore) walk(visit func(path, key string, info fs.FileInfo, entry *envelope)) error {
	return filepath.Walk(f.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, entrySuffix) {
			return nil
		}

		key := strings.TrimSuffix(filepath.Base(path), entrySuffix)
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil
		}
		var entry envelope
		if err := json.Unmarshal(data, &entry); err != nil {
			visit(path, key, info, nil)
			return nil
		}
		visit(path, key, info, &entry)
		return nil
	})
}

var _ TTLStore = (*FileStore)(nil)
