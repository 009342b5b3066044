package pipeline

import (
	"sync"
)

// MemoryWriter implements Writer without filesystem I/O.
type MemoryWriter struct {
	mu    sync.RWMutex
	Files map[string][]byte
	// Err, when set, is returned by every WriteFile call.
	Err error
}

// WriteFile stores a copy of data in memory.
func (m *MemoryWriter) WriteFile(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if m.Files == nil {
		m.Files = make(map[string][]byte)
	}
	m.Files[path] = append([]byte(nil), data...)
	return nil
}

// GetFile retrieves a file's content.
func (m *MemoryWriter) GetFile(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.Files[path]
	return data, ok
}

// FileCount returns the number of files.
func (m *MemoryWriter) FileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.Files)
}

var _ Writer = (*MemoryWriter)(nil)
