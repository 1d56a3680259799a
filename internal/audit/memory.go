package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps audit entries in process. Used when no database is configured.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryLog constructs an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Log appends an entry.
func (m *MemoryLog) Log(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, normalize(entry, time.Now()))
	return nil
}

// Entries returns a copy of the recorded entries, oldest first.
func (m *MemoryLog) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}
