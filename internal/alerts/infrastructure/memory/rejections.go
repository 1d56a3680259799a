package memory

import (
	"context"
	"sync"

	"coldchain-cloud/internal/alerts/application"
)

const defaultRejectionCapacity = 1000

// RejectionLog keeps the most recent rejections in a bounded buffer.
type RejectionLog struct {
	mu       sync.RWMutex
	capacity int
	entries  []application.Rejection
}

// NewRejectionLog constructs a log holding at most capacity entries.
func NewRejectionLog(capacity int) *RejectionLog {
	if capacity <= 0 {
		capacity = defaultRejectionCapacity
	}
	return &RejectionLog{capacity: capacity}
}

// RecordRejection appends a rejection, evicting the oldest when full.
func (l *RejectionLog) RecordRejection(_ context.Context, rejection application.Rejection) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, rejection)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	return nil
}

// ListRejections returns the newest rejections first, optionally for one unit.
func (l *RejectionLog) ListRejections(_ context.Context, unitID string, limit int) ([]application.Rejection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []application.Rejection
	for i := len(l.entries) - 1; i >= 0; i-- {
		if unitID != "" && l.entries[i].UnitID != unitID {
			continue
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
