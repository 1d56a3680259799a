package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"coldchain-cloud/internal/eventing"
)

// Outbox statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

type outboxRow struct {
	seq       int
	record    eventing.OutboxRecord
	status    string
	lastError string
	sentAt    time.Time
}

// OutboxStore is an in-memory outbox, keyed by event id.
type OutboxStore struct {
	mu     sync.Mutex
	seq    int
	rows   map[string]*outboxRow
	events map[string]string
}

// NewOutboxStore constructs an empty outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{rows: make(map[string]*outboxRow), events: make(map[string]string)}
}

// Insert stores the envelope. Inserting an event id twice returns the first record id.
func (s *OutboxStore) Insert(_ context.Context, env eventing.Envelope) (string, error) {
	if env.EventID == "" {
		return "", errors.New("outbox store: empty event id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.events[env.EventID]; ok {
		return id, nil
	}
	s.seq++
	id := eventing.NewEventID()
	s.rows[id] = &outboxRow{seq: s.seq, record: eventing.OutboxRecord{ID: id, Envelope: env}, status: StatusPending}
	s.events[env.EventID] = id
	return id, nil
}

// ListPending returns due pending records in insertion order.
func (s *OutboxStore) ListPending(_ context.Context, now time.Time, limit int) ([]eventing.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*outboxRow, 0, len(s.rows))
	for _, row := range s.rows {
		if row.status != StatusPending || row.record.NextAttemptAt.After(now) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]eventing.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record)
	}
	return out, nil
}

// MarkSent marks a record delivered.
func (s *OutboxStore) MarkSent(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(row *outboxRow) {
		row.status = StatusSent
		row.sentAt = at
	})
}

// MarkRetry schedules another attempt.
func (s *OutboxStore) MarkRetry(_ context.Context, id string, attempts int, next time.Time, cause string) error {
	return s.update(id, func(row *outboxRow) {
		row.record.Attempts = attempts
		row.record.NextAttemptAt = next
		row.lastError = cause
	})
}

// MarkFailed stops retrying a record.
func (s *OutboxStore) MarkFailed(_ context.Context, id string, attempts int, cause string) error {
	return s.update(id, func(row *outboxRow) {
		row.status = StatusFailed
		row.record.Attempts = attempts
		row.lastError = cause
	})
}

// Status returns the status and attempt count of the record holding eventID.
func (s *OutboxStore) Status(eventID string) (string, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.events[eventID]
	if !ok {
		return "", 0, false
	}
	row := s.rows[id]
	return row.status, row.record.Attempts, true
}

func (s *OutboxStore) update(id string, fn func(*outboxRow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return errors.New("outbox store: record not found")
	}
	fn(row)
	return nil
}
