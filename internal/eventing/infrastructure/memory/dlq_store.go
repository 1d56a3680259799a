package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"coldchain-cloud/internal/eventing"
)

// DLQStore keeps dead letters in memory.
type DLQStore struct {
	mu      sync.Mutex
	letters map[string]*eventing.DeadLetter
	order   []string
}

// NewDLQStore constructs an empty dead letter store.
func NewDLQStore() *DLQStore {
	return &DLQStore{letters: make(map[string]*eventing.DeadLetter)}
}

// RecordFailure inserts or updates a dead letter.
func (s *DLQStore) RecordFailure(_ context.Context, env eventing.Envelope, err error) error {
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}
	message := ""
	if err != nil {
		message = err.Error()
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if letter, ok := s.letters[env.EventID]; ok {
		letter.Envelope = env
		letter.Error = message
		letter.LastSeen = now
		letter.Attempts++
		return nil
	}
	s.letters[env.EventID] = &eventing.DeadLetter{Envelope: env, Error: message, Attempts: 1, FirstSeen: now, LastSeen: now}
	s.order = append(s.order, env.EventID)
	return nil
}

// List returns dead letters in first-seen order.
func (s *DLQStore) List() []eventing.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventing.DeadLetter, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.letters[id])
	}
	return out
}
