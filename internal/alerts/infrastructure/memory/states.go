package memory

import (
	"context"
	"errors"
	"sync"

	alerts "coldchain-cloud/internal/alerts/domain"
)

// StateStore is an in-memory unit runtime state store.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]alerts.UnitRuntimeState
}

// NewStateStore constructs a store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]alerts.UnitRuntimeState)}
}

// GetState returns a copy of the unit state.
func (s *StateStore) GetState(_ context.Context, unitID string) (alerts.UnitRuntimeState, error) {
	s.mu.RLock()
	state, ok := s.states[unitID]
	s.mu.RUnlock()
	if !ok {
		return alerts.UnitRuntimeState{}, alerts.ErrNotFound
	}
	return state.Clone(), nil
}

// SaveState stores a copy of the unit state.
func (s *StateStore) SaveState(_ context.Context, state alerts.UnitRuntimeState) error {
	if state.UnitID == "" {
		return errors.New("state store: empty unit id")
	}
	s.mu.Lock()
	s.states[state.UnitID] = state.Clone()
	s.mu.Unlock()
	return nil
}
