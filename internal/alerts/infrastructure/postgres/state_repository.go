package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	alerts "coldchain-cloud/internal/alerts/domain"
)

// StateRepository persists unit runtime state as a JSON document per unit.
// Status and the last reading time are mirrored into columns for queries.
type StateRepository struct {
	db *sql.DB
}

// NewStateRepository constructs a repository.
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// GetState loads a unit state.
func (r *StateRepository) GetState(ctx context.Context, unitID string) (alerts.UnitRuntimeState, error) {
	if r == nil || r.db == nil {
		return alerts.UnitRuntimeState{}, errors.New("state repo: nil db")
	}
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT state FROM unit_states WHERE unit_id = $1`, unitID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return alerts.UnitRuntimeState{}, alerts.ErrNotFound
	}
	if err != nil {
		return alerts.UnitRuntimeState{}, err
	}
	var state alerts.UnitRuntimeState
	if err := json.Unmarshal(payload, &state); err != nil {
		return alerts.UnitRuntimeState{}, fmt.Errorf("%w: decode state of %s: %v", alerts.ErrInvalidState, unitID, err)
	}
	return state, nil
}

// SaveState upserts a unit state.
func (r *StateRepository) SaveState(ctx context.Context, state alerts.UnitRuntimeState) error {
	if r == nil || r.db == nil {
		return errors.New("state repo: nil db")
	}
	if state.UnitID == "" {
		return errors.New("state repo: empty unit id")
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO unit_states (unit_id, status, last_reading_at, state, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (unit_id) DO UPDATE SET
	status = EXCLUDED.status,
	last_reading_at = EXCLUDED.last_reading_at,
	state = EXCLUDED.state,
	updated_at = EXCLUDED.updated_at`,
		state.UnitID, string(state.Status), nullableTime(state.LastReadingAt), payload, state.UpdatedAt.UTC())
	return err
}
