package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"coldchain-cloud/internal/eventing"
)

const upsertDeadLetter = `
INSERT INTO notification_dead_letters (
	event_id, event_type, organization_id, unit_id, payload, error, first_seen_at, last_seen_at, attempts
) VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
ON CONFLICT (event_id) DO UPDATE SET
	payload = EXCLUDED.payload,
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = notification_dead_letters.attempts + 1`

const selectDeadLetters = `
SELECT payload, error, attempts, first_seen_at, last_seen_at
FROM notification_dead_letters
WHERE ($1 = '' OR organization_id = $1)
ORDER BY last_seen_at DESC
LIMIT $2`

// DLQStore keeps notifications the dispatcher gave up on.
type DLQStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDLQStore constructs a dead letter store.
func NewDLQStore(db *sql.DB) *DLQStore {
	return &DLQStore{db: db, now: time.Now}
}

// RecordFailure stores env with the error that ended its delivery. A repeated
// failure for the same event bumps the attempt count.
func (s *DLQStore) RecordFailure(ctx context.Context, env eventing.Envelope, cause error) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var message string
	if cause != nil {
		message = cause.Error()
	}
	_, err = s.db.ExecContext(ctx, upsertDeadLetter,
		env.EventID, env.EventType, env.OrganizationID, env.UnitID, payload, message, s.now().UTC())
	return err
}

// Recent lists the latest dead letters, optionally for one organization.
func (s *DLQStore) Recent(ctx context.Context, organizationID string, limit int) ([]eventing.DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("dlq store: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectDeadLetters, organizationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []eventing.DeadLetter
	for rows.Next() {
		var (
			payload []byte
			letter  eventing.DeadLetter
		)
		if err := rows.Scan(&payload, &letter.Error, &letter.Attempts, &letter.FirstSeen, &letter.LastSeen); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &letter.Envelope); err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}
