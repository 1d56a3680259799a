package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coldchain-cloud/internal/eventing"
)

const defaultOutboxTable = "notification_outbox"

// OutboxStore is a Postgres implementation for outbox records.
type OutboxStore struct {
	db    *sql.DB
	table string
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	store := &OutboxStore{db: db, table: defaultOutboxTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithOutboxTable overrides the table name.
func WithOutboxTable(table string) OutboxOption {
	return func(store *OutboxStore) {
		if table != "" {
			store.table = table
		}
	}
}

// Insert writes an envelope to the outbox. The event id is unique, so a
// replayed publish returns the existing record.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("outbox store: nil db")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf(`
WITH inserted AS (
	INSERT INTO %s (
		id,
		event_id,
		event_type,
		payload,
		status,
		attempts,
		next_attempt_at,
		created_at
	) VALUES (
		$1, $2, $3, $4, 'pending', 0, $5, $5
	)
	ON CONFLICT (event_id) DO NOTHING
	RETURNING id
)
SELECT id FROM inserted
UNION ALL
SELECT id FROM %s WHERE event_id = $2
LIMIT 1`, s.table, s.table)

	var id string
	now := time.Now().UTC()
	if err := s.db.QueryRowContext(ctx, query, eventing.NewEventID(), env.EventID, env.EventType, payload, now).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// ListPending returns pending records that are due.
func (s *OutboxStore) ListPending(ctx context.Context, now time.Time, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, payload, attempts, next_attempt_at
FROM %s
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY created_at ASC
LIMIT $2`, s.table)

	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []eventing.OutboxRecord
	for rows.Next() {
		var record eventing.OutboxRecord
		var payload []byte
		if err := rows.Scan(&record.ID, &payload, &record.Attempts, &record.NextAttemptAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &record.Envelope); err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSent marks an outbox record as sent.
func (s *OutboxStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'sent', sent_at = $1
WHERE id = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, at.UTC(), id)
	return err
}

// MarkRetry records a failed attempt and schedules the next one.
func (s *OutboxStore) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, cause string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET attempts = $1, next_attempt_at = $2, last_error = $3
WHERE id = $4`, s.table)
	_, err := s.db.ExecContext(ctx, query, attempts, next.UTC(), cause, id)
	return err
}

// MarkFailed marks an outbox record as failed.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, attempts int, cause string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'failed', attempts = $1, last_error = $2
WHERE id = $3`, s.table)
	_, err := s.db.ExecContext(ctx, query, attempts, cause, id)
	return err
}
