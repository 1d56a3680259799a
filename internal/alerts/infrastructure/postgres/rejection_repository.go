package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"coldchain-cloud/internal/alerts/application"
)

// RejectionRepository records readings dropped at ingestion.
type RejectionRepository struct {
	db *sql.DB
}

// NewRejectionRepository constructs a repository.
func NewRejectionRepository(db *sql.DB) *RejectionRepository {
	return &RejectionRepository{db: db}
}

// RecordRejection inserts a rejection.
func (r *RejectionRepository) RecordRejection(ctx context.Context, rejection application.Rejection) error {
	if r == nil || r.db == nil {
		return errors.New("rejection repo: nil db")
	}
	receivedAt := rejection.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO reading_rejections (unit_id, device_id, reason, detail, recorded_at, received_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		rejection.UnitID, rejection.DeviceID, string(rejection.Reason), rejection.Detail,
		nullableTime(rejection.RecordedAt), receivedAt.UTC())
	return err
}

// ListRejections returns the newest rejections, optionally for one unit.
func (r *RejectionRepository) ListRejections(ctx context.Context, unitID string, limit int) ([]application.Rejection, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rejection repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT unit_id, device_id, reason, detail, recorded_at, received_at
FROM reading_rejections
WHERE ($1 = '' OR unit_id = $1)
ORDER BY received_at DESC, id DESC
LIMIT $2`, unitID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []application.Rejection
	for rows.Next() {
		var (
			rejection  application.Rejection
			reason     string
			recordedAt sql.NullTime
		)
		if err := rows.Scan(&rejection.UnitID, &rejection.DeviceID, &reason, &rejection.Detail, &recordedAt, &rejection.ReceivedAt); err != nil {
			return nil, err
		}
		rejection.Reason = application.RejectionReason(reason)
		rejection.RecordedAt = timeOrZero(recordedAt)
		rejection.ReceivedAt = rejection.ReceivedAt.UTC()
		out = append(out, rejection)
	}
	return out, rows.Err()
}
