package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"
)

// openAlertIndex enforces at most one unresolved alert per unit and type.
const openAlertIndex = "alerts_one_open_per_type"

const alertColumns = `id, unit_id, site_id, organization_id, type, severity, status,
	trigger_temperature_centi, threshold_side, last_temperature_centi, reason,
	triggered_at, acknowledged_at, acknowledged_by, escalated_at, resolved_at,
	escalation_level, created_at, updated_at`

// AlertRepository is a Postgres repository for alerts.
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateAlert inserts an alert. Re-inserting an open alert is a no-op; an id
// that was already resolved fails with ErrAlertResolved.
func (r *AlertRepository) CreateAlert(ctx context.Context, alert alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if alert.ID == "" || alert.UnitID == "" || !alert.Type.Valid() {
		return errors.New("alert repo: missing fields")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	if alert.UpdatedAt.IsZero() {
		alert.UpdatedAt = alert.CreatedAt
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO alerts (`+alertColumns+`) VALUES (
	$1, $2, $3, $4, $5, $6, $7,
	$8, $9, $10, $11,
	$12, $13, $14, $15, $16,
	$17, $18, $19
)
ON CONFLICT (id) DO NOTHING`,
		alert.ID,
		alert.UnitID,
		alert.SiteID,
		alert.OrganizationID,
		string(alert.Type),
		string(alert.Severity),
		string(alert.Status),
		nullableCenti(alert.TriggerTemperature),
		string(alert.ThresholdSide),
		nullableCenti(alert.LastTemperature),
		alert.Reason,
		alert.TriggeredAt.UTC(),
		nullableTime(alert.AcknowledgedAt),
		alert.AcknowledgedBy,
		nullableTime(alert.EscalatedAt),
		nullableTime(alert.ResolvedAt),
		alert.EscalationLevel,
		alert.CreatedAt.UTC(),
		alert.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err, openAlertIndex) {
		return fmt.Errorf("%w: unit %s type %s", alerts.ErrOpenAlertExists, alert.UnitID, alert.Type)
	}
	if err != nil {
		return err
	}
	inserted, err := res.RowsAffected()
	if err != nil || inserted > 0 {
		return err
	}
	var status string
	if err := r.db.QueryRowContext(ctx, `SELECT status FROM alerts WHERE id = $1`, alert.ID).Scan(&status); err != nil {
		return err
	}
	if alerts.AlertStatus(status) == alerts.AlertResolved {
		return fmt.Errorf("%w: %s", alerts.ErrAlertResolved, alert.ID)
	}
	return nil
}

// ExtendAlert updates severity, reason and last temperature of an open alert.
func (r *AlertRepository) ExtendAlert(ctx context.Context, alert alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET severity = $1, reason = $2, last_temperature_centi = $3, updated_at = $4
WHERE id = $5 AND status <> 'resolved'`,
		string(alert.Severity), alert.Reason, nullableCenti(alert.LastTemperature), alert.UpdatedAt.UTC(), alert.ID)
	if err != nil {
		return err
	}
	return r.checkOpenUpdate(ctx, res, alert.ID)
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op.
func (r *AlertRepository) ResolveAlert(ctx context.Context, alertID string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET status = 'resolved', resolved_at = $1, updated_at = $1
WHERE id = $2 AND status <> 'resolved'`, at.UTC(), alertID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := r.GetAlert(ctx, alertID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAlertStatus stores acknowledgement and escalation fields.
func (r *AlertRepository) UpdateAlertStatus(ctx context.Context, alert alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET status = $1, acknowledged_at = $2, acknowledged_by = $3, escalated_at = $4,
	escalation_level = $5, updated_at = $6
WHERE id = $7 AND status <> 'resolved'`,
		string(alert.Status),
		nullableTime(alert.AcknowledgedAt),
		alert.AcknowledgedBy,
		nullableTime(alert.EscalatedAt),
		alert.EscalationLevel,
		alert.UpdatedAt.UTC(),
		alert.ID,
	)
	if err != nil {
		return err
	}
	return r.checkOpenUpdate(ctx, res, alert.ID)
}

func (r *AlertRepository) checkOpenUpdate(ctx context.Context, res sql.Result, alertID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.GetAlert(ctx, alertID); err != nil {
		return err
	}
	return alerts.ErrInvalidTransition
}

// GetActiveAlert returns the open alert of a type for a unit.
func (r *AlertRepository) GetActiveAlert(ctx context.Context, unitID string, alertType alerts.AlertType) (alerts.Alert, error) {
	if r == nil || r.db == nil {
		return alerts.Alert{}, errors.New("alert repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE unit_id = $1 AND type = $2 AND status <> 'resolved'`, unitID, string(alertType))
	return scanAlertRow(row)
}

// GetAlert loads an alert by id.
func (r *AlertRepository) GetAlert(ctx context.Context, alertID string) (alerts.Alert, error) {
	if r == nil || r.db == nil {
		return alerts.Alert{}, errors.New("alert repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE id = $1`, alertID)
	return scanAlertRow(row)
}

// ListOpenAlerts returns every unresolved alert of a unit, oldest first.
func (r *AlertRepository) ListOpenAlerts(ctx context.Context, unitID string) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE unit_id = $1 AND status <> 'resolved'
ORDER BY triggered_at ASC`, unitID)
	if err != nil {
		return nil, err
	}
	return collectAlerts(rows)
}

// ListAlerts returns alerts matching the filter, newest first.
func (r *AlertRepository) ListAlerts(ctx context.Context, filter application.AlertFilter) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.UnitID != "" {
		add("unit_id = $%d", filter.UnitID)
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.From.IsZero() {
		add("triggered_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("triggered_at < $%d", filter.To.UTC())
	}
	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY triggered_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectAlerts(rows)
}

func collectAlerts(rows *sql.Rows) ([]alerts.Alert, error) {
	defer rows.Close()
	var out []alerts.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

func scanAlertRow(row *sql.Row) (alerts.Alert, error) {
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return alert, err
}

func scanAlert(row rowScanner) (alerts.Alert, error) {
	var (
		alert                             alerts.Alert
		alertType, severity, status, side string
		trigger, last                     sql.NullInt64
		ackedAt, escalatedAt, resolvedAt  sql.NullTime
		triggeredAt, createdAt, updatedAt time.Time
	)
	if err := row.Scan(
		&alert.ID, &alert.UnitID, &alert.SiteID, &alert.OrganizationID, &alertType, &severity, &status,
		&trigger, &side, &last, &alert.Reason,
		&triggeredAt, &ackedAt, &alert.AcknowledgedBy, &escalatedAt, &resolvedAt,
		&alert.EscalationLevel, &createdAt, &updatedAt,
	); err != nil {
		return alerts.Alert{}, err
	}
	alert.Type = alerts.AlertType(alertType)
	alert.Severity = alerts.Severity(severity)
	alert.Status = alerts.AlertStatus(status)
	alert.ThresholdSide = alerts.ThresholdSide(side)
	alert.TriggerTemperature = centiPtr(trigger)
	alert.LastTemperature = centiPtr(last)
	alert.TriggeredAt = triggeredAt.UTC()
	alert.AcknowledgedAt = timeOrZero(ackedAt)
	alert.EscalatedAt = timeOrZero(escalatedAt)
	alert.ResolvedAt = timeOrZero(resolvedAt)
	alert.CreatedAt = createdAt.UTC()
	alert.UpdatedAt = updatedAt.UTC()
	return alert, nil
}
