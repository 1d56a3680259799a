package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
)

// UnitRepository is the Postgres unit directory.
type UnitRepository struct {
	db *sql.DB
}

// NewUnitRepository constructs a repository.
func NewUnitRepository(db *sql.DB) *UnitRepository {
	return &UnitRepository{db: db}
}

// PutUnit upserts a unit.
func (r *UnitRepository) PutUnit(ctx context.Context, unit alerts.Unit) error {
	if r == nil || r.db == nil {
		return errors.New("unit repo: nil db")
	}
	if unit.ID == "" || unit.SiteID == "" || unit.OrganizationID == "" {
		return errors.New("unit repo: missing fields")
	}
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO units (id, site_id, organization_id, name, manual_monitoring_required, active, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	site_id = EXCLUDED.site_id,
	organization_id = EXCLUDED.organization_id,
	name = EXCLUDED.name,
	manual_monitoring_required = EXCLUDED.manual_monitoring_required,
	active = EXCLUDED.active`,
		unit.ID, unit.SiteID, unit.OrganizationID, unit.Name, unit.ManualMonitoringRequired, unit.Active, unit.CreatedAt.UTC())
	return err
}

// GetUnit loads a unit by id.
func (r *UnitRepository) GetUnit(ctx context.Context, unitID string) (alerts.Unit, error) {
	if r == nil || r.db == nil {
		return alerts.Unit{}, errors.New("unit repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT id, site_id, organization_id, name, manual_monitoring_required, active, created_at
FROM units
WHERE id = $1`, unitID)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return alerts.Unit{}, alerts.ErrNotFound
	}
	return unit, err
}

// ListActiveUnits returns active units ordered by id.
func (r *UnitRepository) ListActiveUnits(ctx context.Context) ([]alerts.Unit, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("unit repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, site_id, organization_id, name, manual_monitoring_required, active, created_at
FROM units
WHERE active
ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []alerts.Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, unit)
	}
	return out, rows.Err()
}

func scanUnit(row rowScanner) (alerts.Unit, error) {
	var unit alerts.Unit
	if err := row.Scan(&unit.ID, &unit.SiteID, &unit.OrganizationID, &unit.Name, &unit.ManualMonitoringRequired, &unit.Active, &unit.CreatedAt); err != nil {
		return alerts.Unit{}, err
	}
	unit.CreatedAt = unit.CreatedAt.UTC()
	return unit, nil
}
