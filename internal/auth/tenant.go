package auth

import (
	"context"
	"errors"

	alerts "coldchain-cloud/internal/alerts/domain"
)

var (
	// ErrTenantMismatch indicates resource belongs to a different organization.
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("resource not found")
)

// UnitTenantChecker validates unit ownership.
type UnitTenantChecker interface {
	EnsureUnitTenant(ctx context.Context, organizationID, unitID string) error
}

// UnitReader loads units.
type UnitReader interface {
	GetUnit(ctx context.Context, unitID string) (alerts.Unit, error)
}

// UnitChecker checks unit ownership against the unit directory.
type UnitChecker struct {
	units UnitReader
}

// NewUnitChecker constructs a UnitChecker.
func NewUnitChecker(units UnitReader) *UnitChecker {
	if units == nil {
		return nil
	}
	return &UnitChecker{units: units}
}

// EnsureUnitTenant verifies the unit belongs to the organization.
func (c *UnitChecker) EnsureUnitTenant(ctx context.Context, organizationID, unitID string) error {
	if c == nil || c.units == nil {
		return nil
	}
	if organizationID == "" || unitID == "" {
		return nil
	}
	unit, err := c.units.GetUnit(ctx, unitID)
	if errors.Is(err, alerts.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if unit.OrganizationID != organizationID {
		return ErrTenantMismatch
	}
	return nil
}
