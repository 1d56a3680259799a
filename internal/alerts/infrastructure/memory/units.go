package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	alerts "coldchain-cloud/internal/alerts/domain"
)

// UnitDirectory is an in-memory unit registry.
type UnitDirectory struct {
	mu    sync.RWMutex
	units map[string]alerts.Unit
}

// NewUnitDirectory constructs a directory.
func NewUnitDirectory() *UnitDirectory {
	return &UnitDirectory{units: make(map[string]alerts.Unit)}
}

// PutUnit creates or replaces a unit.
func (d *UnitDirectory) PutUnit(_ context.Context, unit alerts.Unit) error {
	if unit.ID == "" {
		return errors.New("unit directory: empty unit id")
	}
	d.mu.Lock()
	d.units[unit.ID] = unit
	d.mu.Unlock()
	return nil
}

// GetUnit loads a unit by id.
func (d *UnitDirectory) GetUnit(_ context.Context, unitID string) (alerts.Unit, error) {
	d.mu.RLock()
	unit, ok := d.units[unitID]
	d.mu.RUnlock()
	if !ok {
		return alerts.Unit{}, alerts.ErrNotFound
	}
	return unit, nil
}

// ListActiveUnits returns active units ordered by id.
func (d *UnitDirectory) ListActiveUnits(_ context.Context) ([]alerts.Unit, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]alerts.Unit, 0, len(d.units))
	for _, unit := range d.units {
		if unit.Active {
			out = append(out, unit)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
