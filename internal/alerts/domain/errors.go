package alerts

import "errors"

var (
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("alerts: not found")
	// ErrInvalidState indicates a corrupted unit runtime state.
	ErrInvalidState = errors.New("alerts: invalid unit state")
	// ErrDanglingAlert indicates the unit state references an alert that is no longer open.
	ErrDanglingAlert = errors.New("alerts: state references missing alert")
	// ErrInvalidTransition indicates a forbidden alert status change.
	ErrInvalidTransition = errors.New("alerts: invalid alert transition")
	// ErrOpenAlertExists indicates a second open alert of the same type for a unit.
	ErrOpenAlertExists = errors.New("alerts: open alert of this type already exists")
	// ErrAlertResolved indicates a create for an alert id that is already resolved.
	ErrAlertResolved = errors.New("alerts: alert already resolved")
	// ErrInvalidRule indicates a rule fragment that cannot be applied.
	ErrInvalidRule = errors.New("alerts: invalid rule")

	ErrNonFiniteTemperature = errors.New("alerts: non-finite temperature")
	ErrTemperatureRange     = errors.New("alerts: temperature out of representable range")
)
