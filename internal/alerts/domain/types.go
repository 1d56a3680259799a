package alerts

import (
	"fmt"
	"math"
)

// UnitStatus is the operating status reported for a monitored unit.
type UnitStatus string

const (
	StatusOK                    UnitStatus = "ok"
	StatusExcursion             UnitStatus = "excursion"
	StatusAlarmActive           UnitStatus = "alarm_active"
	StatusMonitoringInterrupted UnitStatus = "monitoring_interrupted"
	StatusManualRequired        UnitStatus = "manual_required"
	StatusRestoring             UnitStatus = "restoring"
	StatusOffline               UnitStatus = "offline"
)

// Valid reports whether the status is one of the known values.
func (s UnitStatus) Valid() bool {
	switch s {
	case StatusOK, StatusExcursion, StatusAlarmActive, StatusMonitoringInterrupted,
		StatusManualRequired, StatusRestoring, StatusOffline:
		return true
	default:
		return false
	}
}

// Rank orders statuses by severity. Higher wins when several conditions hold.
func (s UnitStatus) Rank() int {
	switch s {
	case StatusAlarmActive:
		return 6
	case StatusOffline:
		return 5
	case StatusExcursion:
		return 4
	case StatusMonitoringInterrupted:
		return 3
	case StatusManualRequired:
		return 2
	case StatusRestoring:
		return 1
	default:
		return 0
	}
}

// AlertType is the closed set of independently tracked alert kinds.
type AlertType string

const (
	AlertTemperature AlertType = "temperature"
	AlertOffline     AlertType = "offline"
	AlertManual      AlertType = "manual"
	AlertDoor        AlertType = "door_open"
)

// AllAlertTypes lists every alert type in evaluation order.
var AllAlertTypes = []AlertType{AlertTemperature, AlertOffline, AlertManual, AlertDoor}

// Valid reports whether the alert type is known.
func (t AlertType) Valid() bool {
	switch t {
	case AlertTemperature, AlertOffline, AlertManual, AlertDoor:
		return true
	default:
		return false
	}
}

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is known.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank orders severities, info lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// ThresholdSide records which bound a temperature violated.
type ThresholdSide string

const (
	SideNone  ThresholdSide = ""
	SideBelow ThresholdSide = "below_min"
	SideAbove ThresholdSide = "above_max"
)

// Scope is the level a rule fragment is bound to.
type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopeSite         Scope = "site"
	ScopeUnit         Scope = "unit"
)

// Valid reports whether the scope is known.
func (s Scope) Valid() bool {
	return s == ScopeOrganization || s == ScopeSite || s == ScopeUnit
}

// Centi is a temperature in hundredths of a degree.
type Centi int64

// CentiFromFloat converts degrees to hundredths, rounding half away from zero.
func CentiFromFloat(v float64) (Centi, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNonFiniteTemperature
	}
	scaled := math.Round(v * 100)
	if scaled > math.MaxInt64/2 || scaled < math.MinInt64/2 {
		return 0, ErrTemperatureRange
	}
	return Centi(scaled), nil
}

// MustCenti converts degrees and panics on non-finite input. Intended for literals.
func MustCenti(v float64) Centi {
	c, err := CentiFromFloat(v)
	if err != nil {
		panic(err)
	}
	return c
}

// Float returns the value in degrees.
func (c Centi) Float() float64 {
	return float64(c) / 100
}

func (c Centi) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
