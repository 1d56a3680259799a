package alerts

import "time"

// TempPhase tracks the temperature facet of a unit independently of the reported status.
type TempPhase string

const (
	TempNormal    TempPhase = "normal"
	TempPending   TempPhase = "pending"
	TempExcursion TempPhase = "excursion"
	TempAlarm     TempPhase = "alarm"
	TempRestoring TempPhase = "restoring"
)

// Valid reports whether the phase is known. Empty is accepted as normal.
func (p TempPhase) Valid() bool {
	switch p {
	case "", TempNormal, TempPending, TempExcursion, TempAlarm, TempRestoring:
		return true
	default:
		return false
	}
}

// UnitRuntimeState is the evaluator-owned state of one unit.
type UnitRuntimeState struct {
	UnitID             string               `json:"unit_id"`
	Status             UnitStatus           `json:"status"`
	LastReadingAt      time.Time            `json:"last_reading_at,omitempty"`
	LastTemperature    *Centi               `json:"last_temperature,omitempty"`
	MissedCheckins     int                  `json:"missed_checkins"`
	ExcursionStartAt   time.Time            `json:"excursion_start_at,omitempty"`
	DoorOpenSince      time.Time            `json:"door_open_since,omitempty"`
	DoorOpenToday      time.Duration        `json:"door_open_today"`
	DoorDay            string               `json:"door_day,omitempty"`
	LastManualLogAt    time.Time            `json:"last_manual_log_at,omitempty"`
	TempPhase          TempPhase            `json:"temp_phase"`
	ExcursionTrigger   *Centi               `json:"excursion_trigger,omitempty"`
	ExcursionSide      ThresholdSide        `json:"excursion_side,omitempty"`
	ConsecutiveInRange int                  `json:"consecutive_in_range"`
	AlertRefs          map[AlertType]string `json:"alert_refs,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// NewUnitState returns the initial state for a unit created at the given time.
func NewUnitState(unitID string, createdAt time.Time) UnitRuntimeState {
	return UnitRuntimeState{
		UnitID:    unitID,
		Status:    StatusOK,
		TempPhase: TempNormal,
		AlertRefs: map[AlertType]string{},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// Clone returns a deep copy.
func (s UnitRuntimeState) Clone() UnitRuntimeState {
	out := s
	if s.LastTemperature != nil {
		v := *s.LastTemperature
		out.LastTemperature = &v
	}
	if s.ExcursionTrigger != nil {
		v := *s.ExcursionTrigger
		out.ExcursionTrigger = &v
	}
	out.AlertRefs = make(map[AlertType]string, len(s.AlertRefs))
	for k, v := range s.AlertRefs {
		out.AlertRefs[k] = v
	}
	return out
}

// Reset returns the state to its initial values, keeping identity and the manual log baseline.
func (s UnitRuntimeState) Reset(at time.Time) UnitRuntimeState {
	next := NewUnitState(s.UnitID, s.CreatedAt)
	next.LastManualLogAt = s.LastManualLogAt
	next.UpdatedAt = at
	return next
}

// SilenceBaseline is the instant missed checkins are counted from.
func (s UnitRuntimeState) SilenceBaseline() time.Time {
	if !s.LastReadingAt.IsZero() {
		return s.LastReadingAt
	}
	return s.CreatedAt
}

// DoorIsOpen reports whether a door session is in progress.
func (s UnitRuntimeState) DoorIsOpen() bool {
	return !s.DoorOpenSince.IsZero()
}
