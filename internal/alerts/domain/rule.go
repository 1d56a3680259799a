package alerts

import (
	"fmt"
	"sync"
	"time"
)

// RuleSource tells where an effective rule came from.
type RuleSource string

const (
	RuleSourceMerged       RuleSource = "merged"
	RuleSourceConservative RuleSource = "conservative_default"
)

// RuleFragment is the rule configuration bound to one scope.
// Nil fields are undefined at this scope and inherit from the parent scope.
type RuleFragment struct {
	Scope   Scope
	ScopeID string

	TempMin                       *Centi
	TempMax                       *Centi
	ConfirmDelayMinutes           *int
	MaxExcursionMinutes           *int
	ManualIntervalMinutes         *int
	ManualGraceMinutes            *int
	ExpectedReadingIntervalSecs   *int
	OfflineTriggerMultiplier      *float64
	OfflineTriggerAdditionalMins  *int
	OfflineWarningMissedCheckins  *int
	OfflineCriticalMissedCheckins *int
	DoorOpenWarningMinutes        *int
	DoorOpenCriticalMinutes       *int
	DoorOpenMaxMaskMinutesPerDay  *int
	RestoreConfirmReadings        *int
	Severity                      *Severity
	Enabled                       *bool
	Schedule                      *ActiveSchedule
	Timezone                      *string

	UpdatedAt time.Time
}

// Validate checks the values defined in the fragment.
func (f RuleFragment) Validate() error {
	if !f.Scope.Valid() {
		return fmt.Errorf("%w: scope %q", ErrInvalidRule, f.Scope)
	}
	if f.ScopeID == "" {
		return fmt.Errorf("%w: empty scope id", ErrInvalidRule)
	}
	if f.TempMin != nil && f.TempMax != nil && *f.TempMin > *f.TempMax {
		return fmt.Errorf("%w: temp min %s above max %s", ErrInvalidRule, *f.TempMin, *f.TempMax)
	}
	nonNegative := map[string]*int{
		"confirm_delay_minutes":              f.ConfirmDelayMinutes,
		"max_excursion_minutes":              f.MaxExcursionMinutes,
		"manual_interval_minutes":            f.ManualIntervalMinutes,
		"manual_grace_minutes":               f.ManualGraceMinutes,
		"offline_trigger_additional_minutes": f.OfflineTriggerAdditionalMins,
		"door_open_warning_minutes":          f.DoorOpenWarningMinutes,
		"door_open_critical_minutes":         f.DoorOpenCriticalMinutes,
		"door_open_max_mask_minutes_per_day": f.DoorOpenMaxMaskMinutesPerDay,
	}
	for name, v := range nonNegative {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: negative %s", ErrInvalidRule, name)
		}
	}
	positive := map[string]*int{
		"expected_reading_interval_seconds": f.ExpectedReadingIntervalSecs,
		"offline_warning_missed_checkins":   f.OfflineWarningMissedCheckins,
		"offline_critical_missed_checkins":  f.OfflineCriticalMissedCheckins,
		"restore_confirm_readings":          f.RestoreConfirmReadings,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidRule, name)
		}
	}
	if f.OfflineTriggerMultiplier != nil && *f.OfflineTriggerMultiplier <= 0 {
		return fmt.Errorf("%w: offline trigger multiplier must be positive", ErrInvalidRule)
	}
	if f.Severity != nil && !f.Severity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrInvalidRule, *f.Severity)
	}
	if f.Schedule != nil {
		if err := f.Schedule.Validate(); err != nil {
			return err
		}
	}
	if f.Timezone != nil {
		if _, err := loadLocation(*f.Timezone); err != nil {
			return fmt.Errorf("%w: timezone %q", ErrInvalidRule, *f.Timezone)
		}
	}
	return nil
}

// EffectiveRule is the merged configuration applied to one unit.
type EffectiveRule struct {
	TempMin                Centi
	TempMax                Centi
	ConfirmDelay           time.Duration
	MaxExcursion           time.Duration
	ManualInterval         time.Duration
	ManualGrace            time.Duration
	ExpectedInterval       time.Duration
	OfflineMultiplier      float64
	OfflineAdditional      time.Duration
	OfflineWarningMissed   int
	OfflineCriticalMissed  int
	DoorWarning            time.Duration
	DoorCritical           time.Duration
	DoorMaskPerDay         time.Duration
	RestoreConfirmReadings int
	Severity               Severity
	Enabled                bool
	Schedule               *ActiveSchedule
	Timezone               string
	Source                 RuleSource
}

// MinRestoreConfirmReadings is the lower bound for recovery confirmation.
const MinRestoreConfirmReadings = 2

// DefaultRule returns the values used for fields no scope defines.
func DefaultRule() EffectiveRule {
	return EffectiveRule{
		TempMin:                -10000,
		TempMax:                10000,
		ConfirmDelay:           5 * time.Minute,
		MaxExcursion:           30 * time.Minute,
		ManualInterval:         4 * time.Hour,
		ManualGrace:            30 * time.Minute,
		ExpectedInterval:       5 * time.Minute,
		OfflineMultiplier:      2,
		OfflineAdditional:      5 * time.Minute,
		OfflineWarningMissed:   1,
		OfflineCriticalMissed:  5,
		DoorWarning:            5 * time.Minute,
		DoorCritical:           15 * time.Minute,
		DoorMaskPerDay:         30 * time.Minute,
		RestoreConfirmReadings: MinRestoreConfirmReadings,
		Severity:               SeverityWarning,
		Enabled:                true,
		Timezone:               "UTC",
		Source:                 RuleSourceMerged,
	}
}

// ConservativeRule is returned when no usable rule exists: wide thresholds, alerting off.
func ConservativeRule() EffectiveRule {
	rule := DefaultRule()
	rule.Enabled = false
	rule.Source = RuleSourceConservative
	return rule
}

// MergeRuleFragments overlays fragments in order, broadest scope first.
// Later fragments override earlier ones field by field.
func MergeRuleFragments(fragments ...*RuleFragment) EffectiveRule {
	rule := DefaultRule()
	for _, f := range fragments {
		if f == nil {
			continue
		}
		if f.TempMin != nil {
			rule.TempMin = *f.TempMin
		}
		if f.TempMax != nil {
			rule.TempMax = *f.TempMax
		}
		mergeMinutes(&rule.ConfirmDelay, f.ConfirmDelayMinutes)
		mergeMinutes(&rule.MaxExcursion, f.MaxExcursionMinutes)
		mergeMinutes(&rule.ManualInterval, f.ManualIntervalMinutes)
		mergeMinutes(&rule.ManualGrace, f.ManualGraceMinutes)
		if f.ExpectedReadingIntervalSecs != nil {
			rule.ExpectedInterval = time.Duration(*f.ExpectedReadingIntervalSecs) * time.Second
		}
		if f.OfflineTriggerMultiplier != nil {
			rule.OfflineMultiplier = *f.OfflineTriggerMultiplier
		}
		mergeMinutes(&rule.OfflineAdditional, f.OfflineTriggerAdditionalMins)
		mergeInt(&rule.OfflineWarningMissed, f.OfflineWarningMissedCheckins)
		mergeInt(&rule.OfflineCriticalMissed, f.OfflineCriticalMissedCheckins)
		mergeMinutes(&rule.DoorWarning, f.DoorOpenWarningMinutes)
		mergeMinutes(&rule.DoorCritical, f.DoorOpenCriticalMinutes)
		mergeMinutes(&rule.DoorMaskPerDay, f.DoorOpenMaxMaskMinutesPerDay)
		mergeInt(&rule.RestoreConfirmReadings, f.RestoreConfirmReadings)
		if f.Severity != nil {
			rule.Severity = *f.Severity
		}
		if f.Enabled != nil {
			rule.Enabled = *f.Enabled
		}
		if f.Schedule != nil {
			schedule := f.Schedule.clone()
			rule.Schedule = &schedule
		}
		if f.Timezone != nil {
			rule.Timezone = *f.Timezone
		}
	}
	if rule.RestoreConfirmReadings < MinRestoreConfirmReadings {
		rule.RestoreConfirmReadings = MinRestoreConfirmReadings
	}
	return rule
}

func mergeMinutes(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Minute
	}
}

func mergeInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks cross-scope consistency of a merged rule.
func (r EffectiveRule) Validate() error {
	if r.TempMin > r.TempMax {
		return fmt.Errorf("%w: merged temp min %s above max %s", ErrInvalidRule, r.TempMin, r.TempMax)
	}
	if r.OfflineWarningMissed < 1 {
		return fmt.Errorf("%w: offline warning threshold must be positive", ErrInvalidRule)
	}
	if r.OfflineCriticalMissed < r.OfflineWarningMissed {
		return fmt.Errorf("%w: offline critical threshold below warning threshold", ErrInvalidRule)
	}
	if r.DoorCritical < r.DoorWarning {
		return fmt.Errorf("%w: door critical threshold below warning threshold", ErrInvalidRule)
	}
	if r.ExpectedInterval <= 0 {
		return fmt.Errorf("%w: expected reading interval must be positive", ErrInvalidRule)
	}
	return nil
}

// InRange reports whether t lies within [TempMin, TempMax].
func (r EffectiveRule) InRange(t Centi) bool {
	return t >= r.TempMin && t <= r.TempMax
}

// Side returns which bound t violates.
func (r EffectiveRule) Side(t Centi) ThresholdSide {
	switch {
	case t < r.TempMin:
		return SideBelow
	case t > r.TempMax:
		return SideAbove
	default:
		return SideNone
	}
}

// OfflineTrigger is the silence after which the first checkin counts as missed.
func (r EffectiveRule) OfflineTrigger() time.Duration {
	return time.Duration(float64(r.ExpectedInterval)*r.OfflineMultiplier) + r.OfflineAdditional
}

// Location returns the rule timezone, UTC when unknown.
func (r EffectiveRule) Location() *time.Location {
	loc, err := loadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AlertingAt reports whether the rule may open alerts at the given instant.
func (r EffectiveRule) AlertingAt(at time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.Schedule == nil {
		return true
	}
	return r.Schedule.Contains(at.In(r.Location()))
}

// MissedCheckins counts expected readings that did not arrive between last and now.
func MissedCheckins(rule EffectiveRule, last, now time.Time) int {
	if last.IsZero() || rule.ExpectedInterval <= 0 {
		return 0
	}
	elapsed := now.Sub(last)
	trigger := rule.OfflineTrigger()
	if elapsed <= trigger {
		return 0
	}
	return 1 + int((elapsed-trigger)/rule.ExpectedInterval)
}

// ActiveSchedule limits alerting to some weekdays and an hour range.
// StartHour == EndHour covers the whole day. StartHour > EndHour wraps past midnight,
// and the hours after midnight belong to the previous day's window.
type ActiveSchedule struct {
	Days      []time.Weekday `json:"days,omitempty"`
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
}

// Validate checks the hour range and weekdays.
func (s ActiveSchedule) Validate() error {
	if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 0 || s.EndHour > 24 {
		return fmt.Errorf("%w: schedule hours out of range", ErrInvalidRule)
	}
	for _, d := range s.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: schedule weekday %d", ErrInvalidRule, d)
		}
	}
	return nil
}

// Contains reports whether local time t falls inside the window.
func (s ActiveSchedule) Contains(t time.Time) bool {
	hour := t.Hour()
	day := t.Weekday()
	switch {
	case s.StartHour == s.EndHour:
	case s.StartHour < s.EndHour:
		if hour < s.StartHour || hour >= s.EndHour {
			return false
		}
	default:
		if hour < s.EndHour {
			day = (day + 6) % 7
		} else if hour < s.StartHour {
			return false
		}
	}
	return s.hasDay(day)
}

func (s ActiveSchedule) hasDay(day time.Weekday) bool {
	if len(s.Days) == 0 {
		return true
	}
	for _, d := range s.Days {
		if d == day {
			return true
		}
	}
	return false
}

func (s ActiveSchedule) clone() ActiveSchedule {
	out := s
	out.Days = append([]time.Weekday(nil), s.Days...)
	return out
}

var locations sync.Map

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locations.Store(name, loc)
	return loc, nil
}
