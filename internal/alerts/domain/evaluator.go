package alerts

import (
	"fmt"
	"time"
)

// EvaluationInput carries everything a single evaluation reads.
// Reading is nil for a synthetic no-reading tick.
type EvaluationInput struct {
	Now          time.Time
	Unit         Unit
	Reading      *Reading
	Rule         EffectiveRule
	Prior        UnitRuntimeState
	ActiveAlerts map[AlertType]Alert
	// ClockSkew is how late a reading may still be delivered after its recorded time.
	ClockSkew time.Duration
}

// EvaluationResult is the next unit state and the alert transitions it implies.
type EvaluationResult struct {
	Next     UnitRuntimeState
	Commands []AlertCommand
}

// facet is the desired alert condition for one alert type.
type facet struct {
	active   bool
	severity Severity
	extend   bool
	trigger  *Centi
	side     ThresholdSide
	last     *Centi
	reason   string
}

// Evaluate computes the next state of a unit. It performs no I/O and never reads a clock:
// readings are evaluated at their recorded time, ticks at in.Now.
func Evaluate(in EvaluationInput) (EvaluationResult, error) {
	prior := in.Prior
	if !prior.Status.Valid() || !prior.TempPhase.Valid() {
		return EvaluationResult{}, fmt.Errorf("%w: status %q phase %q", ErrInvalidState, prior.Status, prior.TempPhase)
	}
	if prior.UnitID != "" && prior.UnitID != in.Unit.ID {
		return EvaluationResult{}, fmt.Errorf("%w: state belongs to unit %q", ErrInvalidState, prior.UnitID)
	}
	if prior.MissedCheckins < 0 || prior.ConsecutiveInRange < 0 || prior.DoorOpenToday < 0 {
		return EvaluationResult{}, fmt.Errorf("%w: negative counter", ErrInvalidState)
	}
	if in.Reading != nil && in.Reading.UnitID != in.Unit.ID {
		return EvaluationResult{}, fmt.Errorf("%w: reading for unit %q", ErrInvalidState, in.Reading.UnitID)
	}

	next := prior.Clone()
	next.UnitID = in.Unit.ID
	if next.TempPhase == "" {
		next.TempPhase = TempNormal
	}
	rule := in.Rule
	at := in.Now
	if in.Reading != nil {
		at = in.Reading.RecordedAt
	}
	alerting := rule.AlertingAt(at)

	var temp facet
	if in.Reading != nil {
		r := *in.Reading
		value := r.Temperature
		silent := prior.MissedCheckins >= rule.OfflineWarningMissed
		next.LastReadingAt = r.RecordedAt
		next.LastTemperature = &value
		next.MissedCheckins = 0
		temp = evaluateTemperatureReading(&next, rule, value, at, alerting, silent)
		if r.Door != nil {
			applyDoor(&next, rule, *r.Door, at)
		}
	} else {
		if missed := MissedCheckins(rule, next.SilenceBaseline(), at); missed > next.MissedCheckins {
			next.MissedCheckins = missed
		}
		temp = evaluateTemperatureTick(&next, rule, at, alerting, in.ClockSkew)
	}

	result := EvaluationResult{}
	status := StatusOK
	raise := func(s UnitStatus) {
		if s.Rank() > status.Rank() {
			status = s
		}
	}
	for _, t := range AllAlertTypes {
		var f facet
		switch t {
		case AlertTemperature:
			f = temp
			switch next.TempPhase {
			case TempAlarm:
				raise(StatusAlarmActive)
			case TempExcursion:
				raise(StatusExcursion)
			case TempRestoring:
				raise(StatusRestoring)
			}
		case AlertOffline:
			f = offlineFacet(next, rule)
			if f.active && f.severity == SeverityCritical {
				raise(StatusOffline)
			} else if f.active {
				raise(StatusMonitoringInterrupted)
			}
		case AlertManual:
			f = manualFacet(next, in.Unit, rule, at)
			if f.active {
				raise(StatusManualRequired)
			}
		case AlertDoor:
			// door is a modifier: it raises its own alert but never the unit status
			f = doorFacet(&next, rule, at)
		default:
			return EvaluationResult{}, fmt.Errorf("%w: alert type %q", ErrInvalidState, t)
		}
		existing, ok := in.ActiveAlerts[t]
		if ok && !existing.IsOpen() {
			ok = false
		}
		if cmd, emit := commandFor(t, f, existing, ok, alerting, at); emit {
			result.Commands = append(result.Commands, cmd)
		}
	}
	next.Status = status
	next.UpdatedAt = in.Now
	result.Next = next
	return result, nil
}

func commandFor(t AlertType, f facet, existing Alert, hasExisting, alerting bool, at time.Time) (AlertCommand, bool) {
	cmd := AlertCommand{
		Type:               t,
		Severity:           f.severity,
		TriggerTemperature: f.trigger,
		ThresholdSide:      f.side,
		LastTemperature:    f.last,
		At:                 at,
		Reason:             f.reason,
	}
	switch {
	case f.active && !hasExisting:
		if !alerting {
			return cmd, false
		}
		cmd.Kind = CommandOpen
	case f.active && f.severity.Rank() > existing.Severity.Rank():
		if !alerting {
			return cmd, false
		}
		cmd.Kind = CommandOpen
	case f.active && f.extend:
		cmd.Kind = CommandExtend
		cmd.Severity = existing.Severity
	case !f.active && hasExisting:
		cmd.Kind = CommandResolve
		cmd.Severity = existing.Severity
	default:
		return cmd, false
	}
	return cmd, true
}

// silent is true when the unit was interrupted or offline before this reading.
func evaluateTemperatureReading(s *UnitRuntimeState, rule EffectiveRule, value Centi, at time.Time, alerting, silent bool) facet {
	inRange := rule.InRange(value)
	extend := false
	switch s.TempPhase {
	case TempNormal, TempPending:
		switch {
		case silent:
			// nothing seen before the silence can confirm a breach after it
			clearExcursion(s)
			if inRange {
				s.TempPhase = TempRestoring
				s.ConsecutiveInRange = 1
			} else if alerting {
				startPending(s, rule, value, at)
			}
		case s.TempPhase == TempNormal:
			if !inRange && alerting {
				startPending(s, rule, value, at)
			}
		case inRange || !alerting:
			clearExcursion(s)
		default:
			confirmIfDue(s, rule, at)
		}
	case TempExcursion, TempAlarm:
		if inRange {
			s.TempPhase = TempRestoring
			s.ConsecutiveInRange = 1
		} else {
			promoteIfDue(s, rule, at)
			extend = true
		}
	case TempRestoring:
		if inRange {
			s.ConsecutiveInRange++
			if s.ConsecutiveInRange >= rule.RestoreConfirmReadings {
				clearExcursion(s)
			}
		} else if s.ExcursionStartAt.IsZero() {
			// restoring after silence, no excursion was ever confirmed
			clearExcursion(s)
			if alerting {
				startPending(s, rule, value, at)
			}
		} else {
			s.TempPhase = TempExcursion
			s.ConsecutiveInRange = 0
			promoteIfDue(s, rule, at)
			extend = true
		}
	}
	f := temperatureFacet(*s, rule)
	f.extend = extend && f.active
	return f
}

// A tick confirms a pending excursion only while the sensor is live and once every
// reading recorded inside the confirmation window must have been delivered.
// Otherwise the next real reading decides.
func evaluateTemperatureTick(s *UnitRuntimeState, rule EffectiveRule, at time.Time, alerting bool, skew time.Duration) facet {
	switch s.TempPhase {
	case TempPending:
		switch {
		case !alerting:
			clearExcursion(s)
		case s.MissedCheckins == 0 && at.Sub(s.ExcursionStartAt) >= rule.ConfirmDelay+settleWindow(rule, skew):
			confirmIfDue(s, rule, at)
		}
	case TempExcursion:
		promoteIfDue(s, rule, at)
	}
	return temperatureFacet(*s, rule)
}

// settleWindow is how long after its recorded time a reading may still arrive:
// one reporting interval, or the tolerated clock skew when that is longer.
func settleWindow(rule EffectiveRule, skew time.Duration) time.Duration {
	return max(rule.ExpectedInterval, skew)
}

func startPending(s *UnitRuntimeState, rule EffectiveRule, value Centi, at time.Time) {
	trigger := value
	s.TempPhase = TempPending
	s.ExcursionStartAt = at
	s.ExcursionTrigger = &trigger
	s.ExcursionSide = rule.Side(value)
	confirmIfDue(s, rule, at)
}

func confirmIfDue(s *UnitRuntimeState, rule EffectiveRule, at time.Time) {
	if at.Sub(s.ExcursionStartAt) < rule.ConfirmDelay {
		return
	}
	s.TempPhase = TempExcursion
	promoteIfDue(s, rule, at)
}

func promoteIfDue(s *UnitRuntimeState, rule EffectiveRule, at time.Time) {
	if s.TempPhase != TempExcursion {
		return
	}
	if rule.Severity == SeverityCritical || at.Sub(s.ExcursionStartAt) > rule.MaxExcursion {
		s.TempPhase = TempAlarm
	}
}

func clearExcursion(s *UnitRuntimeState) {
	s.TempPhase = TempNormal
	s.ExcursionStartAt = time.Time{}
	s.ExcursionTrigger = nil
	s.ExcursionSide = SideNone
	s.ConsecutiveInRange = 0
}

func temperatureFacet(s UnitRuntimeState, rule EffectiveRule) facet {
	f := facet{trigger: s.ExcursionTrigger, side: s.ExcursionSide, last: s.LastTemperature}
	switch s.TempPhase {
	case TempAlarm:
		f.active = true
		f.severity = SeverityCritical
		f.reason = fmt.Sprintf("temperature alarm since %s", s.ExcursionStartAt.UTC().Format(time.RFC3339))
	case TempExcursion:
		f.active = true
		f.severity = rule.Severity
		f.reason = fmt.Sprintf("temperature excursion since %s", s.ExcursionStartAt.UTC().Format(time.RFC3339))
	case TempRestoring:
		if s.ExcursionStartAt.IsZero() {
			break
		}
		f.active = true
		f.severity = rule.Severity
		f.reason = fmt.Sprintf("temperature excursion since %s", s.ExcursionStartAt.UTC().Format(time.RFC3339))
	}
	if f.active && f.trigger != nil {
		f.reason = fmt.Sprintf("%s, trigger %s (%s)", f.reason, *f.trigger, f.side)
	}
	return f
}

func offlineFacet(s UnitRuntimeState, rule EffectiveRule) facet {
	switch {
	case s.MissedCheckins >= rule.OfflineCriticalMissed:
		return facet{active: true, severity: SeverityCritical, reason: fmt.Sprintf("offline: %d missed checkins", s.MissedCheckins)}
	case s.MissedCheckins >= rule.OfflineWarningMissed:
		return facet{active: true, severity: SeverityWarning, reason: fmt.Sprintf("monitoring interrupted: %d missed checkins", s.MissedCheckins)}
	default:
		return facet{}
	}
}

func manualFacet(s UnitRuntimeState, unit Unit, rule EffectiveRule, at time.Time) facet {
	if !unit.ManualMonitoringRequired {
		return facet{}
	}
	baseline := s.LastManualLogAt
	if baseline.IsZero() {
		baseline = unit.CreatedAt
	}
	if baseline.IsZero() {
		baseline = s.CreatedAt
	}
	if baseline.IsZero() || at.Sub(baseline) <= rule.ManualInterval+rule.ManualGrace {
		return facet{}
	}
	return facet{
		active:   true,
		severity: SeverityWarning,
		reason:   fmt.Sprintf("manual log overdue since %s", baseline.UTC().Format(time.RFC3339)),
	}
}

func applyDoor(s *UnitRuntimeState, rule EffectiveRule, door DoorState, at time.Time) {
	rollDoorDay(s, rule, at)
	switch door {
	case DoorOpen:
		if s.DoorOpenSince.IsZero() {
			s.DoorOpenSince = at
		}
	case DoorClosed:
		if s.DoorOpenSince.IsZero() {
			return
		}
		if at.After(s.DoorOpenSince) {
			s.DoorOpenToday += at.Sub(s.DoorOpenSince)
		}
		s.DoorOpenSince = time.Time{}
	}
}

// rollDoorDay resets the daily door total when the local day moves forward.
// A session is attributed to the day it closes on.
func rollDoorDay(s *UnitRuntimeState, rule EffectiveRule, at time.Time) {
	day := at.In(rule.Location()).Format("2006-01-02")
	if s.DoorDay == "" {
		s.DoorDay = day
		return
	}
	if day > s.DoorDay {
		s.DoorDay = day
		s.DoorOpenToday = 0
	}
}

func doorFacet(s *UnitRuntimeState, rule EffectiveRule, at time.Time) facet {
	rollDoorDay(s, rule, at)
	if !s.DoorIsOpen() {
		return facet{}
	}
	session := at.Sub(s.DoorOpenSince)
	if session < 0 {
		session = 0
	}
	switch {
	case session >= rule.DoorCritical:
		return facet{active: true, severity: SeverityCritical, reason: fmt.Sprintf("door open for %s", session.Round(time.Second))}
	case session >= rule.DoorWarning && s.DoorOpenToday+session > rule.DoorMaskPerDay:
		return facet{active: true, severity: SeverityWarning, reason: fmt.Sprintf("door open for %s, %s today", session.Round(time.Second), (s.DoorOpenToday + session).Round(time.Second))}
	default:
		return facet{}
	}
}
