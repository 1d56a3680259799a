package alerts

import "time"

// AlertStatus is the lifecycle status of an alert record.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertEscalated    AlertStatus = "escalated"
	AlertResolved     AlertStatus = "resolved"
)

// Valid reports whether the status is known.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertActive, AlertAcknowledged, AlertEscalated, AlertResolved:
		return true
	default:
		return false
	}
}

// Alert is a persisted record of one excursion of a given type.
type Alert struct {
	ID                 string        `json:"id"`
	UnitID             string        `json:"unit_id"`
	SiteID             string        `json:"site_id"`
	OrganizationID     string        `json:"organization_id"`
	Type               AlertType     `json:"type"`
	Severity           Severity      `json:"severity"`
	Status             AlertStatus   `json:"status"`
	TriggerTemperature *Centi        `json:"trigger_temperature,omitempty"`
	ThresholdSide      ThresholdSide `json:"threshold_side,omitempty"`
	LastTemperature    *Centi        `json:"last_temperature,omitempty"`
	Reason             string        `json:"reason,omitempty"`
	TriggeredAt        time.Time     `json:"triggered_at"`
	AcknowledgedAt     time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy     string        `json:"acknowledged_by,omitempty"`
	EscalatedAt        time.Time     `json:"escalated_at,omitempty"`
	ResolvedAt         time.Time     `json:"resolved_at,omitempty"`
	EscalationLevel    int           `json:"escalation_level"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// IsOpen reports whether the alert has not been resolved.
func (a Alert) IsOpen() bool {
	return a.Status != AlertResolved
}

// Acknowledge moves an active alert to acknowledged. Acknowledging twice is a no-op.
func (a *Alert) Acknowledge(actor string, at time.Time) (bool, error) {
	switch a.Status {
	case AlertActive:
		a.Status = AlertAcknowledged
		a.AcknowledgedAt = at
		a.AcknowledgedBy = actor
		a.UpdatedAt = at
		return true, nil
	case AlertAcknowledged:
		return false, nil
	default:
		return false, ErrInvalidTransition
	}
}

// Escalate moves an open alert to escalated and raises its level.
func (a *Alert) Escalate(at time.Time) error {
	if !a.IsOpen() {
		return ErrInvalidTransition
	}
	if a.Status != AlertEscalated {
		a.Status = AlertEscalated
		a.EscalatedAt = at
	}
	a.EscalationLevel++
	a.UpdatedAt = at
	return nil
}

// Resolve closes the alert. It returns false when the alert was already resolved.
func (a *Alert) Resolve(at time.Time) bool {
	if !a.IsOpen() {
		return false
	}
	a.Status = AlertResolved
	a.ResolvedAt = at
	a.UpdatedAt = at
	return true
}

// CommandKind is the kind of alert transition the evaluator requests.
type CommandKind string

const (
	CommandOpen    CommandKind = "open"
	CommandExtend  CommandKind = "extend"
	CommandResolve CommandKind = "resolve"
)

// AlertCommand is an alert transition emitted by the evaluator.
type AlertCommand struct {
	Kind               CommandKind
	Type               AlertType
	Severity           Severity
	TriggerTemperature *Centi
	ThresholdSide      ThresholdSide
	LastTemperature    *Centi
	At                 time.Time
	Reason             string
}

// OutcomeAction describes what the lifecycle manager did with a command.
type OutcomeAction string

const (
	OutcomeCreated      OutcomeAction = "created"
	OutcomeExtended     OutcomeAction = "extended"
	OutcomeEscalated    OutcomeAction = "escalated"
	OutcomeAcknowledged OutcomeAction = "acknowledged"
	OutcomeResolved     OutcomeAction = "resolved"
	OutcomeNoop         OutcomeAction = "noop"
)

// AlertOutcome is the result of applying a command or operator action.
type AlertOutcome struct {
	Action OutcomeAction `json:"action"`
	Alert  Alert         `json:"alert"`
	Notify bool          `json:"notify"`
}
