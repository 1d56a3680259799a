package application

import (
	"context"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
)

// RuleStore is the read-only rule configuration store.
// GetRules returns nil, nil when the scope has no rule fragment.
type RuleStore interface {
	GetRules(ctx context.Context, scope alerts.Scope, scopeID string) (*alerts.RuleFragment, error)
}

// UnitDirectory looks up monitored units.
type UnitDirectory interface {
	GetUnit(ctx context.Context, unitID string) (alerts.Unit, error)
	ListActiveUnits(ctx context.Context) ([]alerts.Unit, error)
}

// StateStore persists unit runtime state. Get returns alerts.ErrNotFound for unknown units.
type StateStore interface {
	GetState(ctx context.Context, unitID string) (alerts.UnitRuntimeState, error)
	SaveState(ctx context.Context, state alerts.UnitRuntimeState) error
}

// AlertStore persists alert records. Alerts are never deleted.
type AlertStore interface {
	// CreateAlert inserts the alert; inserting an existing id is a no-op.
	CreateAlert(ctx context.Context, alert alerts.Alert) error
	ExtendAlert(ctx context.Context, alert alerts.Alert) error
	ResolveAlert(ctx context.Context, alertID string, at time.Time) error
	UpdateAlertStatus(ctx context.Context, alert alerts.Alert) error
	GetActiveAlert(ctx context.Context, unitID string, alertType alerts.AlertType) (alerts.Alert, error)
	GetAlert(ctx context.Context, alertID string) (alerts.Alert, error)
	ListOpenAlerts(ctx context.Context, unitID string) ([]alerts.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]alerts.Alert, error)
}

// AlertFilter narrows alert listings. Zero values match everything.
type AlertFilter struct {
	OrganizationID string
	UnitID         string
	Type           alerts.AlertType
	Status         alerts.AlertStatus
	From           time.Time
	To             time.Time
	Limit          int
}

// RejectionLog records readings dropped at the ingestion boundary.
type RejectionLog interface {
	RecordRejection(ctx context.Context, rejection Rejection) error
	ListRejections(ctx context.Context, unitID string, limit int) ([]Rejection, error)
}

// DeliveryReceipt acknowledges that a notification was accepted for delivery.
type DeliveryReceipt struct {
	ID       string    `json:"id"`
	QueuedAt time.Time `json:"queued_at"`
}

// Dispatcher hands alert outcomes to notification delivery. Delivery is asynchronous.
type Dispatcher interface {
	Notify(ctx context.Context, outcome alerts.AlertOutcome) (DeliveryReceipt, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
