package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/audit"
	"coldchain-cloud/internal/observability/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var alertNamespace = uuid.MustParse("8f1c7a52-4c1e-4f5e-9a57-6f0f3f2d7a10")

// Lifecycle owns alert records: it applies evaluator commands and operator actions.
type Lifecycle struct {
	alerts     AlertStore
	dispatcher Dispatcher
	auditor    audit.Logger
	clock      Clock
	retry      RetryPolicy
	logger     *zap.Logger
}

// LifecycleOption customizes the lifecycle manager.
type LifecycleOption func(*Lifecycle)

// WithDispatcher assigns the notification dispatcher.
func WithDispatcher(dispatcher Dispatcher) LifecycleOption {
	return func(l *Lifecycle) {
		l.dispatcher = dispatcher
	}
}

// WithAuditor records operator actions.
func WithAuditor(auditor audit.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		l.auditor = auditor
	}
}

// WithLifecycleClock assigns a clock.
func WithLifecycleClock(clock Clock) LifecycleOption {
	return func(l *Lifecycle) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithRetryPolicy overrides retries of store calls.
func WithRetryPolicy(policy RetryPolicy) LifecycleOption {
	return func(l *Lifecycle) {
		l.retry = policy
	}
}

// WithLifecycleLogger assigns a logger.
func WithLifecycleLogger(logger *zap.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLifecycle constructs a lifecycle manager.
func NewLifecycle(store AlertStore, opts ...LifecycleOption) (*Lifecycle, error) {
	if store == nil {
		return nil, errors.New("alert lifecycle: nil store")
	}
	l := &Lifecycle{
		alerts: store,
		clock:  systemClock{},
		retry:  DefaultRetryPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("lifecycle")
	return l, nil
}

// ActiveAlerts returns the open alert of each type for a unit.
func (l *Lifecycle) ActiveAlerts(ctx context.Context, unitID string) (map[alerts.AlertType]alerts.Alert, error) {
	var open []alerts.Alert
	err := l.retry.do(ctx, func(ctx context.Context) error {
		var err error
		open, err = l.alerts.ListOpenAlerts(ctx, unitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[alerts.AlertType]alerts.Alert, len(open))
	for _, a := range open {
		if !a.IsOpen() {
			continue
		}
		if prev, ok := out[a.Type]; ok {
			return nil, fmt.Errorf("%w: unit %s has alerts %s and %s open for %s", alerts.ErrInvalidState, unitID, prev.ID, a.ID, a.Type)
		}
		out[a.Type] = a
	}
	return out, nil
}

// ApplyTransition applies one evaluator command for a unit.
func (l *Lifecycle) ApplyTransition(ctx context.Context, unit alerts.Unit, cmd alerts.AlertCommand) (alerts.AlertOutcome, error) {
	if l == nil {
		return alerts.AlertOutcome{}, errors.New("alert lifecycle: nil manager")
	}
	if !cmd.Type.Valid() {
		return alerts.AlertOutcome{}, fmt.Errorf("alert lifecycle: unknown alert type %q", cmd.Type)
	}
	existing, found, err := l.active(ctx, unit.ID, cmd.Type)
	if err != nil {
		return alerts.AlertOutcome{}, err
	}

	var outcome alerts.AlertOutcome
	switch cmd.Kind {
	case alerts.CommandOpen:
		if found {
			outcome, err = l.extend(ctx, existing, cmd)
		} else {
			outcome, err = l.create(ctx, unit, cmd)
		}
	case alerts.CommandExtend:
		if !found {
			outcome = alerts.AlertOutcome{Action: alerts.OutcomeNoop}
			break
		}
		outcome, err = l.extend(ctx, existing, cmd)
	case alerts.CommandResolve:
		if !found {
			outcome = alerts.AlertOutcome{Action: alerts.OutcomeNoop}
			break
		}
		outcome, err = l.resolve(ctx, existing, cmd)
	default:
		return alerts.AlertOutcome{}, fmt.Errorf("alert lifecycle: unknown command %q", cmd.Kind)
	}
	if err != nil {
		return alerts.AlertOutcome{}, err
	}
	l.publish(ctx, outcome)
	return outcome, nil
}

func (l *Lifecycle) active(ctx context.Context, unitID string, alertType alerts.AlertType) (alerts.Alert, bool, error) {
	var existing alerts.Alert
	err := l.retry.do(ctx, func(ctx context.Context) error {
		var err error
		existing, err = l.alerts.GetActiveAlert(ctx, unitID, alertType)
		return err
	})
	if errors.Is(err, alerts.ErrNotFound) {
		return alerts.Alert{}, false, nil
	}
	if err != nil {
		return alerts.Alert{}, false, err
	}
	return existing, true, nil
}

func (l *Lifecycle) create(ctx context.Context, unit alerts.Unit, cmd alerts.AlertCommand) (alerts.AlertOutcome, error) {
	now := l.clock.Now()
	alert := alerts.Alert{
		ID:                 AlertID(unit.ID, cmd.Type, cmd.At),
		UnitID:             unit.ID,
		SiteID:             unit.SiteID,
		OrganizationID:     unit.OrganizationID,
		Type:               cmd.Type,
		Severity:           cmd.Severity,
		Status:             alerts.AlertActive,
		TriggerTemperature: cmd.TriggerTemperature,
		ThresholdSide:      cmd.ThresholdSide,
		LastTemperature:    cmd.LastTemperature,
		Reason:             cmd.Reason,
		TriggeredAt:        cmd.At,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := l.retry.do(ctx, func(ctx context.Context) error {
		return l.alerts.CreateAlert(ctx, alert)
	}); err != nil {
		return alerts.AlertOutcome{}, err
	}
	return alerts.AlertOutcome{Action: alerts.OutcomeCreated, Alert: alert, Notify: true}, nil
}

func (l *Lifecycle) extend(ctx context.Context, alert alerts.Alert, cmd alerts.AlertCommand) (alerts.AlertOutcome, error) {
	raised := cmd.Severity.Rank() > alert.Severity.Rank()
	if raised {
		alert.Severity = cmd.Severity
		if cmd.Reason != "" {
			alert.Reason = cmd.Reason
		}
	}
	if cmd.LastTemperature != nil {
		alert.LastTemperature = cmd.LastTemperature
	}
	alert.UpdatedAt = l.clock.Now()
	if err := l.retry.do(ctx, func(ctx context.Context) error {
		return l.alerts.ExtendAlert(ctx, alert)
	}); err != nil {
		return alerts.AlertOutcome{}, err
	}
	return alerts.AlertOutcome{Action: alerts.OutcomeExtended, Alert: alert, Notify: raised}, nil
}

func (l *Lifecycle) resolve(ctx context.Context, alert alerts.Alert, cmd alerts.AlertCommand) (alerts.AlertOutcome, error) {
	at := cmd.At
	if at.IsZero() {
		at = l.clock.Now()
	}
	if !alert.Resolve(at) {
		return alerts.AlertOutcome{Action: alerts.OutcomeNoop, Alert: alert}, nil
	}
	if err := l.retry.do(ctx, func(ctx context.Context) error {
		return l.alerts.ResolveAlert(ctx, alert.ID, at)
	}); err != nil {
		return alerts.AlertOutcome{}, err
	}
	return alerts.AlertOutcome{Action: alerts.OutcomeResolved, Alert: alert, Notify: true}, nil
}

// ResolveOpen resolves every open alert of a unit.
func (l *Lifecycle) ResolveOpen(ctx context.Context, unit alerts.Unit, at time.Time) error {
	var open []alerts.Alert
	if err := l.retry.do(ctx, func(ctx context.Context) error {
		var err error
		open, err = l.alerts.ListOpenAlerts(ctx, unit.ID)
		return err
	}); err != nil {
		return err
	}
	for _, alert := range open {
		outcome, err := l.resolve(ctx, alert, alerts.AlertCommand{Kind: alerts.CommandResolve, Type: alert.Type, At: at})
		if err != nil {
			return err
		}
		l.publish(ctx, outcome)
	}
	return nil
}

// Acknowledge marks an active alert as acknowledged by actor.
// It does not influence evaluation: detection continues while acknowledged.
func (l *Lifecycle) Acknowledge(ctx context.Context, alertID, actor string) (alerts.AlertOutcome, error) {
	return l.operatorAction(ctx, alertID, actor, audit.ActionAlertAcknowledge, func(a *alerts.Alert) (bool, error) {
		return a.Acknowledge(actor, l.clock.Now())
	})
}

// Escalate raises the escalation level of an open alert.
func (l *Lifecycle) Escalate(ctx context.Context, alertID, actor string) (alerts.AlertOutcome, error) {
	return l.operatorAction(ctx, alertID, actor, audit.ActionAlertEscalate, func(a *alerts.Alert) (bool, error) {
		return true, a.Escalate(l.clock.Now())
	})
}

func (l *Lifecycle) operatorAction(ctx context.Context, alertID, actor, action string, mutate func(*alerts.Alert) (bool, error)) (alerts.AlertOutcome, error) {
	if l == nil {
		return alerts.AlertOutcome{}, errors.New("alert lifecycle: nil manager")
	}
	if alertID == "" {
		return alerts.AlertOutcome{}, errors.New("alert lifecycle: empty alert id")
	}
	var alert alerts.Alert
	if err := l.retry.do(ctx, func(ctx context.Context) error {
		var err error
		alert, err = l.alerts.GetAlert(ctx, alertID)
		return err
	}); err != nil {
		return alerts.AlertOutcome{}, err
	}
	changed, err := mutate(&alert)
	if err != nil {
		return alerts.AlertOutcome{}, fmt.Errorf("%w: %s on %s alert", err, action, alert.Status)
	}
	if !changed {
		return alerts.AlertOutcome{Action: alerts.OutcomeNoop, Alert: alert}, nil
	}
	if err := l.retry.do(ctx, func(ctx context.Context) error {
		return l.alerts.UpdateAlertStatus(ctx, alert)
	}); err != nil {
		return alerts.AlertOutcome{}, err
	}

	outcome := alerts.AlertOutcome{Action: alerts.OutcomeAcknowledged, Alert: alert}
	if alert.Status == alerts.AlertEscalated {
		outcome.Action = alerts.OutcomeEscalated
		outcome.Notify = true
	}
	l.audit(ctx, alert, actor, action)
	l.publish(ctx, outcome)
	return outcome, nil
}

func (l *Lifecycle) audit(ctx context.Context, alert alerts.Alert, actor, action string) {
	if l.auditor == nil {
		return
	}
	meta := audit.RequestMetaFrom(ctx)
	payload, _ := json.Marshal(map[string]string{
		"status":           string(alert.Status),
		"escalation_level": strconv.Itoa(alert.EscalationLevel),
		"type":             string(alert.Type),
	})
	entry := audit.Entry{
		OrganizationID: alert.OrganizationID,
		Actor:          actor,
		Role:           meta.Role,
		Action:         action,
		ResourceType:   "alert",
		ResourceID:     alert.ID,
		UnitID:         alert.UnitID,
		Metadata:       payload,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
		CreatedAt:      l.clock.Now(),
	}
	if err := l.auditor.Log(ctx, entry); err != nil {
		l.logger.Warn("audit log failed", zap.String("alert_id", alert.ID), zap.String("action", action), zap.Error(err))
	}
}

func (l *Lifecycle) auditUnitReset(ctx context.Context, unit alerts.Unit, actor string, from alerts.UnitStatus) {
	if l.auditor == nil {
		return
	}
	meta := audit.RequestMetaFrom(ctx)
	payload, _ := json.Marshal(map[string]string{"previous_status": string(from)})
	entry := audit.Entry{
		OrganizationID: unit.OrganizationID,
		Actor:          actor,
		Role:           meta.Role,
		Action:         audit.ActionUnitReset,
		ResourceType:   "unit",
		ResourceID:     unit.ID,
		UnitID:         unit.ID,
		Metadata:       payload,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
		CreatedAt:      l.clock.Now(),
	}
	if err := l.auditor.Log(ctx, entry); err != nil {
		l.logger.Warn("audit log failed", zap.String("unit_id", unit.ID), zap.String("action", audit.ActionUnitReset), zap.Error(err))
	}
}

// publish records the outcome and queues a notification. Dispatch failures never roll back alert state.
func (l *Lifecycle) publish(ctx context.Context, outcome alerts.AlertOutcome) {
	if outcome.Action == alerts.OutcomeNoop {
		return
	}
	metrics.IncAlertEvent(string(outcome.Alert.Type), string(outcome.Action))
	if !outcome.Notify || l.dispatcher == nil {
		return
	}
	dispatchCtx := ctx
	cancel := context.CancelFunc(func() {})
	if l.retry.Timeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, l.retry.Timeout)
	}
	defer cancel()
	receipt, err := l.dispatcher.Notify(dispatchCtx, outcome)
	if err != nil {
		l.logger.Error("notification dispatch failed",
			zap.String("alert_id", outcome.Alert.ID),
			zap.String("action", string(outcome.Action)),
			zap.Error(err))
		return
	}
	l.logger.Debug("notification queued", zap.String("alert_id", outcome.Alert.ID), zap.String("receipt", receipt.ID))
}

// AlertID derives a stable alert id so a retried create never duplicates.
func AlertID(unitID string, alertType alerts.AlertType, triggeredAt time.Time) string {
	key := unitID + "|" + string(alertType) + "|" + strconv.FormatInt(triggeredAt.UnixNano(), 10)
	return uuid.NewSHA1(alertNamespace, []byte(key)).String()
}
