package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/eventing"
	"coldchain-cloud/internal/observability/metrics"

	"go.uber.org/zap"
)

const maxSendRecords = 4096

// SystemActor is recorded on escalations raised by the notifier itself.
const SystemActor = "system"

// UnitReader loads unit metadata for message rendering.
type UnitReader interface {
	GetUnit(ctx context.Context, unitID string) (alerts.Unit, error)
}

// AlertReader loads alert records.
type AlertReader interface {
	GetAlert(ctx context.Context, alertID string) (alerts.Alert, error)
}

// Escalator raises an alert's escalation level.
type Escalator interface {
	Escalate(ctx context.Context, alertID, actor string) (alerts.AlertOutcome, error)
}

// Clock provides time for cooldown bookkeeping.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders alert outcomes and sends them via a channel. It escalates
// alerts that stay unacknowledged for longer than the escalation delay.
type Notifier struct {
	units          UnitReader
	alerts         AlertReader
	escalator      Escalator
	channel        Channel
	template       *Template
	escalation     time.Duration
	escalateFrom   alerts.Severity
	clock          Clock
	mu             sync.Mutex
	timers         map[string]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration
	logger         *zap.Logger
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation escalates alerts still active after the delay.
func WithEscalation(after time.Duration, escalator Escalator) Option {
	return func(n *Notifier) {
		if after > 0 && escalator != nil {
			n.escalation = after
			n.escalator = escalator
		}
	}
}

// WithEscalationSeverity sets the lowest severity that is escalated.
func WithEscalationSeverity(severity alerts.Severity) Option {
	return func(n *Notifier) {
		if severity.Valid() {
			n.escalateFrom = severity
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout overrides the default timeout for escalation checks.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same alert and action.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs an alert notifier.
func NewNotifier(units UnitReader, alertReader AlertReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if alertReader == nil {
		return nil, errors.New("alert notifier: nil alert reader")
	}
	if channel == nil {
		return nil, errors.New("alert notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		units:          units,
		alerts:         alertReader,
		channel:        channel,
		template:       template,
		escalateFrom:   alerts.SeverityCritical,
		clock:          systemClock{},
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.Named("notifier")
	return n, nil
}

// Deliver implements eventing.Sink for outcomes queued in the outbox.
func (n *Notifier) Deliver(ctx context.Context, env eventing.Envelope) error {
	var outcome alerts.AlertOutcome
	if err := env.Decode(&outcome); err != nil {
		return fmt.Errorf("%w: decode %s: %v", eventing.ErrPermanent, env.EventID, err)
	}
	return n.Notify(ctx, outcome)
}

// Notify renders and sends one outcome. A send failure is returned so the
// outbox can retry it.
func (n *Notifier) Notify(ctx context.Context, outcome alerts.AlertOutcome) error {
	if n == nil || n.channel == nil {
		return nil
	}
	alert := outcome.Alert
	if alert.ID == "" {
		return fmt.Errorf("%w: outcome without alert id", eventing.ErrPermanent)
	}

	unit := n.lookup(ctx, alert.UnitID)
	content, err := n.template.Render(buildTemplateData(outcome, unit))
	if err != nil {
		return fmt.Errorf("%w: render: %v", eventing.ErrPermanent, err)
	}
	if n.shouldSend(alert.ID, outcome.Action, content) {
		msg := Message{Subject: subjectFor(outcome, unit), Body: content, Outcome: outcome}
		err := n.channel.Send(ctx, msg)
		metrics.IncNotification(n.channel.Name(), err)
		if err != nil {
			return err
		}
		n.markSent(alert.ID, outcome.Action, content)
	} else {
		n.logger.Debug("notification suppressed", zap.String("alert_id", alert.ID), zap.String("action", string(outcome.Action)))
	}

	switch outcome.Action {
	case alerts.OutcomeCreated, alerts.OutcomeExtended:
		n.scheduleEscalation(alert)
	case alerts.OutcomeAcknowledged, alerts.OutcomeResolved, alerts.OutcomeEscalated:
		n.cancelEscalation(alert.ID)
	}
	return nil
}

// Pending reports how many escalation timers are armed.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.timers)
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) lookup(ctx context.Context, unitID string) alerts.Unit {
	if n.units == nil || unitID == "" {
		return alerts.Unit{ID: unitID}
	}
	unit, err := n.units.GetUnit(ctx, unitID)
	if err != nil {
		return alerts.Unit{ID: unitID}
	}
	return unit
}

func (n *Notifier) scheduleEscalation(alert alerts.Alert) {
	if n.escalation <= 0 || n.escalator == nil || alert.ID == "" {
		return
	}
	if alert.Status != alerts.AlertActive || alert.Severity.Rank() < n.escalateFrom.Rank() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, armed := n.timers[alert.ID]; armed {
		return
	}
	id := alert.ID
	n.timers[id] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(id)
	})
}

func (n *Notifier) cancelEscalation(alertID string) {
	if alertID == "" {
		return
	}
	n.mu.Lock()
	timer := n.timers[alertID]
	delete(n.timers, alertID)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(alertID string) {
	n.mu.Lock()
	delete(n.timers, alertID)
	n.mu.Unlock()

	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	alert, err := n.alerts.GetAlert(ctx, alertID)
	if err != nil {
		n.logger.Warn("escalation lookup failed", zap.String("alert_id", alertID), zap.Error(err))
		return
	}
	// acknowledged, resolved or already escalated alerts are left alone
	if alert.Status != alerts.AlertActive {
		return
	}
	if _, err := n.escalator.Escalate(ctx, alertID, SystemActor); err != nil {
		n.logger.Error("automatic escalation failed", zap.String("alert_id", alertID), zap.Error(err))
		return
	}
	n.logger.Info("alert escalated", zap.String("alert_id", alertID), zap.Duration("after", n.escalation))
}

func buildTemplateData(outcome alerts.AlertOutcome, unit alerts.Unit) TemplateData {
	alert := outcome.Alert
	name := unit.Name
	if name == "" {
		name = alert.UnitID
	}
	data := TemplateData{
		AlertID:         alert.ID,
		Unit:            name,
		UnitID:          alert.UnitID,
		SiteID:          alert.SiteID,
		OrganizationID:  alert.OrganizationID,
		Type:            string(alert.Type),
		Severity:        string(alert.Severity),
		SeverityLabel:   severityLabel(alert.Severity),
		Status:          string(alert.Status),
		Action:          string(outcome.Action),
		ActionLabel:     actionLabel(outcome.Action),
		ThresholdSide:   sideLabel(alert.ThresholdSide),
		TriggeredAt:     alert.TriggeredAt.UTC().Format(time.RFC3339),
		Reason:          alert.Reason,
		EscalationLevel: alert.EscalationLevel,
		Suggestion:      suggestionFor(alert),
	}
	if alert.TriggerTemperature != nil {
		data.TriggerTemperature = alert.TriggerTemperature.String()
	}
	if alert.LastTemperature != nil {
		data.LastTemperature = alert.LastTemperature.String()
	}
	return data
}

func subjectFor(outcome alerts.AlertOutcome, unit alerts.Unit) string {
	name := unit.Name
	if name == "" {
		name = outcome.Alert.UnitID
	}
	return fmt.Sprintf("%s %s alert %s: %s", severityLabel(outcome.Alert.Severity), outcome.Alert.Type, actionLabel(outcome.Action), name)
}

func severityLabel(severity alerts.Severity) string {
	switch severity {
	case alerts.SeverityCritical:
		return "CRITICAL"
	case alerts.SeverityWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

func actionLabel(action alerts.OutcomeAction) string {
	switch action {
	case alerts.OutcomeCreated:
		return "triggered"
	case alerts.OutcomeExtended:
		return "raised"
	case alerts.OutcomeEscalated:
		return "escalated"
	case alerts.OutcomeAcknowledged:
		return "acknowledged"
	case alerts.OutcomeResolved:
		return "resolved"
	default:
		return string(action)
	}
}

func sideLabel(side alerts.ThresholdSide) string {
	switch side {
	case alerts.SideAbove:
		return "above max"
	case alerts.SideBelow:
		return "below min"
	default:
		return ""
	}
}

func suggestionFor(alert alerts.Alert) string {
	switch alert.Type {
	case alerts.AlertTemperature:
		if alert.Severity == alerts.SeverityCritical {
			return "Move product to a working unit and record the excursion."
		}
		return "Check the unit door and compressor, then confirm the reading."
	case alerts.AlertOffline:
		return "Check sensor power and connectivity. Take a manual reading."
	case alerts.AlertManual:
		return "Record a manual temperature log for this unit."
	case alerts.AlertDoor:
		return "Close the unit door and verify the seal."
	default:
		return "Inspect the unit."
	}
}

func (n *Notifier) shouldSend(alertID string, action alerts.OutcomeAction, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(alertID, action)
	now := n.clock.Now().UTC()

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hashContent(content) && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(alertID string, action alerts.OutcomeAction, content string) {
	key := notificationKey(alertID, action)
	now := n.clock.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[key] = sendRecord{at: now, hash: hashContent(content)}
	if len(n.sent) > maxSendRecords {
		horizon := max(n.cooldown, n.dedupeWindow)
		for k, record := range n.sent {
			if now.Sub(record.at) >= horizon {
				delete(n.sent, k)
			}
		}
	}
}

func notificationKey(alertID string, action alerts.OutcomeAction) string {
	return alertID + "|" + string(action)
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
