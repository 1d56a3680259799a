package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/observability/metrics"

	"go.uber.org/zap"
)

const defaultMaxClockSkew = 2 * time.Minute

// ReadingInput is a normalized reading as delivered by the transport layer.
type ReadingInput struct {
	UnitID      string    `json:"unit_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Battery     *float64  `json:"battery,omitempty"`
	DoorState   string    `json:"door_state,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// BatchResult summarizes a store-and-forward batch submission.
type BatchResult struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
	Failed   int         `json:"failed"`
}

// StatusListener observes unit status changes.
type StatusListener interface {
	UnitStatusChanged(ctx context.Context, unit alerts.Unit, from, to alerts.UnitStatus, at time.Time)
}

// Engine is the ingestion entry point. It serializes evaluations per unit
// and owns the single write path for unit runtime state.
type Engine struct {
	units      UnitDirectory
	states     StateStore
	resolver   *RuleResolver
	lifecycle  *Lifecycle
	rejections RejectionLog
	listener   StatusListener
	locks      *unitLocks
	clock      Clock
	retry      RetryPolicy
	maxSkew    time.Duration
	logger     *zap.Logger
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithEngineClock assigns a clock.
func WithEngineClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMaxClockSkew sets how far in the future a reading timestamp may be.
func WithMaxClockSkew(skew time.Duration) EngineOption {
	return func(e *Engine) {
		if skew >= 0 {
			e.maxSkew = skew
		}
	}
}

// WithRejectionLog records dropped readings.
func WithRejectionLog(log RejectionLog) EngineOption {
	return func(e *Engine) {
		e.rejections = log
	}
}

// WithStatusListener assigns a status change observer.
func WithStatusListener(listener StatusListener) EngineOption {
	return func(e *Engine) {
		e.listener = listener
	}
}

// WithEngineRetry overrides retries of state store calls.
func WithEngineRetry(policy RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.retry = policy
	}
}

// WithEngineLogger assigns a logger.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine constructs the evaluation engine.
func NewEngine(units UnitDirectory, states StateStore, resolver *RuleResolver, lifecycle *Lifecycle, opts ...EngineOption) (*Engine, error) {
	if units == nil || states == nil {
		return nil, errors.New("alert engine: nil store")
	}
	if resolver == nil || lifecycle == nil {
		return nil, errors.New("alert engine: nil resolver or lifecycle")
	}
	e := &Engine{
		units:     units,
		states:    states,
		resolver:  resolver,
		lifecycle: lifecycle,
		locks:     newUnitLocks(),
		clock:     systemClock{},
		retry:     DefaultRetryPolicy(),
		maxSkew:   defaultMaxClockSkew,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	return e, nil
}

// SubmitReading validates and evaluates one reading. Only data errors are returned
// as *RejectionError; evaluation failures are logged and never reject the reading.
func (e *Engine) SubmitReading(ctx context.Context, in ReadingInput) error {
	if e == nil {
		return errors.New("alert engine: nil engine")
	}
	now := e.clock.Now()
	started := time.Now()

	reading, rej := e.normalize(in, now)
	if rej != nil {
		return e.reject(ctx, *rej)
	}
	unit, err := e.activeUnit(ctx, reading.UnitID, in.DeviceID, reading.RecordedAt, now)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(unit.ID)
	defer unlock()

	state, err := e.loadState(ctx, unit)
	if err != nil {
		e.logger.Error("load unit state failed, reading not evaluated", zap.String("unit_id", unit.ID), zap.Error(err))
		metrics.ObserveReading("error", time.Since(started))
		return nil
	}
	if !state.LastReadingAt.IsZero() && !reading.RecordedAt.After(state.LastReadingAt) {
		return e.reject(ctx, Rejection{
			UnitID:     unit.ID,
			DeviceID:   reading.DeviceID,
			Reason:     RejectOutOfOrder,
			Detail:     fmt.Sprintf("recorded_at %s not after last reading %s", reading.RecordedAt.Format(time.RFC3339Nano), state.LastReadingAt.Format(time.RFC3339Nano)),
			RecordedAt: reading.RecordedAt,
			ReceivedAt: now,
		})
	}

	rule := e.resolver.ResolveUnit(ctx, unit)
	result := "accepted"
	if _, err := e.evaluate(ctx, unit, rule, state, &reading, now, "reading"); err != nil {
		result = "evaluation_error"
	}
	metrics.ObserveReading(result, time.Since(started))
	return nil
}

// SubmitReadings evaluates a batch in timestamp order so late-delivered samples
// inside the batch are reordered rather than flagged.
func (e *Engine) SubmitReadings(ctx context.Context, batch []ReadingInput) BatchResult {
	sorted := append([]ReadingInput(nil), batch...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RecordedAt.Before(sorted[j].RecordedAt)
	})
	var out BatchResult
	for _, in := range sorted {
		err := e.SubmitReading(ctx, in)
		var rej *RejectionError
		switch {
		case err == nil:
			out.Accepted++
		case errors.As(err, &rej):
			out.Rejected = append(out.Rejected, rej.Rejection)
		default:
			out.Failed++
		}
	}
	return out
}

// RecordManualLog stores a manual temperature log time and re-evaluates the unit.
func (e *Engine) RecordManualLog(ctx context.Context, unitID string, loggedAt time.Time) error {
	if e == nil {
		return errors.New("alert engine: nil engine")
	}
	now := e.clock.Now()
	switch {
	case unitID == "":
		return e.reject(ctx, Rejection{Reason: RejectInvalidReading, Detail: "manual log missing unit id", ReceivedAt: now})
	case loggedAt.IsZero():
		return e.reject(ctx, Rejection{UnitID: unitID, Reason: RejectInvalidReading, Detail: "manual log missing timestamp", ReceivedAt: now})
	case loggedAt.After(now.Add(e.maxSkew)):
		return e.reject(ctx, Rejection{UnitID: unitID, Reason: RejectClockSkew, Detail: "manual log timestamp in the future", RecordedAt: loggedAt, ReceivedAt: now})
	}
	unit, err := e.activeUnit(ctx, unitID, "", loggedAt, now)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(unit.ID)
	defer unlock()

	state, err := e.loadState(ctx, unit)
	if err != nil {
		return fmt.Errorf("alert engine: load state: %w", err)
	}
	if loggedAt.After(state.LastManualLogAt) {
		state.LastManualLogAt = loggedAt
	}
	rule := e.resolver.ResolveUnit(ctx, unit)
	if _, err := e.evaluate(ctx, unit, rule, state, nil, now, "manual_log"); err != nil {
		// keep the log time even when evaluation is skipped
		return e.saveState(ctx, state)
	}
	return nil
}

// Tick evaluates a synthetic no-reading tick when the unit needs time-driven
// evaluation. It reports whether an evaluation ran.
func (e *Engine) Tick(ctx context.Context, unit alerts.Unit, now time.Time) (bool, error) {
	if e == nil {
		return false, errors.New("alert engine: nil engine")
	}
	unlock := e.locks.lock(unit.ID)
	defer unlock()

	state, err := e.loadState(ctx, unit)
	if err != nil {
		return false, fmt.Errorf("alert engine: load state: %w", err)
	}
	rule := e.resolver.ResolveUnit(ctx, unit)
	if !tickDue(unit, state, rule, now) {
		return false, nil
	}
	if missed := alerts.MissedCheckins(rule, state.SilenceBaseline(), now); missed > state.MissedCheckins {
		state.MissedCheckins = missed
	}
	_, err = e.evaluate(ctx, unit, rule, state, nil, now, "tick")
	return true, err
}

// ResetUnit returns a unit to its initial state and resolves its open alerts.
// Used on deactivation and by operators to recover a unit with corrupted state.
func (e *Engine) ResetUnit(ctx context.Context, unitID, actor string) (alerts.UnitRuntimeState, error) {
	if e == nil {
		return alerts.UnitRuntimeState{}, errors.New("alert engine: nil engine")
	}
	unit, err := e.units.GetUnit(ctx, unitID)
	if err != nil {
		return alerts.UnitRuntimeState{}, err
	}
	unlock := e.locks.lock(unit.ID)
	defer unlock()

	state, err := e.loadState(ctx, unit)
	if err != nil {
		return alerts.UnitRuntimeState{}, fmt.Errorf("alert engine: load state: %w", err)
	}
	now := e.clock.Now()
	if err := e.lifecycle.ResolveOpen(ctx, unit, now); err != nil {
		return alerts.UnitRuntimeState{}, err
	}
	next := state.Reset(now)
	if err := e.saveState(ctx, next); err != nil {
		return alerts.UnitRuntimeState{}, err
	}
	e.lifecycle.auditUnitReset(ctx, unit, actor, state.Status)
	e.statusChanged(ctx, unit, state.Status, next.Status, now)
	return next, nil
}

// State returns the current runtime state of a unit.
func (e *Engine) State(ctx context.Context, unitID string) (alerts.UnitRuntimeState, error) {
	if e == nil {
		return alerts.UnitRuntimeState{}, errors.New("alert engine: nil engine")
	}
	unit, err := e.units.GetUnit(ctx, unitID)
	if err != nil {
		return alerts.UnitRuntimeState{}, err
	}
	return e.loadState(ctx, unit)
}

func (e *Engine) evaluate(ctx context.Context, unit alerts.Unit, rule alerts.EffectiveRule, prior alerts.UnitRuntimeState, reading *alerts.Reading, now time.Time, trigger string) (alerts.UnitRuntimeState, error) {
	started := time.Now()
	next, err := e.runEvaluation(ctx, unit, rule, prior, reading, now)
	metrics.ObserveEvaluation(trigger, err, time.Since(started))
	if err == nil {
		return next, nil
	}
	fields := []zap.Field{zap.String("unit_id", unit.ID), zap.String("trigger", trigger), zap.String("status", string(prior.Status)), zap.Error(err)}
	switch {
	case errors.Is(err, alerts.ErrDanglingAlert):
		metrics.IncStateError("dangling_alert")
		e.logger.Error("unit state references a missing alert, evaluation skipped", fields...)
	case errors.Is(err, alerts.ErrInvalidState):
		metrics.IncStateError("invalid_state")
		e.logger.Error("unit state invalid, evaluation skipped", fields...)
	default:
		e.logger.Error("unit evaluation failed", fields...)
	}
	return prior, err
}

func (e *Engine) runEvaluation(ctx context.Context, unit alerts.Unit, rule alerts.EffectiveRule, prior alerts.UnitRuntimeState, reading *alerts.Reading, now time.Time) (alerts.UnitRuntimeState, error) {
	active, err := e.lifecycle.ActiveAlerts(ctx, unit.ID)
	if err != nil {
		return prior, fmt.Errorf("load active alerts: %w", err)
	}
	if err := checkAlertRefs(prior, active); err != nil {
		return prior, err
	}
	input := prior.Clone()
	for t, a := range active {
		input.AlertRefs[t] = a.ID
	}

	result, err := alerts.Evaluate(alerts.EvaluationInput{
		Now:          now,
		Unit:         unit,
		Reading:      reading,
		Rule:         rule,
		Prior:        input,
		ActiveAlerts: active,
		ClockSkew:    e.maxSkew,
	})
	if err != nil {
		return prior, err
	}

	next := result.Next
	for _, cmd := range result.Commands {
		outcome, err := e.lifecycle.ApplyTransition(ctx, unit, cmd)
		if err != nil {
			// the decision stands; a missing alert is reopened on the next evaluation
			e.logger.Error("alert transition failed",
				zap.String("unit_id", unit.ID),
				zap.String("type", string(cmd.Type)),
				zap.String("command", string(cmd.Kind)),
				zap.Error(err))
			continue
		}
		switch {
		case cmd.Kind == alerts.CommandResolve:
			delete(next.AlertRefs, cmd.Type)
		case outcome.Action == alerts.OutcomeCreated || outcome.Action == alerts.OutcomeExtended:
			next.AlertRefs[cmd.Type] = outcome.Alert.ID
		}
	}

	if err := e.saveState(ctx, next); err != nil {
		return prior, fmt.Errorf("save state: %w", err)
	}
	e.statusChanged(ctx, unit, prior.Status, next.Status, now)
	return next, nil
}

func (e *Engine) statusChanged(ctx context.Context, unit alerts.Unit, from, to alerts.UnitStatus, at time.Time) {
	if from == to {
		return
	}
	metrics.IncStatusTransition(string(from), string(to))
	e.logger.Info("unit status changed",
		zap.String("unit_id", unit.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if e.listener != nil {
		e.listener.UnitStatusChanged(ctx, unit, from, to, at)
	}
}

// checkAlertRefs fails when the state points at an alert that is no longer open.
func checkAlertRefs(state alerts.UnitRuntimeState, active map[alerts.AlertType]alerts.Alert) error {
	for t, id := range state.AlertRefs {
		a, ok := active[t]
		if !ok || a.ID != id {
			return fmt.Errorf("%w: %s alert %s", alerts.ErrDanglingAlert, t, id)
		}
	}
	return nil
}

func tickDue(unit alerts.Unit, state alerts.UnitRuntimeState, rule alerts.EffectiveRule, now time.Time) bool {
	if now.Sub(state.SilenceBaseline()) >= rule.ExpectedInterval {
		return true
	}
	if unit.ManualMonitoringRequired || state.DoorIsOpen() {
		return true
	}
	switch state.TempPhase {
	case alerts.TempPending, alerts.TempExcursion:
		return true
	}
	return false
}

func (e *Engine) loadState(ctx context.Context, unit alerts.Unit) (alerts.UnitRuntimeState, error) {
	var state alerts.UnitRuntimeState
	err := e.retry.do(ctx, func(ctx context.Context) error {
		var err error
		state, err = e.states.GetState(ctx, unit.ID)
		return err
	})
	if errors.Is(err, alerts.ErrNotFound) {
		created := unit.CreatedAt
		if created.IsZero() {
			created = e.clock.Now()
		}
		return alerts.NewUnitState(unit.ID, created), nil
	}
	if err != nil {
		return alerts.UnitRuntimeState{}, err
	}
	if state.AlertRefs == nil {
		state.AlertRefs = map[alerts.AlertType]string{}
	}
	return state, nil
}

func (e *Engine) saveState(ctx context.Context, state alerts.UnitRuntimeState) error {
	return e.retry.do(ctx, func(ctx context.Context) error {
		return e.states.SaveState(ctx, state)
	})
}

func (e *Engine) activeUnit(ctx context.Context, unitID, deviceID string, recordedAt, now time.Time) (alerts.Unit, error) {
	unit, err := e.units.GetUnit(ctx, unitID)
	if errors.Is(err, alerts.ErrNotFound) {
		return alerts.Unit{}, e.reject(ctx, Rejection{UnitID: unitID, DeviceID: deviceID, Reason: RejectUnknownUnit, Detail: "unit not found", RecordedAt: recordedAt, ReceivedAt: now})
	}
	if err != nil {
		return alerts.Unit{}, fmt.Errorf("alert engine: unit lookup: %w", err)
	}
	if !unit.Active {
		return alerts.Unit{}, e.reject(ctx, Rejection{UnitID: unitID, DeviceID: deviceID, Reason: RejectInactiveUnit, Detail: "unit is inactive", RecordedAt: recordedAt, ReceivedAt: now})
	}
	return unit, nil
}

func (e *Engine) normalize(in ReadingInput, now time.Time) (alerts.Reading, *Rejection) {
	rej := func(reason RejectionReason, detail string) (alerts.Reading, *Rejection) {
		return alerts.Reading{}, &Rejection{UnitID: in.UnitID, DeviceID: in.DeviceID, Reason: reason, Detail: detail, RecordedAt: in.RecordedAt, ReceivedAt: now}
	}
	if in.UnitID == "" {
		return rej(RejectInvalidReading, "missing unit id")
	}
	if in.RecordedAt.IsZero() {
		return rej(RejectInvalidReading, "missing timestamp")
	}
	if in.Temperature == nil {
		return rej(RejectInvalidReading, "missing temperature")
	}
	temp, err := alerts.CentiFromFloat(*in.Temperature)
	if err != nil {
		return rej(RejectInvalidReading, err.Error())
	}
	if in.Humidity != nil && (!finite(*in.Humidity) || *in.Humidity < 0 || *in.Humidity > 100) {
		return rej(RejectInvalidReading, "humidity out of range")
	}
	if in.Battery != nil && !finite(*in.Battery) {
		return rej(RejectInvalidReading, "non-finite battery level")
	}
	var door *alerts.DoorState
	if in.DoorState != "" {
		d := alerts.DoorState(in.DoorState)
		if !d.Valid() {
			return rej(RejectInvalidReading, fmt.Sprintf("unknown door state %q", in.DoorState))
		}
		door = &d
	}
	if in.RecordedAt.After(now.Add(e.maxSkew)) {
		return rej(RejectClockSkew, fmt.Sprintf("recorded_at %s is beyond clock skew tolerance %s", in.RecordedAt.Format(time.RFC3339), e.maxSkew))
	}
	return alerts.Reading{
		UnitID:      in.UnitID,
		DeviceID:    in.DeviceID,
		Temperature: temp,
		Humidity:    in.Humidity,
		Battery:     in.Battery,
		Door:        door,
		RecordedAt:  in.RecordedAt.UTC(),
	}, nil
}

func (e *Engine) reject(ctx context.Context, rejection Rejection) error {
	metrics.IncReadingRejected(string(rejection.Reason))
	metrics.ObserveReading("rejected", 0)
	e.logger.Warn("reading rejected",
		zap.String("unit_id", rejection.UnitID),
		zap.String("device_id", rejection.DeviceID),
		zap.String("reason", string(rejection.Reason)),
		zap.String("detail", rejection.Detail))
	if e.rejections != nil {
		if err := e.rejections.RecordRejection(ctx, rejection); err != nil {
			e.logger.Warn("record rejection failed", zap.String("unit_id", rejection.UnitID), zap.Error(err))
		}
	}
	return &RejectionError{Rejection: rejection}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
