package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/alerts/infrastructure/memory"
	"coldchain-cloud/internal/audit"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

type recordingDispatcher struct {
	mu       sync.Mutex
	outcomes []alerts.AlertOutcome
}

func (d *recordingDispatcher) Notify(_ context.Context, outcome alerts.AlertOutcome) (application.DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes = append(d.outcomes, outcome)
	return application.DeliveryReceipt{ID: outcome.Alert.ID, QueuedAt: time.Now()}, nil
}

func (d *recordingDispatcher) actions() []alerts.OutcomeAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]alerts.OutcomeAction, 0, len(d.outcomes))
	for _, o := range d.outcomes {
		out = append(out, o.Action)
	}
	return out
}

type fixture struct {
	units      *memory.UnitDirectory
	rules      *memory.RuleStore
	states     *memory.StateStore
	alerts     *memory.AlertStore
	rejections *memory.RejectionLog
	auditLog   *audit.MemoryLog
	clock      *fakeClock
	dispatcher *recordingDispatcher
	lifecycle  *application.Lifecycle
	engine     *application.Engine
}

func noRetry() application.RetryPolicy {
	return application.RetryPolicy{Attempts: 1}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		units:      memory.NewUnitDirectory(),
		rules:      memory.NewRuleStore(),
		states:     memory.NewStateStore(),
		alerts:     memory.NewAlertStore(),
		rejections: memory.NewRejectionLog(100),
		auditLog:   audit.NewMemoryLog(),
		clock:      &fakeClock{now: t0},
		dispatcher: &recordingDispatcher{},
	}
	resolver, err := application.NewRuleResolver(f.rules, f.units, zap.NewNop())
	require.NoError(t, err)
	f.lifecycle, err = application.NewLifecycle(f.alerts,
		application.WithDispatcher(f.dispatcher),
		application.WithAuditor(f.auditLog),
		application.WithLifecycleClock(f.clock),
		application.WithRetryPolicy(noRetry()),
	)
	require.NoError(t, err)
	f.engine, err = application.NewEngine(f.units, f.states, resolver, f.lifecycle,
		application.WithEngineClock(f.clock),
		application.WithRejectionLog(f.rejections),
		application.WithEngineRetry(noRetry()),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) addUnit(t *testing.T, id string, manual bool) alerts.Unit {
	t.Helper()
	unit := alerts.Unit{
		ID:                       id,
		SiteID:                   "site-1",
		OrganizationID:           "org-1",
		Name:                     "Walk-in " + id,
		ManualMonitoringRequired: manual,
		Active:                   true,
		CreatedAt:                t0.Add(-time.Hour),
	}
	require.NoError(t, f.units.PutUnit(context.Background(), unit))
	return unit
}

func (f *fixture) putRules(t *testing.T, fragment alerts.RuleFragment) {
	t.Helper()
	require.NoError(t, f.rules.PutRules(context.Background(), fragment))
}

func (f *fixture) submit(t *testing.T, unitID string, at time.Time, temp float64) error {
	t.Helper()
	f.clock.Set(at)
	return f.engine.SubmitReading(context.Background(), application.ReadingInput{
		UnitID:      unitID,
		Temperature: &temp,
		RecordedAt:  at,
	})
}

func (f *fixture) state(t *testing.T, unitID string) alerts.UnitRuntimeState {
	t.Helper()
	state, err := f.engine.State(context.Background(), unitID)
	require.NoError(t, err)
	return state
}

func intPtr(v int) *int { return &v }

func centiPtr(v alerts.Centi) *alerts.Centi { return &v }

func floatPtr(v float64) *float64 { return &v }
