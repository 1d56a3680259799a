package application_test

import (
	"context"
	"testing"
	"time"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCmd(severity alerts.Severity, at time.Time) alerts.AlertCommand {
	return alerts.AlertCommand{Kind: alerts.CommandOpen, Type: alerts.AlertTemperature, Severity: severity, TriggerTemperature: centiPtr(5000), At: at}
}

func TestLifecycleOpenExtendsExistingAlert(t *testing.T) {
	f := newFixture(t)
	unit := f.addUnit(t, "unit-1", false)
	ctx := context.Background()

	first, err := f.lifecycle.ApplyTransition(ctx, unit, openCmd(alerts.SeverityWarning, t0))
	require.NoError(t, err)
	assert.Equal(t, alerts.OutcomeCreated, first.Action)
	assert.True(t, first.Notify)

	second, err := f.lifecycle.ApplyTransition(ctx, unit, openCmd(alerts.SeverityWarning, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, alerts.OutcomeExtended, second.Action)
	assert.False(t, second.Notify)
	assert.Equal(t, first.Alert.ID, second.Alert.ID)

	third, err := f.lifecycle.ApplyTransition(ctx, unit, openCmd(alerts.SeverityCritical, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, alerts.OutcomeExtended, third.Action)
	assert.True(t, third.Notify, "severity increase notifies")
	assert.Equal(t, alerts.SeverityCritical, third.Alert.Severity)

	open, err := f.alerts.ListOpenAlerts(ctx, unit.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestLifecycleResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	unit := f.addUnit(t, "unit-1", false)
	ctx := context.Background()
	created, err := f.lifecycle.ApplyTransition(ctx, unit, openCmd(alerts.SeverityWarning, t0))
	require.NoError(t, err)

	resolve := alerts.AlertCommand{Kind: alerts.CommandResolve, Type: alerts.AlertTemperature, At: t0.Add(time.Minute)}
	out, err := f.lifecycle.ApplyTransition(ctx, unit, resolve)
	require.NoError(t, err)
	assert.Equal(t, alerts.OutcomeResolved, out.Action)

	out, err = f.lifecycle.ApplyTransition(ctx, unit, resolve)
	require.NoError(t, err)
	assert.Equal(t, alerts.OutcomeNoop, out.Action)

	stored, err := f.alerts.GetAlert(ctx, created.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.AlertResolved, stored.Status)
	assert.Equal(t, t0.Add(time.Minute), stored.ResolvedAt)
}

func TestLifecycleReopenOfResolvedIDFails(t *testing.T) {
	f := newFixture(t)
	unit := f.addUnit(t, "unit-1", false)
	ctx := context.Background()
	_, err := f.lifecycle.ApplyTransition(ctx, unit, openCmd(alerts.SeverityWarning, t0))
	require.NoError(t, err)
	_, err = f.lifecycle.ApplyTransition(ctx, unit, alerts.AlertCommand{Kind: alerts.CommandResolve, Type: alerts.AlertTemperature, At: t0.Add(time.Minute)})
	require.NoError(t, err)

	// same unit, type and trigger time map to the resolved alert's id
	out, err := f.lifecycle.ApplyTransition(ctx, unit, openCmd(alerts.SeverityWarning, t0))
	require.ErrorIs(t, err, alerts.ErrAlertResolved)
	assert.NotEqual(t, alerts.OutcomeCreated, out.Action)

	open, err := f.alerts.ListOpenAlerts(ctx, unit.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestLifecycleAlertIDIsDeterministic(t *testing.T) {
	a := application.AlertID("unit-1", alerts.AlertOffline, t0)
	b := application.AlertID("unit-1", alerts.AlertOffline, t0)
	c := application.AlertID("unit-1", alerts.AlertOffline, t0.Add(time.Second))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestLifecycleOperatorActions(t *testing.T) {
	f := newFixture(t)
	unit := f.addUnit(t, "unit-1", false)
	ctx := audit.WithRequestMeta(context.Background(), audit.RequestMeta{IP: "10.1.1.1", Role: "operator"})
	created, err := f.lifecycle.ApplyTransition(ctx, unit, openCmd(alerts.SeverityWarning, t0))
	require.NoError(t, err)
	id := created.Alert.ID

	out, err := f.lifecycle.Acknowledge(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, alerts.OutcomeAcknowledged, out.Action)
	assert.Equal(t, alerts.AlertAcknowledged, out.Alert.Status)
	assert.Equal(t, "alice", out.Alert.AcknowledgedBy)

	out, err = f.lifecycle.Acknowledge(ctx, id, "alice")
	require.NoError(t, err)
	assert.Equal(t, alerts.OutcomeNoop, out.Action)

	out, err = f.lifecycle.Escalate(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, alerts.OutcomeEscalated, out.Action)
	assert.Equal(t, 1, out.Alert.EscalationLevel)

	_, err = f.lifecycle.Acknowledge(ctx, id, "alice")
	assert.ErrorIs(t, err, alerts.ErrInvalidTransition)

	_, err = f.lifecycle.ApplyTransition(ctx, unit, alerts.AlertCommand{Kind: alerts.CommandResolve, Type: alerts.AlertTemperature, At: t0.Add(time.Hour)})
	require.NoError(t, err)
	_, err = f.lifecycle.Escalate(ctx, id, "bob")
	assert.ErrorIs(t, err, alerts.ErrInvalidTransition)

	_, err = f.lifecycle.Acknowledge(ctx, "missing", "alice")
	assert.ErrorIs(t, err, alerts.ErrNotFound)

	entries := f.auditLog.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionAlertAcknowledge, entries[0].Action)
	assert.Equal(t, audit.ActionAlertEscalate, entries[1].Action)
	assert.Equal(t, "10.1.1.1", entries[0].IP)
	assert.Equal(t, "operator", entries[1].Role)
}

func TestLifecycleAcknowledgeDoesNotAffectEvaluation(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "unit-1", false)
	f.putRules(t, excursionRules("unit-1"))
	require.NoError(t, f.submit(t, "unit-1", t0, 50))
	require.NoError(t, f.submit(t, "unit-1", t0.Add(5*time.Minute), 50))

	open, err := f.alerts.GetActiveAlert(context.Background(), "unit-1", alerts.AlertTemperature)
	require.NoError(t, err)
	_, err = f.lifecycle.Acknowledge(context.Background(), open.ID, "alice")
	require.NoError(t, err)

	require.NoError(t, f.submit(t, "unit-1", t0.Add(40*time.Minute), 50))
	assert.Equal(t, alerts.StatusAlarmActive, f.state(t, "unit-1").Status)
	stored, err := f.alerts.GetAlert(context.Background(), open.ID)
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityCritical, stored.Severity)
	assert.Equal(t, alerts.AlertAcknowledged, stored.Status)
}
