package alerts

import (
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func centiPtr(v Centi) *Centi { return &v }

func TestCentiFromFloat(t *testing.T) {
	c, err := CentiFromFloat(3.14159)
	require.NoError(t, err)
	assert.Equal(t, Centi(314), c)

	c, err = CentiFromFloat(-0.005)
	require.NoError(t, err)
	assert.Equal(t, Centi(-1), c)
	assert.Equal(t, "-0.01", c.String())

	_, err = CentiFromFloat(math.NaN())
	assert.ErrorIs(t, err, ErrNonFiniteTemperature)
	_, err = CentiFromFloat(math.Inf(1))
	assert.ErrorIs(t, err, ErrNonFiniteTemperature)
}

func TestMergeRuleFragmentsNarrowestScopeWins(t *testing.T) {
	org := &RuleFragment{Scope: ScopeOrganization, ScopeID: "org", TempMin: centiPtr(0), TempMax: centiPtr(800), ConfirmDelayMinutes: intPtr(10)}
	site := &RuleFragment{Scope: ScopeSite, ScopeID: "site", TempMax: centiPtr(600), ManualIntervalMinutes: intPtr(120)}
	unit := &RuleFragment{Scope: ScopeUnit, ScopeID: "unit", ConfirmDelayMinutes: intPtr(3)}

	rule := MergeRuleFragments(org, site, unit)

	assert.Equal(t, Centi(0), rule.TempMin)
	assert.Equal(t, Centi(600), rule.TempMax)
	assert.Equal(t, 3*time.Minute, rule.ConfirmDelay)
	assert.Equal(t, 2*time.Hour, rule.ManualInterval)
	assert.Equal(t, DefaultRule().ManualGrace, rule.ManualGrace)
	assert.True(t, rule.Enabled)
	assert.Equal(t, RuleSourceMerged, rule.Source)
}

func TestMergeRuleFragmentsClampsRestoreConfirmation(t *testing.T) {
	rule := MergeRuleFragments(&RuleFragment{Scope: ScopeUnit, ScopeID: "u", RestoreConfirmReadings: intPtr(1)})
	assert.Equal(t, MinRestoreConfirmReadings, rule.RestoreConfirmReadings)
}

func TestConservativeRuleDisablesAlerting(t *testing.T) {
	rule := ConservativeRule()
	assert.False(t, rule.AlertingAt(time.Now()))
	assert.Equal(t, RuleSourceConservative, rule.Source)
}

func TestRuleFragmentValidate(t *testing.T) {
	bad := RuleFragment{Scope: ScopeUnit, ScopeID: "u", TempMin: centiPtr(500), TempMax: centiPtr(100)}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidRule)

	neg := RuleFragment{Scope: ScopeSite, ScopeID: "s", ConfirmDelayMinutes: intPtr(-1)}
	assert.ErrorIs(t, neg.Validate(), ErrInvalidRule)

	tz := "Nowhere/Invalid"
	badTZ := RuleFragment{Scope: ScopeSite, ScopeID: "s", Timezone: &tz}
	assert.ErrorIs(t, badTZ.Validate(), ErrInvalidRule)

	ok := RuleFragment{Scope: ScopeOrganization, ScopeID: "o", TempMin: centiPtr(-2000), TempMax: centiPtr(-1500)}
	assert.NoError(t, ok.Validate())
}

func TestEffectiveRuleValidateAcrossScopes(t *testing.T) {
	rule := MergeRuleFragments(
		&RuleFragment{Scope: ScopeOrganization, ScopeID: "o", TempMax: centiPtr(500)},
		&RuleFragment{Scope: ScopeUnit, ScopeID: "u", TempMin: centiPtr(900)},
	)
	assert.ErrorIs(t, rule.Validate(), ErrInvalidRule)
}

func TestActiveScheduleContains(t *testing.T) {
	weekdays := ActiveSchedule{Days: []time.Weekday{time.Monday}, StartHour: 8, EndHour: 18}
	monday := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	assert.True(t, weekdays.Contains(monday))
	assert.False(t, weekdays.Contains(monday.Add(10*time.Hour)))
	assert.False(t, weekdays.Contains(monday.Add(24*time.Hour)))

	overnight := ActiveSchedule{Days: []time.Weekday{time.Monday}, StartHour: 22, EndHour: 6}
	assert.True(t, overnight.Contains(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)))
	assert.True(t, overnight.Contains(time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)), "tuesday early hours belong to monday's window")
	assert.False(t, overnight.Contains(time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)))
	assert.False(t, overnight.Contains(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)))
}

func TestRuleAlertingAtUsesTimezone(t *testing.T) {
	rule := DefaultRule()
	rule.Timezone = "America/New_York"
	rule.Schedule = &ActiveSchedule{StartHour: 8, EndHour: 17}
	// 13:00 UTC is 09:00 in New York during daylight time
	assert.True(t, rule.AlertingAt(time.Date(2026, 7, 1, 13, 0, 0, 0, time.UTC)))
	assert.False(t, rule.AlertingAt(time.Date(2026, 7, 1, 22, 0, 0, 0, time.UTC)))
}

func TestMissedCheckins(t *testing.T) {
	rule := DefaultRule()
	rule.ExpectedInterval = 300 * time.Second
	rule.OfflineMultiplier = 2
	rule.OfflineAdditional = 5 * time.Minute
	last := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, 15*time.Minute, rule.OfflineTrigger())
	assert.Equal(t, 0, MissedCheckins(rule, last, last.Add(15*time.Minute)))
	assert.Equal(t, 1, MissedCheckins(rule, last, last.Add(16*time.Minute)))
	assert.Equal(t, 2, MissedCheckins(rule, last, last.Add(20*time.Minute)))
	assert.Equal(t, 0, MissedCheckins(rule, time.Time{}, last))
}

func TestAlertStatusTransitions(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	alert := Alert{Status: AlertActive}

	changed, err := alert.Acknowledge("op", at)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = alert.Acknowledge("op", at)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, alert.Escalate(at))
	require.NoError(t, alert.Escalate(at))
	assert.Equal(t, AlertEscalated, alert.Status)
	assert.Equal(t, 2, alert.EscalationLevel)

	_, err = alert.Acknowledge("op", at)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.True(t, alert.Resolve(at))
	assert.False(t, alert.Resolve(at.Add(time.Minute)))
	assert.Equal(t, at, alert.ResolvedAt)
	assert.ErrorIs(t, alert.Escalate(at), ErrInvalidTransition)
}
