package rulefile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/alerts/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seed = `
units:
  - id: walkin-1
    site_id: kitchen-a
    organization_id: acme
    name: Walk-in Cooler
  - id: freezer-2
    site_id: kitchen-a
    organization_id: acme
    manual_monitoring_required: true
    active: false
rules:
  - scope: organization
    scope_id: acme
    temp_min: 0
    temp_max: 5
    confirm_delay_minutes: 10
    severity: WARNING
  - scope: unit
    scope_id: freezer-2
    temp_min: -25.5
    temp_max: -15
    schedule:
      days: [mon, Tuesday, 3]
      start_hour: 22
      end_hour: 6
    timezone: Europe/Berlin
`

func TestApplySeedsMemoryStores(t *testing.T) {
	file, err := Parse(strings.NewReader(seed))
	require.NoError(t, err)

	units := memory.NewUnitDirectory()
	rules := memory.NewRuleStore()
	require.NoError(t, file.Apply(context.Background(), units, rules))

	active, err := units.ListActiveUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "walkin-1", active[0].ID)

	freezer, err := units.GetUnit(context.Background(), "freezer-2")
	require.NoError(t, err)
	assert.False(t, freezer.Active)
	assert.True(t, freezer.ManualMonitoringRequired)

	org, err := rules.GetRules(context.Background(), alerts.ScopeOrganization, "acme")
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, alerts.Centi(500), *org.TempMax)
	assert.Equal(t, alerts.SeverityWarning, *org.Severity)

	unit, err := rules.GetRules(context.Background(), alerts.ScopeUnit, "freezer-2")
	require.NoError(t, err)
	require.NotNil(t, unit)
	assert.Equal(t, alerts.Centi(-2550), *unit.TempMin)
	assert.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday}, unit.Schedule.Days)
	assert.Equal(t, "Europe/Berlin", *unit.Timezone)
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "units:\n  - id: a\n    colour: red\n"},
		{"bad weekday", "rules:\n  - scope: unit\n    scope_id: a\n    schedule:\n      days: [funday]\n"},
		{"weekday out of range", "rules:\n  - scope: unit\n    scope_id: a\n    schedule:\n      days: [9]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestApplyRejectsInvalidRules(t *testing.T) {
	file, err := Parse(strings.NewReader("rules:\n  - scope: unit\n    scope_id: a\n    temp_min: 10\n    temp_max: 2\n"))
	require.NoError(t, err)
	err = file.Apply(context.Background(), memory.NewUnitDirectory(), memory.NewRuleStore())
	assert.ErrorIs(t, err, alerts.ErrInvalidRule)

	file, err = Parse(strings.NewReader("units:\n  - id: a\n"))
	require.NoError(t, err)
	assert.Error(t, file.Apply(context.Background(), memory.NewUnitDirectory(), memory.NewRuleStore()))
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))
	file, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, file.Units, 2)
	assert.Len(t, file.Rules, 2)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	file, err = Load(empty)
	require.NoError(t, err)
	assert.Empty(t, file.Rules)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestShippedRulesFileIsValid(t *testing.T) {
	file, err := Load(filepath.Join("..", "..", "..", "..", "configs", "rules.yaml"))
	require.NoError(t, err)
	assert.Len(t, file.Units, 2)

	fragments, err := file.Fragments()
	require.NoError(t, err)
	require.Len(t, fragments, 3)
	assert.Equal(t, alerts.ScopeOrganization, fragments[0].Scope)
	require.NotNil(t, fragments[1].TempMin)
	assert.Equal(t, alerts.Centi(-2500), *fragments[1].TempMin)
}
