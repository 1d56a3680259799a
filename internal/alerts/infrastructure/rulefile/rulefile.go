// Package rulefile loads units and rule fragments from a YAML seed file.
package rulefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"

	"gopkg.in/yaml.v3"
)

// UnitWriter stores units.
type UnitWriter interface {
	PutUnit(ctx context.Context, unit alerts.Unit) error
}

// RuleWriter stores rule fragments.
type RuleWriter interface {
	PutRules(ctx context.Context, fragment alerts.RuleFragment) error
}

// File is the parsed seed file.
type File struct {
	Units []UnitSpec `yaml:"units"`
	Rules []RuleSpec `yaml:"rules"`
}

// UnitSpec describes one unit.
type UnitSpec struct {
	ID                       string `yaml:"id"`
	SiteID                   string `yaml:"site_id"`
	OrganizationID           string `yaml:"organization_id"`
	Name                     string `yaml:"name"`
	ManualMonitoringRequired bool   `yaml:"manual_monitoring_required"`
	Active                   *bool  `yaml:"active"`
}

// RuleSpec is a rule fragment with temperatures in degrees Celsius.
type RuleSpec struct {
	Scope                         string        `yaml:"scope"`
	ScopeID                       string        `yaml:"scope_id"`
	TempMin                       *float64      `yaml:"temp_min"`
	TempMax                       *float64      `yaml:"temp_max"`
	ConfirmDelayMinutes           *int          `yaml:"confirm_delay_minutes"`
	MaxExcursionMinutes           *int          `yaml:"max_excursion_minutes"`
	ManualIntervalMinutes         *int          `yaml:"manual_interval_minutes"`
	ManualGraceMinutes            *int          `yaml:"manual_grace_minutes"`
	ExpectedReadingIntervalSecs   *int          `yaml:"expected_reading_interval_seconds"`
	OfflineTriggerMultiplier      *float64      `yaml:"offline_trigger_multiplier"`
	OfflineTriggerAdditionalMins  *int          `yaml:"offline_trigger_additional_minutes"`
	OfflineWarningMissedCheckins  *int          `yaml:"offline_warning_missed_checkins"`
	OfflineCriticalMissedCheckins *int          `yaml:"offline_critical_missed_checkins"`
	DoorOpenWarningMinutes        *int          `yaml:"door_open_warning_minutes"`
	DoorOpenCriticalMinutes       *int          `yaml:"door_open_critical_minutes"`
	DoorOpenMaxMaskMinutesPerDay  *int          `yaml:"door_open_max_mask_minutes_per_day"`
	RestoreConfirmReadings        *int          `yaml:"restore_confirm_readings"`
	Severity                      *string       `yaml:"severity"`
	Enabled                       *bool         `yaml:"enabled"`
	Schedule                      *ScheduleSpec `yaml:"schedule"`
	Timezone                      *string       `yaml:"timezone"`
}

// ScheduleSpec is an active alerting window.
type ScheduleSpec struct {
	Days      []Weekday `yaml:"days"`
	StartHour int       `yaml:"start_hour"`
	EndHour   int       `yaml:"end_hour"`
}

// Weekday accepts names ("mon", "Monday") or numbers (0 = Sunday).
type Weekday time.Weekday

// UnmarshalYAML implements yaml.Unmarshaler.
func (w *Weekday) UnmarshalYAML(node *yaml.Node) error {
	var n int
	if err := node.Decode(&n); err == nil {
		if n < 0 || n > 6 {
			return fmt.Errorf("rulefile: weekday %d out of range", n)
		}
		*w = Weekday(n)
		return nil
	}
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	key := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if key == full || key == full[:3] {
			*w = Weekday(d)
			return nil
		}
	}
	return fmt.Errorf("rulefile: unknown weekday %q", name)
}

// Load reads and parses a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	file, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Parse decodes a seed file. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var file File
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, err
	}
	return &file, nil
}

// Fragments converts and validates all rule specs.
func (f *File) Fragments() ([]alerts.RuleFragment, error) {
	out := make([]alerts.RuleFragment, 0, len(f.Rules))
	for i, spec := range f.Rules {
		fragment, err := spec.Fragment()
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		out = append(out, fragment)
	}
	return out, nil
}

// Apply writes units, then rules. It stops at the first invalid entry.
func (f *File) Apply(ctx context.Context, units UnitWriter, rules RuleWriter) error {
	fragments, err := f.Fragments()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i, spec := range f.Units {
		if spec.ID == "" || spec.SiteID == "" || spec.OrganizationID == "" {
			return fmt.Errorf("units[%d]: id, site_id and organization_id are required", i)
		}
		active := true
		if spec.Active != nil {
			active = *spec.Active
		}
		unit := alerts.Unit{
			ID:                       spec.ID,
			SiteID:                   spec.SiteID,
			OrganizationID:           spec.OrganizationID,
			Name:                     spec.Name,
			ManualMonitoringRequired: spec.ManualMonitoringRequired,
			Active:                   active,
			CreatedAt:                now,
		}
		if err := units.PutUnit(ctx, unit); err != nil {
			return fmt.Errorf("units[%d]: %w", i, err)
		}
	}
	for i, fragment := range fragments {
		if err := rules.PutRules(ctx, fragment); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

// Fragment converts the spec to a validated rule fragment.
func (s RuleSpec) Fragment() (alerts.RuleFragment, error) {
	fragment := alerts.RuleFragment{
		Scope:                         alerts.Scope(s.Scope),
		ScopeID:                       s.ScopeID,
		ConfirmDelayMinutes:           s.ConfirmDelayMinutes,
		MaxExcursionMinutes:           s.MaxExcursionMinutes,
		ManualIntervalMinutes:         s.ManualIntervalMinutes,
		ManualGraceMinutes:            s.ManualGraceMinutes,
		ExpectedReadingIntervalSecs:   s.ExpectedReadingIntervalSecs,
		OfflineTriggerMultiplier:      s.OfflineTriggerMultiplier,
		OfflineTriggerAdditionalMins:  s.OfflineTriggerAdditionalMins,
		OfflineWarningMissedCheckins:  s.OfflineWarningMissedCheckins,
		OfflineCriticalMissedCheckins: s.OfflineCriticalMissedCheckins,
		DoorOpenWarningMinutes:        s.DoorOpenWarningMinutes,
		DoorOpenCriticalMinutes:       s.DoorOpenCriticalMinutes,
		DoorOpenMaxMaskMinutesPerDay:  s.DoorOpenMaxMaskMinutesPerDay,
		RestoreConfirmReadings:        s.RestoreConfirmReadings,
		Enabled:                       s.Enabled,
		Timezone:                      s.Timezone,
		UpdatedAt:                     time.Now().UTC(),
	}
	var err error
	if fragment.TempMin, err = centi(s.TempMin); err != nil {
		return alerts.RuleFragment{}, fmt.Errorf("temp_min: %w", err)
	}
	if fragment.TempMax, err = centi(s.TempMax); err != nil {
		return alerts.RuleFragment{}, fmt.Errorf("temp_max: %w", err)
	}
	if s.Severity != nil {
		severity := alerts.Severity(strings.ToLower(*s.Severity))
		fragment.Severity = &severity
	}
	if s.Schedule != nil {
		schedule := &alerts.ActiveSchedule{StartHour: s.Schedule.StartHour, EndHour: s.Schedule.EndHour}
		for _, d := range s.Schedule.Days {
			schedule.Days = append(schedule.Days, time.Weekday(d))
		}
		fragment.Schedule = schedule
	}
	if err := fragment.Validate(); err != nil {
		return alerts.RuleFragment{}, err
	}
	return fragment, nil
}

func centi(v *float64) (*alerts.Centi, error) {
	if v == nil {
		return nil, nil
	}
	c, err := alerts.CentiFromFloat(*v)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
