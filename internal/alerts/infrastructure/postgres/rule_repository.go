package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
)

// RuleRepository stores rule fragments, one row per scope.
type RuleRepository struct {
	db *sql.DB
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `scope, scope_id, temp_min_centi, temp_max_centi, confirm_delay_minutes, max_excursion_minutes,
	manual_interval_minutes, manual_grace_minutes, expected_reading_interval_secs, offline_trigger_multiplier,
	offline_trigger_additional_mins, offline_warning_missed_checkins, offline_critical_missed_checkins,
	door_open_warning_minutes, door_open_critical_minutes, door_open_max_mask_minutes_per_day,
	restore_confirm_readings, severity, enabled, schedule, timezone, updated_at`

// PutRules upserts a fragment for its scope.
func (r *RuleRepository) PutRules(ctx context.Context, fragment alerts.RuleFragment) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	if err := fragment.Validate(); err != nil {
		return err
	}
	var schedule []byte
	if fragment.Schedule != nil {
		encoded, err := json.Marshal(fragment.Schedule)
		if err != nil {
			return err
		}
		schedule = encoded
	}
	var multiplier sql.NullFloat64
	if fragment.OfflineTriggerMultiplier != nil {
		multiplier = sql.NullFloat64{Float64: *fragment.OfflineTriggerMultiplier, Valid: true}
	}
	var severity, timezone sql.NullString
	if fragment.Severity != nil {
		severity = sql.NullString{String: string(*fragment.Severity), Valid: true}
	}
	if fragment.Timezone != nil {
		timezone = sql.NullString{String: *fragment.Timezone, Valid: true}
	}
	var enabled sql.NullBool
	if fragment.Enabled != nil {
		enabled = sql.NullBool{Bool: *fragment.Enabled, Valid: true}
	}
	updatedAt := fragment.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO rule_fragments (`+ruleColumns+`) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
	$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
)
ON CONFLICT (scope, scope_id) DO UPDATE SET
	temp_min_centi = EXCLUDED.temp_min_centi,
	temp_max_centi = EXCLUDED.temp_max_centi,
	confirm_delay_minutes = EXCLUDED.confirm_delay_minutes,
	max_excursion_minutes = EXCLUDED.max_excursion_minutes,
	manual_interval_minutes = EXCLUDED.manual_interval_minutes,
	manual_grace_minutes = EXCLUDED.manual_grace_minutes,
	expected_reading_interval_secs = EXCLUDED.expected_reading_interval_secs,
	offline_trigger_multiplier = EXCLUDED.offline_trigger_multiplier,
	offline_trigger_additional_mins = EXCLUDED.offline_trigger_additional_mins,
	offline_warning_missed_checkins = EXCLUDED.offline_warning_missed_checkins,
	offline_critical_missed_checkins = EXCLUDED.offline_critical_missed_checkins,
	door_open_warning_minutes = EXCLUDED.door_open_warning_minutes,
	door_open_critical_minutes = EXCLUDED.door_open_critical_minutes,
	door_open_max_mask_minutes_per_day = EXCLUDED.door_open_max_mask_minutes_per_day,
	restore_confirm_readings = EXCLUDED.restore_confirm_readings,
	severity = EXCLUDED.severity,
	enabled = EXCLUDED.enabled,
	schedule = EXCLUDED.schedule,
	timezone = EXCLUDED.timezone,
	updated_at = EXCLUDED.updated_at`,
		string(fragment.Scope),
		fragment.ScopeID,
		nullableCenti(fragment.TempMin),
		nullableCenti(fragment.TempMax),
		nullableInt(fragment.ConfirmDelayMinutes),
		nullableInt(fragment.MaxExcursionMinutes),
		nullableInt(fragment.ManualIntervalMinutes),
		nullableInt(fragment.ManualGraceMinutes),
		nullableInt(fragment.ExpectedReadingIntervalSecs),
		multiplier,
		nullableInt(fragment.OfflineTriggerAdditionalMins),
		nullableInt(fragment.OfflineWarningMissedCheckins),
		nullableInt(fragment.OfflineCriticalMissedCheckins),
		nullableInt(fragment.DoorOpenWarningMinutes),
		nullableInt(fragment.DoorOpenCriticalMinutes),
		nullableInt(fragment.DoorOpenMaxMaskMinutesPerDay),
		nullableInt(fragment.RestoreConfirmReadings),
		severity,
		enabled,
		schedule,
		timezone,
		updatedAt.UTC(),
	)
	return err
}

// GetRules returns the fragment of a scope, nil when none exists.
func (r *RuleRepository) GetRules(ctx context.Context, scope alerts.Scope, scopeID string) (*alerts.RuleFragment, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+ruleColumns+`
FROM rule_fragments
WHERE scope = $1 AND scope_id = $2`, string(scope), scopeID)
	fragment, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fragment, nil
}

// ListRules returns all fragments.
func (r *RuleRepository) ListRules(ctx context.Context) ([]alerts.RuleFragment, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+ruleColumns+`
FROM rule_fragments
ORDER BY scope, scope_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []alerts.RuleFragment
	for rows.Next() {
		fragment, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fragment)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*alerts.RuleFragment, error) {
	var (
		scope, scopeID                                  string
		tempMin, tempMax                                sql.NullInt64
		confirm, maxExcursion, manualInterval, manualGr sql.NullInt64
		expected, additional, warnMissed, critMissed    sql.NullInt64
		doorWarn, doorCrit, doorMask, restore           sql.NullInt64
		multiplier                                      sql.NullFloat64
		severity, timezone                              sql.NullString
		enabled                                         sql.NullBool
		schedule                                        []byte
		updatedAt                                       time.Time
	)
	if err := row.Scan(
		&scope, &scopeID, &tempMin, &tempMax, &confirm, &maxExcursion,
		&manualInterval, &manualGr, &expected, &multiplier,
		&additional, &warnMissed, &critMissed,
		&doorWarn, &doorCrit, &doorMask,
		&restore, &severity, &enabled, &schedule, &timezone, &updatedAt,
	); err != nil {
		return nil, err
	}
	fragment := &alerts.RuleFragment{
		Scope:                         alerts.Scope(scope),
		ScopeID:                       scopeID,
		TempMin:                       centiPtr(tempMin),
		TempMax:                       centiPtr(tempMax),
		ConfirmDelayMinutes:           intPtr(confirm),
		MaxExcursionMinutes:           intPtr(maxExcursion),
		ManualIntervalMinutes:         intPtr(manualInterval),
		ManualGraceMinutes:            intPtr(manualGr),
		ExpectedReadingIntervalSecs:   intPtr(expected),
		OfflineTriggerAdditionalMins:  intPtr(additional),
		OfflineWarningMissedCheckins:  intPtr(warnMissed),
		OfflineCriticalMissedCheckins: intPtr(critMissed),
		DoorOpenWarningMinutes:        intPtr(doorWarn),
		DoorOpenCriticalMinutes:       intPtr(doorCrit),
		DoorOpenMaxMaskMinutesPerDay:  intPtr(doorMask),
		RestoreConfirmReadings:        intPtr(restore),
		UpdatedAt:                     updatedAt.UTC(),
	}
	if multiplier.Valid {
		v := multiplier.Float64
		fragment.OfflineTriggerMultiplier = &v
	}
	if severity.Valid {
		v := alerts.Severity(severity.String)
		fragment.Severity = &v
	}
	if timezone.Valid {
		v := timezone.String
		fragment.Timezone = &v
	}
	if enabled.Valid {
		v := enabled.Bool
		fragment.Enabled = &v
	}
	if len(schedule) > 0 {
		var s alerts.ActiveSchedule
		if err := json.Unmarshal(schedule, &s); err != nil {
			return nil, err
		}
		fragment.Schedule = &s
	}
	return fragment, nil
}
