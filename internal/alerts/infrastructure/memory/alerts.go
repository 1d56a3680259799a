package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"
)

// AlertStore is an in-memory alert store. Records are never removed.
type AlertStore struct {
	mu     sync.RWMutex
	alerts map[string]alerts.Alert
}

// NewAlertStore constructs a store.
func NewAlertStore() *AlertStore {
	return &AlertStore{alerts: make(map[string]alerts.Alert)}
}

// CreateAlert inserts an alert. Re-inserting an open alert is a no-op; an id
// that was already resolved fails with ErrAlertResolved.
func (s *AlertStore) CreateAlert(_ context.Context, alert alerts.Alert) error {
	if alert.ID == "" {
		return errors.New("alert store: empty alert id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.alerts[alert.ID]; ok {
		if !stored.IsOpen() {
			return fmt.Errorf("%w: %s", alerts.ErrAlertResolved, alert.ID)
		}
		return nil
	}
	if alert.IsOpen() {
		if _, ok := s.openLocked(alert.UnitID, alert.Type); ok {
			return alerts.ErrOpenAlertExists
		}
	}
	s.alerts[alert.ID] = alert
	return nil
}

// ExtendAlert updates severity, reason and last temperature of an open alert.
func (s *AlertStore) ExtendAlert(_ context.Context, alert alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.alerts[alert.ID]
	if !ok {
		return alerts.ErrNotFound
	}
	if !stored.IsOpen() {
		return alerts.ErrInvalidTransition
	}
	stored.Severity = alert.Severity
	stored.Reason = alert.Reason
	stored.LastTemperature = alert.LastTemperature
	stored.UpdatedAt = alert.UpdatedAt
	s.alerts[alert.ID] = stored
	return nil
}

// ResolveAlert marks an alert resolved. Resolving twice is a no-op.
func (s *AlertStore) ResolveAlert(_ context.Context, alertID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.alerts[alertID]
	if !ok {
		return alerts.ErrNotFound
	}
	if stored.Resolve(at) {
		s.alerts[alertID] = stored
	}
	return nil
}

// UpdateAlertStatus stores acknowledgement and escalation fields.
func (s *AlertStore) UpdateAlertStatus(_ context.Context, alert alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.alerts[alert.ID]
	if !ok {
		return alerts.ErrNotFound
	}
	if !stored.IsOpen() {
		return alerts.ErrInvalidTransition
	}
	stored.Status = alert.Status
	stored.AcknowledgedAt = alert.AcknowledgedAt
	stored.AcknowledgedBy = alert.AcknowledgedBy
	stored.EscalatedAt = alert.EscalatedAt
	stored.EscalationLevel = alert.EscalationLevel
	stored.UpdatedAt = alert.UpdatedAt
	s.alerts[alert.ID] = stored
	return nil
}

// GetActiveAlert returns the open alert of a type for a unit.
func (s *AlertStore) GetActiveAlert(_ context.Context, unitID string, alertType alerts.AlertType) (alerts.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.openLocked(unitID, alertType)
	if !ok {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return alert, nil
}

func (s *AlertStore) openLocked(unitID string, alertType alerts.AlertType) (alerts.Alert, bool) {
	for _, alert := range s.alerts {
		if alert.UnitID == unitID && alert.Type == alertType && alert.IsOpen() {
			return alert, true
		}
	}
	return alerts.Alert{}, false
}

// GetAlert loads an alert by id.
func (s *AlertStore) GetAlert(_ context.Context, alertID string) (alerts.Alert, error) {
	s.mu.RLock()
	alert, ok := s.alerts[alertID]
	s.mu.RUnlock()
	if !ok {
		return alerts.Alert{}, alerts.ErrNotFound
	}
	return alert, nil
}

// ListOpenAlerts returns the unresolved alerts of a unit, oldest first.
func (s *AlertStore) ListOpenAlerts(_ context.Context, unitID string) ([]alerts.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alerts.Alert
	for _, alert := range s.alerts {
		if alert.UnitID == unitID && alert.IsOpen() {
			out = append(out, alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *AlertStore) ListAlerts(_ context.Context, filter application.AlertFilter) ([]alerts.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alerts.Alert
	for _, alert := range s.alerts {
		if matches(alert, filter) {
			out = append(out, alert)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(alert alerts.Alert, f application.AlertFilter) bool {
	switch {
	case f.OrganizationID != "" && alert.OrganizationID != f.OrganizationID:
		return false
	case f.UnitID != "" && alert.UnitID != f.UnitID:
		return false
	case f.Type != "" && alert.Type != f.Type:
		return false
	case f.Status != "" && alert.Status != f.Status:
		return false
	case !f.From.IsZero() && alert.TriggeredAt.Before(f.From):
		return false
	case !f.To.IsZero() && !alert.TriggeredAt.Before(f.To):
		return false
	}
	return true
}
