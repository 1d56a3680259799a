package eventing

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an event payload with routing metadata.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CorrelationID  string          `json:"correlation_id"`
	OrganizationID string          `json:"organization_id"`
	UnitID         string          `json:"unit_id"`
	SchemaVersion  int             `json:"schema_version"`
	Payload        json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID        string
	OccurredAt     time.Time
	CorrelationID  string
	OrganizationID string
	UnitID         string
	SchemaVersion  int
}

// NewEventID generates a random event identifier.
func NewEventID() string {
	return uuid.NewString()
}

// BuildEnvelope constructs an envelope from an event payload and metadata.
func BuildEnvelope(eventType string, event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}
	if eventType == "" {
		return Envelope{}, errors.New("eventing: empty event type")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	occurredAt := meta.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	eventID := meta.EventID
	if eventID == "" {
		eventID = NewEventID()
	}
	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = eventID
	}
	schemaVersion := meta.SchemaVersion
	if schemaVersion == 0 {
		schemaVersion = 1
	}

	return Envelope{
		EventID:        eventID,
		EventType:      eventType,
		OccurredAt:     occurredAt.UTC(),
		CorrelationID:  correlationID,
		OrganizationID: meta.OrganizationID,
		UnitID:         meta.UnitID,
		SchemaVersion:  schemaVersion,
		Payload:        payload,
	}, nil
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("eventing: empty payload")
	}
	return json.Unmarshal(e.Payload, out)
}
