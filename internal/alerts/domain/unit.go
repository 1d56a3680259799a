package alerts

import "time"

// Unit is a monitored refrigeration unit.
type Unit struct {
	ID                       string    `json:"id"`
	SiteID                   string    `json:"site_id"`
	OrganizationID           string    `json:"organization_id"`
	Name                     string    `json:"name"`
	ManualMonitoringRequired bool      `json:"manual_monitoring_required"`
	Active                   bool      `json:"active"`
	CreatedAt                time.Time `json:"created_at"`
}

// DoorState is the door contact reported with a reading.
type DoorState string

const (
	DoorOpen   DoorState = "open"
	DoorClosed DoorState = "closed"
)

// Valid reports whether the door state is known.
func (d DoorState) Valid() bool {
	return d == DoorOpen || d == DoorClosed
}

// Reading is a validated sensor sample.
type Reading struct {
	UnitID      string
	DeviceID    string
	Temperature Centi
	Humidity    *float64
	Battery     *float64
	Door        *DoorState
	RecordedAt  time.Time
}
