package notify

import (
	"context"
	"sync"
	"time"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"
)

// Stream event kinds.
const (
	StreamAlert  = "alert"
	StreamStatus = "status"
)

// StatusChange is a unit status transition.
type StatusChange struct {
	UnitID string            `json:"unit_id"`
	SiteID string            `json:"site_id"`
	From   alerts.UnitStatus `json:"from"`
	To     alerts.UnitStatus `json:"to"`
	At     time.Time         `json:"at"`
}

// StreamEvent is one server-sent event.
type StreamEvent struct {
	Kind           string               `json:"kind"`
	OrganizationID string               `json:"organization_id"`
	Outcome        *alerts.AlertOutcome `json:"outcome,omitempty"`
	Status         *StatusChange        `json:"status,omitempty"`
}

type subscriber struct {
	organizationID string
	ch             chan StreamEvent
}

// Broker fans out alert outcomes and unit status changes to live subscribers.
// Slow subscribers drop events instead of blocking evaluation.
type Broker struct {
	mu      sync.Mutex
	clients map[*subscriber]struct{}
	buffer  int
}

// NewBroker constructs a broker with per-subscriber buffer size.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{clients: make(map[*subscriber]struct{}), buffer: buffer}
}

// Notify implements application.Dispatcher.
func (b *Broker) Notify(_ context.Context, outcome alerts.AlertOutcome) (application.DeliveryReceipt, error) {
	b.broadcast(StreamEvent{Kind: StreamAlert, OrganizationID: outcome.Alert.OrganizationID, Outcome: &outcome})
	return application.DeliveryReceipt{ID: outcome.Alert.ID, QueuedAt: time.Now().UTC()}, nil
}

// UnitStatusChanged implements application.StatusListener.
func (b *Broker) UnitStatusChanged(_ context.Context, unit alerts.Unit, from, to alerts.UnitStatus, at time.Time) {
	b.broadcast(StreamEvent{
		Kind:           StreamStatus,
		OrganizationID: unit.OrganizationID,
		Status:         &StatusChange{UnitID: unit.ID, SiteID: unit.SiteID, From: from, To: to, At: at},
	})
}

// Subscribe registers a subscriber. An empty organizationID receives every event.
// The returned function unsubscribes and closes the channel.
func (b *Broker) Subscribe(organizationID string) (<-chan StreamEvent, func()) {
	sub := &subscriber{organizationID: organizationID, ch: make(chan StreamEvent, b.buffer)}
	b.mu.Lock()
	b.clients[sub] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, sub)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of connected subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broker) broadcast(event StreamEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.clients {
		if sub.organizationID != "" && sub.organizationID != event.OrganizationID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}
