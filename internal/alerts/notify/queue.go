package notify

import (
	"context"
	"errors"
	"strconv"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/eventing"

	"github.com/google/uuid"
)

var eventNamespace = uuid.MustParse("2d4f1b8e-7c3a-4a61-b0d2-95e4c6a1f3b7")

// OutboxQueue queues alert outcomes in the notification outbox so delivery
// survives restarts and webhook outages.
type OutboxQueue struct {
	publisher *eventing.Publisher
}

// NewOutboxQueue constructs a queue on top of a publisher.
func NewOutboxQueue(publisher *eventing.Publisher) (*OutboxQueue, error) {
	if publisher == nil {
		return nil, errors.New("outbox queue: nil publisher")
	}
	return &OutboxQueue{publisher: publisher}, nil
}

// Notify implements application.Dispatcher.
func (q *OutboxQueue) Notify(ctx context.Context, outcome alerts.AlertOutcome) (application.DeliveryReceipt, error) {
	alert := outcome.Alert
	env, err := q.publisher.Publish(ctx, EventType(outcome.Action), outcome, eventing.Meta{
		EventID:        OutcomeEventID(outcome),
		OccurredAt:     alert.UpdatedAt,
		OrganizationID: alert.OrganizationID,
		UnitID:         alert.UnitID,
	})
	if err != nil {
		return application.DeliveryReceipt{}, err
	}
	return application.DeliveryReceipt{ID: env.EventID, QueuedAt: env.OccurredAt}, nil
}

// EventType names the outbox event for an outcome action.
func EventType(action alerts.OutcomeAction) string {
	return "alert." + string(action)
}

// OutcomeEventID is stable for a given alert transition, so a retried
// publish does not queue a second notification.
func OutcomeEventID(outcome alerts.AlertOutcome) string {
	alert := outcome.Alert
	key := alert.ID + "|" + string(outcome.Action) + "|" + string(alert.Severity) + "|" +
		strconv.Itoa(alert.EscalationLevel) + "|" + strconv.FormatInt(alert.UpdatedAt.UnixNano(), 10)
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

// MultiDispatcher forwards outcomes to several dispatchers.
type MultiDispatcher struct {
	dispatchers []application.Dispatcher
}

// NewMultiDispatcher constructs a MultiDispatcher. Nil entries are skipped.
func NewMultiDispatcher(dispatchers ...application.Dispatcher) *MultiDispatcher {
	kept := make([]application.Dispatcher, 0, len(dispatchers))
	for _, d := range dispatchers {
		if d != nil {
			kept = append(kept, d)
		}
	}
	return &MultiDispatcher{dispatchers: kept}
}

// Notify forwards to all dispatchers and returns the first receipt.
func (m *MultiDispatcher) Notify(ctx context.Context, outcome alerts.AlertOutcome) (application.DeliveryReceipt, error) {
	var receipt application.DeliveryReceipt
	var errs []error
	for _, d := range m.dispatchers {
		r, err := d.Notify(ctx, outcome)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if receipt.ID == "" {
			receipt = r
		}
	}
	return receipt, errors.Join(errs...)
}
