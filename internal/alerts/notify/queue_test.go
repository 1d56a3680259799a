package notify

import (
	"context"
	"testing"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/eventing"
	"coldchain-cloud/internal/eventing/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxQueueDeliversThroughNotifier(t *testing.T) {
	outbox := memory.NewOutboxStore()
	channel := &recordingChannel{}
	notifier, err := NewNotifier(stubUnits{}, &stubAlerts{}, channel, nil)
	require.NoError(t, err)
	dispatcher, err := eventing.NewDispatcher(notifier, outbox, memory.NewDLQStore())
	require.NoError(t, err)
	publisher, err := eventing.NewPublisher(outbox, dispatcher)
	require.NoError(t, err)
	queue, err := NewOutboxQueue(publisher)
	require.NoError(t, err)

	alert := sampleAlert()
	alert.UpdatedAt = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	outcome := alerts.AlertOutcome{Action: alerts.OutcomeCreated, Alert: alert, Notify: true}

	receipt, err := queue.Notify(context.Background(), outcome)
	require.NoError(t, err)
	again, err := queue.Notify(context.Background(), outcome)
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, again.ID, "same transition maps to the same event")

	sent, err := dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	msgs := channel.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alert-1", msgs[0].Outcome.Alert.ID)
	assert.Contains(t, msgs[0].Subject, "Walk-in Cooler")
}

func TestMultiDispatcherFansOut(t *testing.T) {
	broker := NewBroker(2)
	events, cancel := broker.Subscribe("")
	defer cancel()
	other := NewBroker(2)
	otherEvents, cancelOther := other.Subscribe("")
	defer cancelOther()

	multi := NewMultiDispatcher(broker, nil, other)
	receipt, err := multi.Notify(context.Background(), alerts.AlertOutcome{Action: alerts.OutcomeResolved, Alert: sampleAlert()})
	require.NoError(t, err)
	assert.Equal(t, "alert-1", receipt.ID)
	assert.Len(t, events, 1)
	assert.Len(t, otherEvents, 1)
}
