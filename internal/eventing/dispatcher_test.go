package eventing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coldchain-cloud/internal/eventing"
	"coldchain-cloud/internal/eventing/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	failures int
	err      error
	got      []eventing.Envelope
}

func (s *recordingSink) Deliver(_ context.Context, env eventing.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	s.got = append(s.got, env)
	return nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type event struct {
	AlertID string `json:"alert_id"`
}

func TestPublishAndDispatch(t *testing.T) {
	outbox := memory.NewOutboxStore()
	sink := &recordingSink{}
	dispatcher, err := eventing.NewDispatcher(sink, outbox, nil)
	require.NoError(t, err)
	publisher, err := eventing.NewPublisher(outbox, dispatcher)
	require.NoError(t, err)

	ctx := eventing.WithCorrelationID(context.Background(), "corr-1")
	env, err := publisher.Publish(ctx, "alert.created", event{AlertID: "a-1"}, eventing.Meta{EventID: "evt-1", UnitID: "unit-1"})
	require.NoError(t, err)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, 1, env.SchemaVersion)

	_, err = publisher.Publish(ctx, "alert.created", event{AlertID: "a-1"}, eventing.Meta{EventID: "evt-1"})
	require.NoError(t, err, "duplicate publish is absorbed by the outbox")

	sent, err := dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, sink.got, 1)

	var decoded event
	require.NoError(t, sink.got[0].Decode(&decoded))
	assert.Equal(t, "a-1", decoded.AlertID)
	assert.Equal(t, "unit-1", sink.got[0].UnitID)

	sent, err = dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestDispatchRetriesWithBackoff(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	outbox := memory.NewOutboxStore()
	sink := &recordingSink{failures: 1, err: errors.New("webhook down")}
	dispatcher, err := eventing.NewDispatcher(sink, outbox, memory.NewDLQStore(),
		eventing.WithNow(clock.Now),
		eventing.WithBackoff(time.Minute, time.Hour),
	)
	require.NoError(t, err)

	env, err := eventing.BuildEnvelope("alert.created", event{AlertID: "a-1"}, eventing.Meta{})
	require.NoError(t, err)
	_, err = outbox.Insert(context.Background(), env)
	require.NoError(t, err)

	sent, err := dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	status, attempts, ok := outbox.Status(env.EventID)
	require.True(t, ok)
	assert.Equal(t, memory.StatusPending, status)
	assert.Equal(t, 1, attempts)

	clock.Advance(30 * time.Second)
	sent, err = dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent, "not due before backoff elapses")

	clock.Advance(31 * time.Second)
	sent, err = dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	status, _, _ = outbox.Status(env.EventID)
	assert.Equal(t, memory.StatusSent, status)
}

func TestDispatchDeadLettersAfterMaxAttempts(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	outbox := memory.NewOutboxStore()
	dlq := memory.NewDLQStore()
	sink := &recordingSink{failures: 10, err: errors.New("timeout")}
	dispatcher, err := eventing.NewDispatcher(sink, outbox, dlq,
		eventing.WithNow(clock.Now),
		eventing.WithMaxAttempts(3),
		eventing.WithBackoff(time.Second, time.Second),
	)
	require.NoError(t, err)

	env, err := eventing.BuildEnvelope("alert.escalated", event{AlertID: "a-9"}, eventing.Meta{})
	require.NoError(t, err)
	_, err = outbox.Insert(context.Background(), env)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := dispatcher.Dispatch(context.Background())
		require.NoError(t, err)
		clock.Advance(2 * time.Second)
	}

	status, attempts, _ := outbox.Status(env.EventID)
	assert.Equal(t, memory.StatusFailed, status)
	assert.Equal(t, 3, attempts)
	letters := dlq.List()
	require.Len(t, letters, 1)
	assert.Equal(t, env.EventID, letters[0].Envelope.EventID)
	assert.Contains(t, letters[0].Error, "after 3 attempts")
}

func TestDispatchPermanentFailureSkipsRetries(t *testing.T) {
	outbox := memory.NewOutboxStore()
	dlq := memory.NewDLQStore()
	sink := &recordingSink{failures: 1, err: fmt.Errorf("bad payload: %w", eventing.ErrPermanent)}
	dispatcher, err := eventing.NewDispatcher(sink, outbox, dlq)
	require.NoError(t, err)

	env, err := eventing.BuildEnvelope("alert.created", event{AlertID: "a-2"}, eventing.Meta{})
	require.NoError(t, err)
	_, err = outbox.Insert(context.Background(), env)
	require.NoError(t, err)

	_, err = dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	status, attempts, _ := outbox.Status(env.EventID)
	assert.Equal(t, memory.StatusFailed, status)
	assert.Equal(t, 1, attempts)
	assert.Len(t, dlq.List(), 1)
}

func TestRunDispatchesOnKick(t *testing.T) {
	outbox := memory.NewOutboxStore()
	delivered := make(chan eventing.Envelope, 1)
	dispatcher, err := eventing.NewDispatcher(eventing.SinkFunc(func(_ context.Context, env eventing.Envelope) error {
		delivered <- env
		return nil
	}), outbox, nil)
	require.NoError(t, err)
	publisher, err := eventing.NewPublisher(outbox, dispatcher)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx, time.Hour)

	_, err = publisher.Publish(context.Background(), "alert.resolved", event{AlertID: "a-3"}, eventing.Meta{})
	require.NoError(t, err)

	select {
	case env := <-delivered:
		assert.Equal(t, "alert.resolved", env.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher was not kicked")
	}
}

func TestBuildEnvelopeRejectsEmptyInput(t *testing.T) {
	_, err := eventing.BuildEnvelope("x", nil, eventing.Meta{})
	assert.Error(t, err)
	_, err = eventing.BuildEnvelope("", event{}, eventing.Meta{})
	assert.Error(t, err)
}
