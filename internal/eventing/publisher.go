package eventing

import (
	"context"
	"errors"
)

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// Publisher writes events to the outbox and wakes the dispatcher.
type Publisher struct {
	outbox   OutboxWriter
	dispatch *Dispatcher
}

// NewPublisher constructs a publisher. dispatch may be nil when another process drains the outbox.
func NewPublisher(outbox OutboxWriter, dispatch *Dispatcher) (*Publisher, error) {
	if outbox == nil {
		return nil, errors.New("eventing: nil outbox")
	}
	return &Publisher{outbox: outbox, dispatch: dispatch}, nil
}

// Publish stores the event and returns its envelope.
func (p *Publisher) Publish(ctx context.Context, eventType string, event any, meta Meta) (Envelope, error) {
	if p == nil || p.outbox == nil {
		return Envelope{}, errors.New("eventing: nil publisher")
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = CorrelationIDFromContext(ctx)
	}
	env, err := BuildEnvelope(eventType, event, meta)
	if err != nil {
		return Envelope{}, err
	}
	if _, err := p.outbox.Insert(ctx, env); err != nil {
		return Envelope{}, err
	}
	p.dispatch.Kick()
	return env, nil
}
