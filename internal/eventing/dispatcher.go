package eventing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coldchain-cloud/internal/observability/metrics"

	"go.uber.org/zap"
)

// Sink delivers one envelope to its destination.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env Envelope) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// OutboxStore provides access to outbox records.
type OutboxStore interface {
	ListPending(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, cause string) error
	MarkFailed(ctx context.Context, id string, attempts int, cause string) error
}

// DLQStore records envelopes that exhausted their attempts.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// DeadLetter is an undeliverable envelope with its last error.
type DeadLetter struct {
	Envelope  Envelope
	Error     string
	Attempts  int
	FirstSeen time.Time
	LastSeen  time.Time
}

// OutboxRecord represents a pending outbox entry.
type OutboxRecord struct {
	ID            string
	Envelope      Envelope
	Attempts      int
	NextAttemptAt time.Time
}

// ErrPermanent marks a delivery failure that retrying cannot fix.
var ErrPermanent = errors.New("eventing: permanent delivery failure")

// Dispatcher drains the outbox into a sink with bounded retries.
type Dispatcher struct {
	sink        Sink
	outbox      OutboxStore
	dlq         DLQStore
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	batch       int
	timeout     time.Duration
	now         func() time.Time
	kick        chan struct{}
	logger      *zap.Logger
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts sets how many deliveries are tried before dead-lettering.
func WithMaxAttempts(attempts int) DispatcherOption {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
	}
}

// WithBackoff sets the first retry delay and its cap.
func WithBackoff(initial, max time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if initial > 0 {
			d.backoff = initial
		}
		if max > 0 {
			d.maxBackoff = max
		}
	}
}

// WithBatchSize sets records per dispatch pass.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batch = n
		}
	}
}

// WithDeliveryTimeout bounds a single delivery.
func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithDispatcherLogger assigns a logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher. dlq may be nil.
func NewDispatcher(sink Sink, outbox OutboxStore, dlq DLQStore, opts ...DispatcherOption) (*Dispatcher, error) {
	if sink == nil || outbox == nil {
		return nil, errors.New("eventing: nil sink or outbox")
	}
	d := &Dispatcher{
		sink:        sink,
		outbox:      outbox,
		dlq:         dlq,
		maxAttempts: 5,
		backoff:     time.Second,
		maxBackoff:  5 * time.Minute,
		batch:       50,
		timeout:     10 * time.Second,
		now:         time.Now,
		kick:        make(chan struct{}, 1),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("outbox")
	return d, nil
}

// Kick requests a dispatch pass without waiting for the next interval.
func (d *Dispatcher) Kick() {
	if d == nil {
		return
	}
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run dispatches on every interval and on every kick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if d == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
		if _, err := d.Dispatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox dispatch failed", zap.Error(err))
		}
	}
}

// Dispatch delivers due pending records once and returns how many were sent.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	if d == nil {
		return 0, nil
	}
	now := d.now()
	records, err := d.outbox.ListPending(ctx, now, d.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if d.deliver(ctx, record) {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, record OutboxRecord) bool {
	env := record.Envelope
	deliverCtx, cancel := context.WithTimeout(WithEnvelope(ctx, env), d.timeout)
	err := d.sink.Deliver(deliverCtx, env)
	cancel()
	if err == nil {
		if markErr := d.outbox.MarkSent(ctx, record.ID, d.now()); markErr != nil {
			d.logger.Warn("mark sent failed", zap.String("outbox_id", record.ID), zap.Error(markErr))
		}
		metrics.IncOutboxDispatch("sent")
		return true
	}

	attempts := record.Attempts + 1
	if attempts >= d.maxAttempts || errors.Is(err, ErrPermanent) {
		if markErr := d.outbox.MarkFailed(ctx, record.ID, attempts, err.Error()); markErr != nil {
			d.logger.Warn("mark failed failed", zap.String("outbox_id", record.ID), zap.Error(markErr))
		}
		if d.dlq != nil {
			if dlqErr := d.dlq.RecordFailure(ctx, env, fmt.Errorf("after %d attempts: %w", attempts, err)); dlqErr != nil {
				d.logger.Error("dead letter write failed", zap.String("event_id", env.EventID), zap.Error(dlqErr))
			}
		}
		metrics.IncOutboxDispatch("dead_letter")
		d.logger.Error("notification dead-lettered",
			zap.String("event_id", env.EventID),
			zap.String("event_type", env.EventType),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return false
	}

	next := d.now().Add(d.retryDelay(attempts))
	if markErr := d.outbox.MarkRetry(ctx, record.ID, attempts, next, err.Error()); markErr != nil {
		d.logger.Warn("mark retry failed", zap.String("outbox_id", record.ID), zap.Error(markErr))
	}
	metrics.IncOutboxDispatch("retry")
	d.logger.Warn("notification delivery failed",
		zap.String("event_id", env.EventID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(err))
	return false
}

func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	delay := d.backoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	return delay
}
