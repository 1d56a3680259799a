package application

import (
	"context"
	"errors"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
)

// RetryPolicy bounds retries of persistence calls.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Timeout    time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second, Timeout: 5 * time.Second}
}

// do runs fn with a per-attempt timeout, doubling the backoff between attempts.
// Not-found and invalid-transition errors are returned immediately.
func (p RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		err = fn(callCtx)
		cancel()
		if err == nil || permanent(err) || attempt == attempts {
			return err
		}
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, alerts.ErrNotFound) ||
		errors.Is(err, alerts.ErrInvalidTransition) ||
		errors.Is(err, alerts.ErrOpenAlertExists) ||
		errors.Is(err, alerts.ErrAlertResolved) ||
		errors.Is(err, context.Canceled)
}
