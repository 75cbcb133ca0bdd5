package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/riverstation/stationd/internal/metrics"
)

// Retry calls fn until it succeeds, fails with anything other than
// ErrConnection, or the budget is spent. Attempts are spaced by delay. A spent
// budget yields ErrTimeout wrapping the last connection failure.
func Retry(ctx context.Context, budget, delay time.Duration, fn func(ctx context.Context) error) error {
	attempts := 0
	op := func() error {
		attempts++
		err := fn(ctx)
		if err != nil && !errors.Is(err, ErrConnection) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(error, time.Duration) {
		metrics.SyncConnectionRetries.Inc()
	}

	err := backoff.RetryNotify(op, backoff.WithContext(fixedDelay(budget, delay), ctx), notify)
	if err != nil && errors.Is(err, ErrConnection) {
		return fmt.Errorf("%w: %d attempts in %s: %v", ErrTimeout, attempts, budget, err)
	}
	return err
}

// fixedDelay waits delay between attempts and stops once the next attempt
// would start after budget.
func fixedDelay(budget, delay time.Duration) backoff.BackOff {
	if budget <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxInterval = delay
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = budget
	b.Reset()
	return b
}
