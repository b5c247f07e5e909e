package analytics

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryStrategy bounds retries of the counter store write.
// Delays grow exponentially from InitialDelay, capped at MaxDelay.
type RetryStrategy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       float64
}

// DefaultRetryStrategy retries three times after 2s, 4s and 8s.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     8 * time.Second,
		Jitter:       0,
	}
}

// RetryNotify is called before each retry with the failed attempt number.
type RetryNotify func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, returns a permanent error (see backoff.Permanent),
// retries are exhausted, or ctx is done. The last error is returned.
func (s RetryStrategy) Do(ctx context.Context, op func(ctx context.Context) error, notify RetryNotify) error {
	attempt := 0
	operation := func() error {
		attempt++
		return op(ctx)
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(err, attempt, wait)
		}
	}

	return backoff.RetryNotify(operation, s.backOff(ctx), onRetry)
}

func (s RetryStrategy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.InitialDelay
	exp.MaxInterval = s.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = s.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := s.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}
