package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"together-backend/internal/config"
)

// retryPolicy re-runs operations that failed with a transient store error
// on an exponential schedule. Any other error ends the retries at once.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newRetryPolicy(cfg config.RetryConfig) retryPolicy {
	p := retryPolicy{attempts: cfg.Attempts, baseDelay: cfg.BaseDelay, maxDelay: cfg.MaxDelay}
	if p.attempts <= 0 {
		p.attempts = 1
	}
	return p
}

func (p retryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	if p.maxDelay > 0 {
		b.MaxInterval = p.maxDelay
	}
	// Bounded by attempts instead.
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts-1)), ctx)
}

func (p retryPolicy) do(ctx context.Context, op func() error) error {
	err := backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrStoreTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx))

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%w: %v", ErrStoreTransient, ctxErr)
	}
	return err
}
