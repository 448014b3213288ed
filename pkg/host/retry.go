package host

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

const defaultRetryAttempts = 3

// WithRetry runs op, retrying transient errors with exponential backoff and
// jitter, three attempts total. Anything not marked transient escalates
// immediately.
func WithRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponential(), defaultRetryAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func newExponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}
