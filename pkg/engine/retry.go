package engine

import (
	"context"
	"time"
)

// Bootstrap retry defaults.
const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 1 * time.Second
)

// RetryPolicy retries an operation a fixed number of times with a fixed
// backoff between attempts. Decoupled from the operations it guards so
// it can be tested on its own.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts. Zero means
	// DefaultRetryAttempts.
	MaxAttempts int

	// Backoff is the fixed delay between attempts. Zero means
	// DefaultRetryBackoff.
	Backoff time.Duration

	// Sleep overrides the backoff wait, for tests. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run invokes fn until it succeeds, attempts are exhausted, or ctx is
// done. Returns the last error on exhaustion.
func (p RetryPolicy) Run(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepTimer
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, backoff); serr != nil {
				return serr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func sleepTimer(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
