package hosting

import (
	"context"
	"errors"
	"time"
)

// ErrRetriesExhausted is the terminal result of a bounded poll that never saw
// the condition it was waiting for.
var ErrRetriesExhausted = errors.New("hosting: retries exhausted")

// RetryPolicy models the provider's eventual-consistency polls as an explicit
// bounded state machine: a fixed number of attempts at a fixed interval,
// ending in success, a hard error, or ErrRetriesExhausted.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Run invokes fn until it reports done, returns an error, or attempts run
// out. The interval elapses before every attempt, mirroring the provider's
// "create then poll" shape.
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context) (done bool, err error)) error {
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Interval):
		}
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrRetriesExhausted
}

// webAppProvisionPolicy waits for the provider to finish creating a web app.
var webAppProvisionPolicy = RetryPolicy{MaxAttempts: 10, Interval: 750 * time.Millisecond}

// serviceHealthPolicy waits for a freshly installed compute service to answer
// its status endpoint.
var serviceHealthPolicy = RetryPolicy{MaxAttempts: 30, Interval: time.Second}
