// Package retry provides the one bounded retry policy shared by every loop
// in the manager that waits on an external system: image downloads, guest
// agent probes, and domain state transitions.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy retries an operation a fixed number of times at a fixed interval.
type Policy struct {
	MaxAttempts uint64
	Interval    time.Duration
}

// Default is the policy used where the caller has no stronger requirement.
var Default = Policy{MaxAttempts: 3, Interval: 2 * time.Second}

// Do runs op until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is cancelled. The error of the last attempt
// is returned on failure.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), p.MaxAttempts-1),
		ctx,
	)
	return backoff.Retry(op, b)
}

// Permanent marks err as non-retryable so Do stops immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
