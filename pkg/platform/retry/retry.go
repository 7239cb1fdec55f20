// Package retry models a bounded retry budget: a fixed number of attempts
// separated by a constant interval, optionally fatal once exhausted.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry budget for one operation.
type Policy struct {
	// Attempts is the total number of tries, including the first. Zero means one.
	Attempts uint
	// Interval is the wait between consecutive tries.
	Interval time.Duration
	// Fatal marks exhaustion as unrecoverable for the caller.
	Fatal bool
}

// NotifyFunc is called after each failed attempt that will be retried.
type NotifyFunc func(attempt uint, err error, wait time.Duration)

// ExhaustedError is returned when every attempt of a Policy failed.
type ExhaustedError struct {
	Attempts uint
	Fatal    bool
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is an exhausted fatal retry budget.
func IsFatal(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted) && exhausted.Fatal
}

func (p Policy) attempts() uint {
	if p.Attempts == 0 {
		return 1
	}
	return p.Attempts
}

// Do runs op until it succeeds, the budget is spent, or ctx is done. The first
// attempt runs immediately. Errors wrapped with backoff.Permanent stop the loop
// and are returned as-is.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify NotifyFunc) error {
	limit := p.attempts()
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(limit-1)),
		ctx,
	)

	var attempt uint
	err := backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if attempt < limit {
		return err
	}
	return &ExhaustedError{Attempts: attempt, Fatal: p.Fatal, Err: err}
}
