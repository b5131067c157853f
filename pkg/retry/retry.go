// Package retry runs bounded fixed-delay retries on top of failsafe-go.
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// OnRetry is called before each retry with the attempt that just failed (1-based).
	OnRetry func(attempt int, err error)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do calls fn until it succeeds, the attempts are used up, or ctx is done.
// On exhaustion the last failure is returned. Cancellation is never retried.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	builder := retrypolicy.NewBuilder[T]().
		WithMaxAttempts(p.attempts()).
		AbortOnErrors(context.Canceled, context.DeadlineExceeded).
		ReturnLastFailure()
	if p.Delay > 0 {
		builder = builder.WithDelay(p.Delay)
	}
	attempt := 0
	if p.OnRetry != nil {
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[T]) {
			p.OnRetry(attempt, e.LastError())
		})
	}

	return failsafe.With[T](builder.Build()).
		WithContext(ctx).
		Get(func() (T, error) {
			attempt++
			return fn(ctx, attempt)
		})
}
