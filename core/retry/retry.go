package retry

import (
	"context"
	"time"
)

type options struct {
	onRetry func(attempt int, err error, delay time.Duration)
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customises Do.
type Option func(*options)

// WithOnRetry registers an observer called before each wait.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// Do runs op until it succeeds or the strategy declines another attempt.
// The last error is returned as-is. Cancelling ctx during a wait returns ctx.Err().
func Do(ctx context.Context, strategy Strategy, op func(ctx context.Context, attempt int) error, opts ...Option) error {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}
	if strategy == nil {
		strategy = None{}
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		ok, _ := strategy.ShouldRetry(attempt, err)
		if !ok {
			return err
		}
		delay := strategy.NextDelay(attempt)
		if hint, has := DelayHint(err); has {
			delay = hint
		}
		if o.onRetry != nil {
			o.onRetry(attempt, err, delay)
		}
		if serr := o.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
