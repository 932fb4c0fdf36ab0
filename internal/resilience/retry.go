package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig tunes [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	// Default: 3. A value of 1 disables retrying.
	MaxAttempts int

	// InitialInterval is the wait before the second attempt. Default: 100ms.
	InitialInterval time.Duration

	// MaxInterval caps the exponential growth. Default: 2s.
	MaxInterval time.Duration

	// Retryable reports whether err is worth another attempt. Default: every
	// error is retried.
	Retryable func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	return c
}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The last error from fn is returned.
func Retry[R any](ctx context.Context, cfg RetryConfig, name string, fn func(context.Context) (R, error)) (R, error) {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (R, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Debug("retrying after error", "op", name, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
}
