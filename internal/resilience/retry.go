package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds a [Retry] loop.
type RetryConfig struct {
	// Name labels log messages.
	Name string

	// Attempts is the total number of calls, including the first. Default: 3.
	Attempts int

	// BaseDelay is the wait before the second attempt; it doubles each time.
	// Default: 50ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 2s.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(error) bool
}

func (c *RetryConfig) defaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts are used up or ctx is done. Delays grow exponentially with up to
// 20% jitter. The last error is returned wrapped with the attempt count.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	cfg.defaults()

	delay := cfg.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt >= cfg.Attempts {
			return fmt.Errorf("resilience: %s: gave up after %d attempts: %w", cfg.Name, attempt, err)
		}

		wait := delay + time.Duration(rand.Int64N(int64(delay)/5+1))
		slog.Debug("retrying", "name", cfg.Name, "attempt", attempt, "wait", wait, "err", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("resilience: %s: %w", cfg.Name, ctx.Err())
		case <-t.C:
		}
		delay = min(delay*2, cfg.MaxDelay)
	}
}
