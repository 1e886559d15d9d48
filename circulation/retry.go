package circulation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3

	// MaxRetryAttempts caps MaxAttempts.
	MaxRetryAttempts = 32

	maxBackoffDelay = time.Minute
)

var (
	// ErrInvalidMaxAttempts is returned when max attempts are not between 1
	// and MaxRetryAttempts.
	ErrInvalidMaxAttempts = fmt.Errorf("max attempts must be between 1 and %d", MaxRetryAttempts)

	// ErrNegativeBaseDelay is returned when the base delay is negative.
	ErrNegativeBaseDelay = errors.New("base delay must not be negative")

	// ErrInvalidJitterFactor is returned when the jitter factor is not between 0.0 and 1.0.
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")
)

// RetryConfig holds configuration for exponential backoff retry logic.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	JitterFactor float64
}

// DefaultRetryConfig returns the defaults used when a Service is built
// without WithRetry.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  defaultMaxAttempts,
		BaseDelay:    defaultBaseDelay,
		JitterFactor: defaultJitterFactor,
	}
}

// Validate rejects configurations that could never run fn.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts <= 0 || c.MaxAttempts > MaxRetryAttempts {
		return ErrInvalidMaxAttempts
	}
	if c.BaseDelay < 0 {
		return ErrNegativeBaseDelay
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return ErrInvalidJitterFactor
	}
	return nil
}

// RetryWithExponentialBackoff runs fn until it succeeds, fails with a
// non-retryable error, or MaxAttempts is reached.
//
// Retry schedule (defaults): 0 ms, 10 ms, 20 ms, 40 ms, 80 ms (+30% jitter).
// Only ErrTransactionConflict is retried; every other error fails fast.
// When attempts run out the last conflict is returned wrapped, so
// errors.Is(err, ErrTransactionConflict) still holds.
func RetryWithExponentialBackoff(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * cfg.JitterFactor //nolint:gosec // jitter only
			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// backoffDelay doubles base once per previous retry, saturating at
// maxBackoffDelay (or base, when base alone is larger).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	limit := max(base, maxBackoffDelay)
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > limit/2 {
			return limit
		}
		delay *= 2
	}
	return delay
}
