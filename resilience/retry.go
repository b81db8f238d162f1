package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrRetriesExhausted marks the error returned once every attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig defines how an operation is retried
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt. Zero means
	// the operation runs exactly once.
	MaxRetries int

	// InitialBackoff is the wait before the first retry
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after every attempt
	BackoffMultiplier float64

	// Jitter adds up to 20% random extra wait
	Jitter bool

	// RetryableErrors decides whether an error is worth another attempt.
	// Nil uses DefaultRetryableErrors.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a default configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries everything except nil and context
// cancellation or deadline errors.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Retry runs fn until it succeeds, returns a non-retryable error, the retries
// are used up, or ctx is done. When retries run out the last error is
// returned marked with ErrRetriesExhausted.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = DefaultRetryableErrors
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= config.MaxRetries {
			if config.MaxRetries == 0 {
				return err
			}
			return errors.Mark(errors.Wrapf(err, "after %d attempts", attempt+1), ErrRetriesExhausted)
		}

		timer := time.NewTimer(calculateBackoff(attempt, config))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.CombineErrors(ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiplier := config.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	backoff := float64(config.InitialBackoff) * math.Pow(multiplier, float64(attempt))
	if config.MaxBackoff > 0 && backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	if config.Jitter {
		backoff += backoff * 0.2 * rand.Float64()
	}
	return time.Duration(backoff)
}
