// Package retry provides bounded retries with fixed or exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrRetriesExhausted is returned once every allowed attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts, at least 1
	InitialWait time.Duration // Wait after the first failure
	MaxWait     time.Duration // Upper bound for a single wait (0 = no bound)
	Multiplier  float64       // Backoff multiplier (1 = fixed backoff)
	Jitter      float64       // Jitter factor (0-1)
}

// Fixed returns a policy that waits the same duration between attempts.
func Fixed(attempts int, wait time.Duration) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: wait,
		Multiplier:  1,
	}
}

// Exponential returns a policy that doubles the wait after every failure.
func Exponential(attempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts: attempts,
		InitialWait: initial,
		MaxWait:     max,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// Permanent wraps an error to stop retrying immediately.
type Permanent struct {
	Err error
}

func (e *Permanent) Error() string {
	return e.Err.Error()
}

func (e *Permanent) Unwrap() error {
	return e.Err
}

// Stop marks err as not worth retrying.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do executes fn until it succeeds, returns a permanent error, the context
// ends, or MaxAttempts is reached. The attempt number (starting at 1) is
// passed to fn. Exhaustion yields an error wrapping both ErrRetriesExhausted
// and the last failure.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var permanent *Permanent
		if errors.As(err, &permanent) {
			return permanent.Err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.wait(attempt)):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
}

// wait calculates the backoff before the attempt following the given one.
func (cfg Config) wait(attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	wait := float64(cfg.InitialWait) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}

	if cfg.Jitter > 0 {
		wait += wait * cfg.Jitter * (rand.Float64()*2 - 1)
	}

	if wait < 0 {
		return 0
	}
	return time.Duration(wait)
}
