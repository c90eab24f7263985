// Package retry provides bounded retry loops with backoff and jitter for
// coordinator operations against the agent host.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// PermanentError wraps an error that should not be retried.
// Return Permanent(err) from the fn callback to stop retries immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError to stop retries.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy configures a retry loop: how many attempts, how the delay grows,
// and which errors are worth retrying at all.
type Policy struct {
	// MaxAttempts limits total attempts, including the first (0 = 1 attempt).
	MaxAttempts int
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Linear grows the delay as InitialDelay*attempt instead of doubling.
	Linear bool
	// Retryable decides whether an error is transient. A nil predicate
	// retries everything except PermanentError.
	Retryable func(error) bool
}

// Do executes fn under the policy. A PermanentError from fn, a false
// Retryable verdict, or running out of attempts ends the loop; the
// underlying error of the last attempt is returned.
func Do(ctx context.Context, p Policy, operation string, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}

	delay := p.InitialDelay
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Operation succeeded after retry", "operation", operation, "attempt", attempt)
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			return permErr.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		lastErr = err

		if attempt >= p.MaxAttempts {
			slog.Warn("Operation retries exhausted",
				"operation", operation, "attempts", attempt, "lastError", err)
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, attempt, lastErr)
		}

		sleepDur := delay + jitter(delay)
		slog.Info("Operation failed, retrying",
			"operation", operation, "attempt", attempt,
			"delay", sleepDur.Round(time.Millisecond), "error", err)

		timer := time.NewTimer(sleepDur)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-timer.C:
		}

		if p.Linear {
			delay = p.InitialDelay * time.Duration(attempt+1)
		} else {
			delay = time.Duration(math.Min(float64(delay*2), float64(p.MaxDelay)))
		}
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// jitter returns a random duration in [0, d/2) to spread retries out.
func jitter(d time.Duration) time.Duration {
	if d < 2 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) / 2))
}
