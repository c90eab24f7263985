package retry

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	var attempts int32
	err := Do(context.Background(), Policy{MaxAttempts: 3}, "test-op", func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoRetriesOnTransientError(t *testing.T) {
	t.Parallel()

	var attempts int32
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
	}

	err := Do(context.Background(), p, "test-retry", func(_ context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient error")
		}
		return nil // succeed on 3rd attempt
	})

	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	t.Parallel()

	var attempts int32
	p := Policy{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}

	err := Do(context.Background(), p, "test-exhaust", func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("persistent failure")
	})

	if err == nil {
		t.Fatal("expected error when retries exhausted")
	}
	if !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected 'retries exhausted' in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Fatalf("expected '3 attempts' in error, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	var attempts int32
	original := errors.New("bad request")
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Millisecond,
	}

	err := Do(context.Background(), p, "test-permanent", func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return Permanent(original)
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, original) {
		t.Fatalf("expected original error back, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoStopsWhenNotRetryable(t *testing.T) {
	t.Parallel()

	var attempts int32
	p := Policy{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Millisecond,
		Retryable: func(err error) bool {
			return strings.Contains(err.Error(), "transient")
		},
	}

	err := Do(context.Background(), p, "test-verdict", func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("fatal misconfiguration")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("non-retryable error should be returned unwrapped, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoRetryablePredicateAllowsRetry(t *testing.T) {
	t.Parallel()

	var attempts int32
	p := Policy{
		MaxAttempts:  4,
		InitialDelay: 5 * time.Millisecond,
		Retryable: func(err error) bool {
			return strings.Contains(err.Error(), "transient")
		},
	}

	err := Do(context.Background(), p, "test-verdict-retry", func(_ context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return errors.New("transient blip")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", atomic.LoadInt32(&attempts))
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var attempts int32
	p := Policy{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
	}

	// Cancel while the loop is sleeping between attempts.
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, p, "test-cancel", func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("always fail")
	})

	if err == nil {
		t.Fatal("expected error on context cancellation")
	}
	if !strings.Contains(err.Error(), "context cancelled") {
		t.Fatalf("expected 'context cancelled' in error, got %v", err)
	}
}

func TestDoLinearBackoffGrowsDelay(t *testing.T) {
	t.Parallel()

	var attempts int32
	p := Policy{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Linear:       true,
	}

	start := time.Now()
	err := Do(context.Background(), p, "test-linear", func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("keep failing")
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error when retries exhausted")
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", atomic.LoadInt32(&attempts))
	}
	// Two sleeps: ~10ms then ~20ms, plus jitter. Timers never fire early.
	if elapsed < 25*time.Millisecond {
		t.Fatalf("linear backoff finished too fast: %v", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("retry took too long: %v", elapsed)
	}
}

func TestDoWrapsOriginalError(t *testing.T) {
	t.Parallel()

	originalErr := errors.New("the original problem")
	p := Policy{
		MaxAttempts:  1,
		InitialDelay: 5 * time.Millisecond,
	}

	err := Do(context.Background(), p, "test-wrap", func(_ context.Context) error {
		return originalErr
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, originalErr) {
		t.Fatalf("expected wrapped error to contain original error, got %v", err)
	}
}

func TestDoIncludesOperationNameInError(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts:  1,
		InitialDelay: 5 * time.Millisecond,
	}

	err := Do(context.Background(), p, "my-special-operation", func(_ context.Context) error {
		return errors.New("fail")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "my-special-operation") {
		t.Fatalf("expected operation name in error, got %v", err)
	}
}
