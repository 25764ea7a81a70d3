package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2,
		JitterFactor:    0,
	}
}

func TestCalculateDelayMonotonicAndCapped(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:       time.Second,
		MaxDelay:        32 * time.Second,
		ExponentialBase: 2,
		JitterFactor:    0,
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := CalculateDelay(attempt, cfg)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("delay exceeded cap at attempt %d: %s", attempt, d)
		}
		prev = d
	}
	if got := CalculateDelay(10, cfg); got != cfg.MaxDelay {
		t.Fatalf("expected cap %s for large attempt, got %s", cfg.MaxDelay, got)
	}
}

func TestCalculateDelayJitterStaysUnderCap(t *testing.T) {
	cfg := DefaultRetryConfig()
	for attempt := 1; attempt <= 20; attempt++ {
		for i := 0; i < 50; i++ {
			if d := CalculateDelay(attempt, cfg); d > cfg.MaxDelay || d < 0 {
				t.Fatalf("delay out of range at attempt %d: %s", attempt, d)
			}
		}
	}
}

func TestExecuteWithRetryEventualSuccess(t *testing.T) {
	attempts := 0
	var retried []int
	err := ExecuteWithRetry(context.Background(), "test-op", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("HTTP 503 Service Unavailable")
		}
		return nil
	},
		WithRetryConfig(fastConfig()),
		WithOnRetry(func(attempt int, _ time.Duration, _ error) { retried = append(retried, attempt) }),
	)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("unexpected retry hook calls: %v", retried)
	}
}

func TestExecuteWithRetryNonRetryableFailsOnce(t *testing.T) {
	sentinel := errors.New("HTTP 404 Not Found")
	attempts := 0
	err := ExecuteWithRetry(context.Background(), "test-op", func(context.Context) error {
		attempts++
		return sentinel
	}, WithRetryConfig(fastConfig()))
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the original error back, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestExecuteWithRetryExhaustsBudgetAndPreservesError(t *testing.T) {
	sentinel := errors.New("connection reset by peer")
	attempts := 0
	err := ExecuteWithRetry(context.Background(), "test-op", func(context.Context) error {
		attempts++
		return sentinel
	}, WithRetryConfig(fastConfig()))
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected the original error back, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts (1 + 3 retries), got %d", attempts)
	}
}

func TestExecuteWithRetryCustomMatchers(t *testing.T) {
	attempts := 0
	err := ExecuteWithRetry(context.Background(), "test-op", func(context.Context) error {
		attempts++
		return errors.New("flaky widget")
	},
		WithRetryConfig(fastConfig()),
		WithRetryableMatchers([]string{"flaky"}),
	)
	if err == nil {
		t.Fatalf("expected failure after budget")
	}
	if attempts != 4 {
		t.Fatalf("expected 4 attempts with custom matcher, got %d", attempts)
	}
}

func TestExecuteWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := fastConfig()
	cfg.BaseDelay = time.Second
	err := ExecuteWithRetry(ctx, "test-op", func(context.Context) error {
		return errors.New("timeout")
	}, WithRetryConfig(cfg))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("Request TIMED OUT"), DefaultRetryableMatchers) {
		t.Fatalf("expected case-insensitive match")
	}
	if IsRetryable(nil, DefaultRetryableMatchers) {
		t.Fatalf("nil error must not be retryable")
	}
	if IsRetryable(errors.New("HTTP 404 Not Found"), DefaultRetryableMatchers) {
		t.Fatalf("404 must not be retryable")
	}
}
