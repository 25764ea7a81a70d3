package resilience

import (
	"context"
	"log"
	"math"
	"math/rand"
	"strings"
	"time"

	"adreel/internal/telemetry"
)

// RetryConfig tunes the backoff schedule of ExecuteWithRetry.
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterFactor    float64
}

// DefaultRetryConfig matches the provider's published rate-limit guidance.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        32 * time.Second,
		ExponentialBase: 2,
		JitterFactor:    0.1,
	}
}

// DefaultRetryableMatchers are case-insensitive substrings that mark an
// error as transient. Covers throttling, timeouts, connection drops, DNS
// failures, and 5xx responses from the render provider.
var DefaultRetryableMatchers = []string{
	"429",
	"too many requests",
	"rate limit",
	"rate_limit",
	"resource exhausted",
	"resource_exhausted",
	"quota",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"econnreset",
	"connection refused",
	"no such host",
	"dns",
	"eof",
}

type callOptions struct {
	cfg      RetryConfig
	matchers []string
	onRetry  func(attempt int, delay time.Duration, err error)
}

// Option customizes a single ExecuteWithRetry call.
type Option func(*callOptions)

// WithRetryConfig overrides the default backoff schedule.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *callOptions) { o.cfg = cfg }
}

// WithRetryableMatchers replaces the default retryable-error substrings.
func WithRetryableMatchers(matchers []string) Option {
	return func(o *callOptions) { o.matchers = matchers }
}

// WithOnRetry installs a hook invoked before each retry sleep.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(o *callOptions) { o.onRetry = fn }
}

// ExecuteWithRetry runs op, retrying transient failures with exponential
// backoff and jitter. Attempts are 1-indexed; after attempt N fails the
// delay uses attempt number N. After the retry budget is spent the last
// error is returned unchanged so callers keep the original failure reason.
func ExecuteWithRetry(ctx context.Context, name string, op func(context.Context) error, opts ...Option) error {
	o := callOptions{
		cfg:      DefaultRetryConfig(),
		matchers: DefaultRetryableMatchers,
	}
	for _, apply := range opts {
		apply(&o)
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxRetries+1; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Printf("[retry] %s succeeded on attempt %d", name, attempt)
			}
			return nil
		}
		lastErr = err

		if attempt > o.cfg.MaxRetries || !IsRetryable(err, o.matchers) {
			break
		}

		delay := CalculateDelay(attempt, o.cfg)
		log.Printf("[retry] %s attempt %d failed, retrying in %s: %v", name, attempt, delay, err)
		telemetry.ProviderRetries.WithLabelValues(name).Inc()
		if o.onRetry != nil {
			o.onRetry(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// CalculateDelay returns the sleep before the retry that follows the given
// failed attempt: min(MaxDelay, BaseDelay*ExponentialBase^(attempt-1))
// plus uniform jitter of ±(JitterFactor/2) of the exponential term.
// The result never exceeds MaxDelay and is never negative.
func CalculateDelay(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(attempt-1))
	if exp > float64(cfg.MaxDelay) {
		exp = float64(cfg.MaxDelay)
	}
	jitter := exp * cfg.JitterFactor * (rand.Float64() - 0.5)
	delay := time.Duration(exp + jitter)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// IsRetryable matches the error's message against the given substrings,
// case-insensitively.
func IsRetryable(err error, matchers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range matchers {
		if strings.Contains(msg, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
