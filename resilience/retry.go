// Package resilience implements the retry-with-backoff and
// circuit-breaker machinery the orchestrator uses around device
// dispatch (spec.md §4.2 "Retry policy"). It is grounded on the
// teacher's resilience.Retry/CircuitBreaker, generalized from a
// generic fn()-error retrier to one that distinguishes retryable
// transport failures from terminal device-reported failures.
package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/novaforge/constellation/core"
)

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig mirrors config.RetryConfig's defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes fn up to config.MaxAttempts times, stopping as soon
// as it returns a nil error or a non-retryable error (spec.md §4.2:
// "transport errors are retryable; content-level device failures are
// not").
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !core.IsRetryable(err) {
			return err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker wraps Retry with a circuit breaker gate so a
// device that's down doesn't eat the full backoff schedule on every
// task dispatched to it.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return Attempt(cb, fn)
	})
}

// Attempt runs fn exactly once, gated by cb, with no retry loop of its
// own. Used by callers that own their own retry accounting and backoff
// across separate, externally observable calls (e.g. the orchestrator,
// which requeues a task to PENDING between incarnations rather than
// looping inside a single dispatch) instead of delegating both to
// Retry.
func Attempt(cb *CircuitBreaker, fn func() error) error {
	if !cb.CanExecute() {
		return core.NewError("dispatch", "circuit_open", cb.name, core.ErrDeviceUnavailable)
	}
	if err := fn(); err != nil {
		cb.RecordFailure(err)
		return err
	}
	cb.RecordSuccess()
	return nil
}

// BackoffDelay returns the delay before the retryCount-th re-incarnation
// of a task (1-indexed: retryCount is the value RetryCount holds right
// after being incremented), using the same exponential-backoff-with-
// jitter formula Retry applies between attempts within a single call.
func BackoffDelay(config *RetryConfig, retryCount int) time.Duration {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if retryCount < 1 {
		retryCount = 1
	}

	delay := config.InitialDelay
	for i := 1; i < retryCount; i++ {
		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
			break
		}
	}
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterEnabled {
		jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(retryCount)))
		delay += jitter
	}
	return delay
}
