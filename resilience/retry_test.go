package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/novaforge/constellation/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsBeforeExhaustingAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return core.NewError("dispatch", "transport", "dev-1", core.ErrTransport)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		attempts++
		return core.NewError("dispatch", "device_failure", "dev-1", core.ErrDeviceReportedFailure)
	})
	assert.ErrorIs(t, err, core.ErrDeviceReportedFailure)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() error {
		attempts++
		return core.NewError("dispatch", "transport", "dev-1", core.ErrTransport)
	})
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, attempts)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "dev-1", ErrorThreshold: 2, SuccessThreshold: 1, SleepWindow: 20 * time.Millisecond})

	assert.True(t, cb.CanExecute())
	cb.RecordFailure(core.ErrTransport)
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordFailure(core.ErrTransport)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerIgnoresNonInfrastructureErrors(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "dev-1", ErrorThreshold: 1, SuccessThreshold: 1, SleepWindow: time.Second})

	cb.RecordFailure(core.NewError("dispatch", "unknown_device", "dev-1", core.ErrUnknownDevice))
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure(errors.New("plain transport-ish error"))
	assert.Equal(t, StateOpen, cb.State())
}
