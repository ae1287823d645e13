package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/novaforge/constellation/core"
)

// CircuitState is the breaker's current state.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides whether an error should count toward the
// breaker's failure threshold.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier excludes configuration, unknown-entity and
// cancellation errors from tripping the breaker; every other non-nil
// error counts, matching the teacher's
// resilience.DefaultErrorClassifier.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, core.ErrInvalidConfiguration) || errors.Is(err, core.ErrMissingConfiguration) {
		return false
	}
	if core.IsUnknownEntity(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrCancelled) {
		return false
	}
	return true
}

// CircuitBreakerConfig configures one named breaker, one per device.
type CircuitBreakerConfig struct {
	Name             string
	ErrorThreshold   int
	SuccessThreshold int // consecutive successes needed in half-open to close
	SleepWindow      time.Duration
	Classifier       ErrorClassifier
}

// DefaultCircuitBreakerConfig returns sensible per-device defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		ErrorThreshold:   5,
		SuccessThreshold: 2,
		SleepWindow:      30 * time.Second,
		Classifier:       DefaultErrorClassifier,
	}
}

// CircuitBreaker implements the Closed/Open/HalfOpen machine guarding
// dispatch to one device.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	errorThreshold   int
	successThreshold int
	sleepWindow      time.Duration
	classifier       ErrorClassifier

	state           CircuitState
	consecutiveErr  int
	consecutiveOK   int
	openedAt        time.Time
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultErrorClassifier
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		errorThreshold:   cfg.ErrorThreshold,
		successThreshold: cfg.SuccessThreshold,
		sleepWindow:      cfg.SleepWindow,
		classifier:       cfg.Classifier,
		state:            StateClosed,
	}
}

// CanExecute reports whether a call should be allowed through,
// transitioning Open -> HalfOpen once the sleep window has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.sleepWindow {
			cb.state = StateHalfOpen
			cb.consecutiveOK = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveErr = 0
	switch cb.state {
	case StateHalfOpen:
		cb.consecutiveOK++
		if cb.consecutiveOK >= cb.successThreshold {
			cb.state = StateClosed
		}
	case StateOpen:
		cb.state = StateHalfOpen
		cb.consecutiveOK = 1
	}
}

// RecordFailure registers a failed call, counting it toward the
// threshold only if the classifier says it should.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.classifier(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveOK = 0
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = time.Now()
	case StateClosed:
		cb.consecutiveErr++
		if cb.consecutiveErr >= cb.errorThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
		}
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
