package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is. These map directly to
// the error kinds enumerated in the spec's error handling design.
var (
	// Invariant/editor errors (I1-I6)
	ErrCycle           = errors.New("edit would introduce a cycle")
	ErrDuplicateID     = errors.New("duplicate id")
	ErrSelfLoop        = errors.New("self-referential dependency")
	ErrUnknownTask     = errors.New("unknown task")
	ErrUnknownDevice   = errors.New("unknown device")
	ErrUnknownEdge     = errors.New("unknown dependency")
	ErrNotModifiable   = errors.New("task is not modifiable in its current state")
	ErrEmptyPatch      = errors.New("empty patch")
	ErrTaskRunning     = errors.New("task cannot be removed while running")

	// Orchestrator / device errors
	ErrDeviceUnavailable     = errors.New("device unavailable")
	ErrTransport             = errors.New("transport error")
	ErrTimeout               = errors.New("operation timed out")
	ErrDeviceReportedFailure = errors.New("device reported task failure")
	ErrMaxRetriesExceeded    = errors.New("maximum retries exceeded")

	// Planner / session errors
	ErrPlannerParse    = errors.New("planner response could not be parsed")
	ErrBudgetExhausted = errors.New("round budget exhausted")
	ErrCancelled       = errors.New("operation cancelled")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// ConstellationError carries structured context around a sentinel
// error: which operation failed, what kind of rule it violated, and
// the id of the entity involved. It implements Unwrap so callers can
// still use errors.Is/errors.As against the sentinels above.
type ConstellationError struct {
	Op      string // e.g. "add_dependency", "dispatch"
	Kind    string // machine-readable kind, e.g. "cycle", "timeout"
	ID      string // task/dependency/device id involved, if any
	Message string
	Err     error
}

func (e *ConstellationError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *ConstellationError) Unwrap() error { return e.Err }

// NewError builds a ConstellationError with the given op, kind, id and
// wrapped error. Kind is stored as given; an empty kind stays empty.
func NewError(op, kind, id string, err error) *ConstellationError {
	return &ConstellationError{Op: op, Kind: kind, ID: id, Err: err}
}

// IsInvariantViolation reports whether err represents a rejected
// editor-tool mutation (§4.7/§7 "invariant_violation").
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrCycle) ||
		errors.Is(err, ErrDuplicateID) ||
		errors.Is(err, ErrSelfLoop) ||
		errors.Is(err, ErrNotModifiable) ||
		errors.Is(err, ErrEmptyPatch) ||
		errors.Is(err, ErrTaskRunning)
}

// IsUnknownEntity reports whether err represents a missing task/edge/device.
func IsUnknownEntity(err error) bool {
	return errors.Is(err, ErrUnknownTask) ||
		errors.Is(err, ErrUnknownDevice) ||
		errors.Is(err, ErrUnknownEdge)
}

// IsRetryable reports whether an executor should retry the operation
// that produced err (§4.2 retry policy: transport errors are
// retryable, content-level device failures are not).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrDeviceUnavailable)
}
