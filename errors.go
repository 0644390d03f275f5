package saga

import (
	"errors"
	"fmt"
)

// ErrDefinitionNotFound indicates that Execute was called with a saga
// name that has never been registered. No instance is created.
var ErrDefinitionNotFound = errors.New("saga definition not found")

// ErrSagaTimeout indicates that the whole-saga timer elapsed before the
// step loop finished. It is treated identically to a step failure for
// the purposes of triggering compensation.
var ErrSagaTimeout = errors.New("saga timed out")

// DependencyError represents a non-skippable step whose declared
// prerequisites were not satisfied.
type DependencyError struct {
	error
	StepID  string
	Missing []string
}

// NewDependencyError wraps an unmet-dependency condition for a step.
func NewDependencyError(stepID string, missing []string) error {
	return &DependencyError{
		error:   fmt.Errorf("step %q has unmet dependencies %v", stepID, missing),
		StepID:  stepID,
		Missing: missing,
	}
}

// StepError represents a step whose action failed beyond its retry
// budget.
type StepError struct {
	error
	StepID  string
	Retries int
}

// NewStepError wraps an exhausted-retries step failure.
func NewStepError(stepID string, retries int, err error) error {
	return &StepError{
		error:   fmt.Errorf("step %q failed after %d retries: %w", stepID, retries, err),
		StepID:  stepID,
		Retries: retries,
	}
}

// Unwrap exposes the wrapped action error to errors.Is/As.
func (e *StepError) Unwrap() error { return e.error }

// CompensationError represents a single compensating action that
// failed. It never aborts the compensation sweep; it downgrades the
// final instance status to partially_completed.
type CompensationError struct {
	error
	StepID string
}

// NewCompensationError wraps a failed compensating action.
func NewCompensationError(stepID string, err error) error {
	return &CompensationError{
		error:  fmt.Errorf("compensation for step %q failed: %w", stepID, err),
		StepID: stepID,
	}
}

// Unwrap exposes the wrapped compensation error to errors.Is/As.
func (e *CompensationError) Unwrap() error { return e.error }

// PanicError represents a step or compensation action that panicked.
// The panic is recovered and converted into an ordinary failure.
type PanicError struct {
	error
	Value any
}

func newPanicError(v any) error {
	return &PanicError{
		error: fmt.Errorf("action panicked: %v", v),
		Value: v,
	}
}
