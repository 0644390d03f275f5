package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// CompensationStrategy selects which completed steps are compensated
// when a saga fails, and in what order.
type CompensationStrategy string

const (
	// CompensateBackward compensates completed steps in reverse
	// completion order. This is the default.
	CompensateBackward CompensationStrategy = "backward"
	// CompensateAll compensates every completed step in reverse
	// declaration order, which is stable regardless of how parallel
	// levels interleaved their completions.
	CompensateAll CompensationStrategy = "all"
	// CompensateSelective compensates only steps marked Critical, in
	// reverse completion order. Non-critical steps are presumed to
	// leave no state worth undoing.
	CompensateSelective CompensationStrategy = "selective"
)

// StepFunc is the business action of a step. It receives the running
// instance's execution context and returns an opaque result value; the
// engine makes no assumptions about the result's shape beyond storing
// and forwarding it.
type StepFunc func(ctx context.Context, ec *ExecutionContext) (any, error)

// CompensateFunc is the optional compensating action of a step. It
// receives the result the step produced when it completed.
type CompensateFunc func(ctx context.Context, result any, ec *ExecutionContext) error

// SagaStep is one unit of work in a saga definition. Steps are
// immutable once their definition is registered.
type SagaStep struct {
	// ID is unique within a definition.
	ID string `validate:"required"`
	// Name is a human-readable label.
	Name string
	// Execute performs the step's action.
	Execute StepFunc `validate:"required"`
	// Compensate undoes the step's effect after a later failure.
	// Steps without a Compensate are never selected for compensation.
	Compensate CompensateFunc
	// Skippable steps are skipped (rather than failing the saga) when
	// their dependencies are unmet, and their own failure does not
	// abort forward progress.
	Skippable bool
	// Critical marks the step for the selective compensation strategy.
	Critical bool
	// Timeout bounds a single attempt of Execute. Zero means no
	// per-attempt bound beyond the whole-saga timer.
	Timeout time.Duration `validate:"min=0"`
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `validate:"min=0"`
	// RetryDelay is the base backoff; attempt N waits N*RetryDelay.
	RetryDelay time.Duration `validate:"min=0"`
	// DependsOn lists step IDs that must have completed before this
	// step is eligible to run.
	DependsOn []string
}

// SagaDefinition is a named, ordered sequence of steps. Definitions are
// registered once and outlive all instances executed from them.
type SagaDefinition struct {
	Name                 string               `validate:"required"`
	Steps                []SagaStep           `validate:"required,min=1,dive"`
	CompensationStrategy CompensationStrategy `validate:"omitempty,oneof=backward all selective"`
	// EnableParallelExecution runs steps grouped into dependency
	// levels, each level's steps concurrently. When false, steps run
	// strictly in declaration order.
	EnableParallelExecution bool
	// Timeout bounds the whole saga. Zero means unbounded (the caller
	// context still applies).
	Timeout time.Duration `validate:"min=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the definition for structural problems: missing
// names or actions, negative budgets, duplicate step IDs and
// self-dependencies. Unknown DependsOn references are deliberately not
// rejected here; they surface as dependency errors at execution time.
func (d *SagaDefinition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid saga definition %q: %w", d.Name, err)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("invalid saga definition %q: duplicate step id %q", d.Name, step.ID)
		}
		seen[step.ID] = struct{}{}

		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return fmt.Errorf("invalid saga definition %q: step %q depends on itself", d.Name, step.ID)
			}
		}
	}

	return nil
}

// strategy returns the effective compensation strategy.
func (d *SagaDefinition) strategy() CompensationStrategy {
	if d.CompensationStrategy == "" {
		return CompensateBackward
	}
	return d.CompensationStrategy
}

// step returns the step with the given ID, if declared.
func (d *SagaDefinition) step(id string) (*SagaStep, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}
