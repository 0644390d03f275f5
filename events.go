package saga

import (
	"fmt"
	"time"
)

// EventType defines the kinds of events recorded in an instance's
// execution trace.
type EventType int

const (
	EventSagaStarted EventType = iota
	EventStepStarted
	EventStepRetried
	EventStepSucceeded
	EventStepFailed
	EventStepSkipped
	EventStepCompensationStarted
	EventStepCompensated
	EventStepCompensationFailed
	EventSagaTimedOut
	EventSagaCompensating
	EventSagaCompleted
	EventSagaCompensated
	EventSagaFailed
	EventSagaPartiallyCompleted
)

// String returns the string representation of the EventType.
func (t EventType) String() string {
	switch t {
	case EventSagaStarted:
		return "saga_started"
	case EventStepStarted:
		return "step_started"
	case EventStepRetried:
		return "step_retried"
	case EventStepSucceeded:
		return "step_succeeded"
	case EventStepFailed:
		return "step_failed"
	case EventStepSkipped:
		return "step_skipped"
	case EventStepCompensationStarted:
		return "step_compensation_started"
	case EventStepCompensated:
		return "step_compensated"
	case EventStepCompensationFailed:
		return "step_compensation_failed"
	case EventSagaTimedOut:
		return "saga_timed_out"
	case EventSagaCompensating:
		return "saga_compensating"
	case EventSagaCompleted:
		return "saga_completed"
	case EventSagaCompensated:
		return "saga_compensated"
	case EventSagaFailed:
		return "saga_failed"
	case EventSagaPartiallyCompleted:
		return "saga_partially_completed"
	default:
		return fmt.Sprintf("Unknown EventType: %d", t)
	}
}

// Event is one entry in an instance's execution trace. StepID is empty
// for saga-level events.
type Event struct {
	StepID string
	Type   EventType
	At     time.Time
}

// String implements the fmt.Stringer interface for Event.
func (e Event) String() string {
	if e.StepID == "" {
		return e.Type.String()
	}
	return fmt.Sprintf("%s %s", e.StepID, e.Type)
}
