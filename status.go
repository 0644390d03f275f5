package saga

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the execution state of a single step within an
// instance.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepCompleted
	StepSkipped
	StepFailed
	StepCompensating
	StepCompensated
	StepCompensationFailed
)

// String returns the string representation of the StepStatus.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepCompleted:
		return "completed"
	case StepSkipped:
		return "skipped"
	case StepFailed:
		return "failed"
	case StepCompensating:
		return "compensating"
	case StepCompensated:
		return "compensated"
	case StepCompensationFailed:
		return "compensation_failed"
	default:
		return fmt.Sprintf("Unknown StepStatus: %d", s)
	}
}

// canAdvance reports whether a step result may move from its current
// status to the given one. Step results are never deleted, only
// transitioned; anything outside this table is dropped by the instance.
func (s StepStatus) canAdvance(to StepStatus) bool {
	switch s {
	case StepPending:
		return to == StepRunning || to == StepSkipped
	case StepRunning:
		return to == StepCompleted || to == StepFailed
	case StepCompleted:
		return to == StepCompensating
	case StepCompensating:
		return to == StepCompensated || to == StepCompensationFailed
	}
	return false
}

// MarshalJSON implements the json.Marshaler interface for StepStatus.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for StepStatus.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "pending":
		*s = StepPending
	case "running":
		*s = StepRunning
	case "completed":
		*s = StepCompleted
	case "skipped":
		*s = StepSkipped
	case "failed":
		*s = StepFailed
	case "compensating":
		*s = StepCompensating
	case "compensated":
		*s = StepCompensated
	case "compensation_failed":
		*s = StepCompensationFailed
	default:
		return fmt.Errorf("invalid StepStatus: %s", str)
	}

	return nil
}

// InstanceStatus represents the overall state of a saga instance.
type InstanceStatus int

const (
	InstancePending InstanceStatus = iota
	InstanceRunning
	InstanceCompensating
	InstanceCompleted
	InstanceCompensated
	InstanceFailed
	InstancePartiallyCompleted
)

// String returns the string representation of the InstanceStatus.
func (s InstanceStatus) String() string {
	switch s {
	case InstancePending:
		return "pending"
	case InstanceRunning:
		return "running"
	case InstanceCompensating:
		return "compensating"
	case InstanceCompleted:
		return "completed"
	case InstanceCompensated:
		return "compensated"
	case InstanceFailed:
		return "failed"
	case InstancePartiallyCompleted:
		return "partially_completed"
	default:
		return fmt.Sprintf("Unknown InstanceStatus: %d", s)
	}
}

// Terminal reports whether the status is a final one. A terminal
// instance is removed from the active set and appended to history.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceCompensated, InstanceFailed, InstancePartiallyCompleted:
		return true
	}
	return false
}

// MarshalJSON implements the json.Marshaler interface for InstanceStatus.
func (s InstanceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for InstanceStatus.
func (s *InstanceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "pending":
		*s = InstancePending
	case "running":
		*s = InstanceRunning
	case "compensating":
		*s = InstanceCompensating
	case "completed":
		*s = InstanceCompleted
	case "compensated":
		*s = InstanceCompensated
	case "failed":
		*s = InstanceFailed
	case "partially_completed":
		*s = InstancePartiallyCompleted
	default:
		return fmt.Errorf("invalid InstanceStatus: %s", str)
	}

	return nil
}
