package saga

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// StepResult tracks the outcome of a single step within one instance.
// Results are keyed uniquely per step and are never deleted, only
// transitioned.
type StepResult struct {
	StepID     string
	Status     StepStatus
	Result     any
	Err        error
	StartTime  time.Time
	EndTime    time.Time
	RetryCount int
}

// StepResultKey returns the context key under which a completed step's
// result value is stored, so subsequent steps can read prior outputs.
func StepResultKey(stepID string) string {
	return "_step_" + stepID + "_result"
}

// Instance is one execution of a saga definition. It is created fresh
// inside Execute, mutated only by the engine and the compensation
// coordinator during its run, and returned to the caller in its
// terminal state. All accessors are safe for concurrent use, so an
// active instance obtained from Engine.Instance can be inspected while
// it runs.
type Instance struct {
	mu             sync.Mutex
	id             string
	name           string
	status         InstanceStatus
	results        *btree.Map[string, *StepResult]
	completedOrder []string
	contextMap     map[string]any
	events         []Event
	createdAt      time.Time
	updatedAt      time.Time
	completedAt    time.Time
	currentStep    int
	err            error
	aborted        bool
}

func newInstance(id, name string, initial map[string]any) *Instance {
	now := time.Now()
	inst := &Instance{
		id:          id,
		name:        name,
		status:      InstancePending,
		results:     btree.NewMap[string, *StepResult](8),
		contextMap:  make(map[string]any, len(initial)),
		createdAt:   now,
		updatedAt:   now,
		currentStep: -1,
	}
	for k, v := range initial {
		inst.contextMap[k] = v
	}
	return inst
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// Name returns the saga definition name this instance was executed from.
func (i *Instance) Name() string { return i.name }

// Status returns the current instance status.
func (i *Instance) Status() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Err returns the error that aborted forward progress, if any.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// CreatedAt returns the instance creation time.
func (i *Instance) CreatedAt() time.Time { return i.createdAt }

// UpdatedAt returns the time of the last state transition.
func (i *Instance) UpdatedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.updatedAt
}

// CompletedAt returns the time the instance reached a terminal status,
// or the zero time while it is still running.
func (i *Instance) CompletedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.completedAt
}

// CurrentStepIndex returns the declaration index of the most recently
// attempted step, or -1 before the first step.
func (i *Instance) CurrentStepIndex() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentStep
}

// StepResult returns a copy of the result for the given step ID.
func (i *Instance) StepResult(stepID string) (StepResult, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	res, ok := i.results.Get(stepID)
	if !ok {
		return StepResult{}, false
	}
	return *res, true
}

// StepResults returns a copy of all step results keyed by step ID.
func (i *Instance) StepResults() map[string]StepResult {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]StepResult, i.results.Len())
	i.results.Scan(func(id string, res *StepResult) bool {
		out[id] = *res
		return true
	})
	return out
}

// ContextValue returns the context entry for the given key.
func (i *Instance) ContextValue(key string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.contextMap[key]
	return v, ok
}

// ContextSnapshot returns a copy of the instance context map.
func (i *Instance) ContextSnapshot() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]any, len(i.contextMap))
	for k, v := range i.contextMap {
		out[k] = v
	}
	return out
}

// Events returns a copy of the execution trace.
func (i *Instance) Events() []Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Event(nil), i.events...)
}

// MarshalJSON implements the json.Marshaler interface for Instance.
func (i *Instance) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Snapshot())
}

// completedSteps returns the IDs of completed steps in completion order.
func (i *Instance) completedSteps() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.completedOrder...)
}

func (i *Instance) appendEvent(t EventType, stepID string) {
	i.events = append(i.events, Event{StepID: stepID, Type: t, At: time.Now()})
}

func (i *Instance) touch() {
	i.updatedAt = time.Now()
}

// markRunning transitions the instance from pending to running.
func (i *Instance) markRunning() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = InstanceRunning
	i.appendEvent(EventSagaStarted, "")
	i.touch()
}

func (i *Instance) setCurrentStep(index int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.currentStep = index
	i.touch()
}

// beginStep creates the step's result in the running state.
func (i *Instance) beginStep(stepID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.results.Set(stepID, &StepResult{
		StepID:    stepID,
		Status:    StepRunning,
		StartTime: time.Now(),
	})
	i.appendEvent(EventStepStarted, stepID)
	i.touch()
}

// retryStep records a retry attempt in the trace.
func (i *Instance) retryStep(stepID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.appendEvent(EventStepRetried, stepID)
	i.touch()
}

// completeStep records a successful step outcome, publishes the result
// into the context under StepResultKey, and appends the step to the
// completion order. The write is dropped once the instance has been
// aborted or left the running state, so a straggler finishing after
// the saga timer fired cannot join the completed set between abort and
// compensation target selection.
func (i *Instance) completeStep(stepID string, output any, retries int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	res, ok := i.results.Get(stepID)
	if !ok || i.aborted || i.status != InstanceRunning || !res.Status.canAdvance(StepCompleted) {
		return false
	}
	res.Status = StepCompleted
	res.Result = output
	res.EndTime = time.Now()
	res.RetryCount = retries
	i.contextMap[StepResultKey(stepID)] = output
	i.completedOrder = append(i.completedOrder, stepID)
	i.appendEvent(EventStepSucceeded, stepID)
	i.touch()
	return true
}

// failStep records a terminal step failure with the last error and the
// number of retries consumed.
func (i *Instance) failStep(stepID string, err error, retries int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	res, ok := i.results.Get(stepID)
	if !ok || !res.Status.canAdvance(StepFailed) {
		return
	}
	res.Status = StepFailed
	res.Err = err
	res.EndTime = time.Now()
	res.RetryCount = retries
	i.appendEvent(EventStepFailed, stepID)
	i.touch()
}

// skipStep records a step that was skipped due to unmet dependencies.
func (i *Instance) skipStep(stepID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := time.Now()
	i.results.Set(stepID, &StepResult{
		StepID:    stepID,
		Status:    StepSkipped,
		StartTime: now,
		EndTime:   now,
	})
	i.appendEvent(EventStepSkipped, stepID)
	i.touch()
}

// abortForward seals the completed set before compensation targets are
// selected. Called as soon as the saga's outcome is decided, so a step
// outcome arriving later cannot complete and then dodge the sweep.
func (i *Instance) abortForward() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.aborted = true
	i.touch()
}

// setError attaches the error that aborted forward progress.
func (i *Instance) setError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.err = err
	i.touch()
}

// markTimedOut records the saga timer firing.
func (i *Instance) markTimedOut() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.appendEvent(EventSagaTimedOut, "")
	i.touch()
}

// markCompensating transitions the instance into the compensation
// sweep. There is no transition back to running.
func (i *Instance) markCompensating() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = InstanceCompensating
	i.appendEvent(EventSagaCompensating, "")
	i.touch()
}

// beginCompensation moves a completed step into compensating and
// returns the result value its compensating action should receive.
func (i *Instance) beginCompensation(stepID string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	res, ok := i.results.Get(stepID)
	if !ok || !res.Status.canAdvance(StepCompensating) {
		return nil, false
	}
	res.Status = StepCompensating
	i.appendEvent(EventStepCompensationStarted, stepID)
	i.touch()
	return res.Result, true
}

// completeCompensation marks a step's compensation as successful.
func (i *Instance) completeCompensation(stepID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	res, ok := i.results.Get(stepID)
	if !ok || !res.Status.canAdvance(StepCompensated) {
		return
	}
	res.Status = StepCompensated
	i.appendEvent(EventStepCompensated, stepID)
	i.touch()
}

// failCompensation records a failed compensating action. The sweep
// continues with the remaining steps.
func (i *Instance) failCompensation(stepID string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	res, ok := i.results.Get(stepID)
	if !ok || !res.Status.canAdvance(StepCompensationFailed) {
		return
	}
	res.Status = StepCompensationFailed
	res.Err = err
	i.appendEvent(EventStepCompensationFailed, stepID)
	i.touch()
}

// finish moves the instance to a terminal status.
func (i *Instance) finish(status InstanceStatus) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = status
	i.completedAt = time.Now()
	switch status {
	case InstanceCompleted:
		i.appendEvent(EventSagaCompleted, "")
	case InstanceCompensated:
		i.appendEvent(EventSagaCompensated, "")
	case InstanceFailed:
		i.appendEvent(EventSagaFailed, "")
	case InstancePartiallyCompleted:
		i.appendEvent(EventSagaPartiallyCompleted, "")
	}
	i.touch()
}
