package saga

// ExecutionContext is the handle a step action receives over the
// running instance's mutable context map. The map is seeded by the
// caller and appended with StepResultKey entries as steps complete, so
// step N's output is visible to step N+1 once step N is completed.
type ExecutionContext struct {
	inst *Instance
}

// InstanceID returns the identifier of the running instance.
func (ec *ExecutionContext) InstanceID() string { return ec.inst.id }

// SagaName returns the name of the saga being executed.
func (ec *ExecutionContext) SagaName() string { return ec.inst.name }

// Get returns the context entry for the given key.
func (ec *ExecutionContext) Get(key string) (any, bool) {
	return ec.inst.ContextValue(key)
}

// Set stores a context entry. Later steps of the same instance can
// read it; there is no cross-instance visibility.
func (ec *ExecutionContext) Set(key string, value any) {
	ec.inst.mu.Lock()
	defer ec.inst.mu.Unlock()
	ec.inst.contextMap[key] = value
	ec.inst.touch()
}

// Snapshot returns a copy of the whole context map.
func (ec *ExecutionContext) Snapshot() map[string]any {
	return ec.inst.ContextSnapshot()
}

// StepOutput retrieves a prior step's result value from the context
// with a type assertion. It returns the zero value and false when the
// step has not completed or the value has a different type.
func StepOutput[R any](ec *ExecutionContext, stepID string) (R, bool) {
	var zero R
	value, found := ec.Get(StepResultKey(stepID))
	if !found {
		return zero, false
	}
	typed, ok := value.(R)
	if !ok {
		return zero, false
	}
	return typed, true
}
