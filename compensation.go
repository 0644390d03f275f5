package saga

import (
	"context"

	"github.com/sirupsen/logrus"
)

// compensator selects and runs compensating actions for the steps that
// reached completed, isolating per-step compensation failures from one
// another: a single failed compensation never aborts the sweep.
type compensator struct{}

// run performs the compensation sweep and returns the terminal
// instance status: failed when nothing was selected, compensated when
// every attempted compensation succeeded, partially_completed when any
// of them failed.
func (c compensator) run(ctx context.Context, def *SagaDefinition, inst *Instance, logger *logrus.Entry) InstanceStatus {
	targets := compensationTargets(def, inst)
	if len(targets) == 0 {
		logger.Info("Nothing to compensate")
		return InstanceFailed
	}

	inst.markCompensating()
	logger.WithFields(logrus.Fields{
		"strategy": def.strategy(),
		"steps":    len(targets),
	}).Info("Starting compensation sweep")

	ec := &ExecutionContext{inst: inst}
	failures := 0
	for _, step := range targets {
		result, ok := inst.beginCompensation(step.ID)
		if !ok {
			continue
		}

		if err := c.invoke(ctx, step, result, ec); err != nil {
			failures++
			inst.failCompensation(step.ID, NewCompensationError(step.ID, err))
			logger.WithError(err).WithField("step_id", step.ID).Error("Compensation failed")
			continue
		}

		inst.completeCompensation(step.ID)
		logger.WithField("step_id", step.ID).Info("Step compensated")
	}

	if failures > 0 {
		return InstancePartiallyCompleted
	}
	return InstanceCompensated
}

// invoke runs one compensating action, converting panics into errors.
func (c compensator) invoke(ctx context.Context, step *SagaStep, result any, ec *ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return step.Compensate(ctx, result, ec)
}

// compensationTargets selects the steps to compensate according to the
// definition's strategy. All strategies restrict to steps that reached
// completed and declare a compensating action, and all run in reverse
// of their respective orders.
func compensationTargets(def *SagaDefinition, inst *Instance) []*SagaStep {
	completed := inst.completedSteps()
	completedSet := make(map[string]bool, len(completed))
	for _, id := range completed {
		completedSet[id] = true
	}

	var ordered []string
	switch def.strategy() {
	case CompensateAll:
		// Declaration order, stable under parallel completion
		// interleavings.
		for i := range def.Steps {
			if completedSet[def.Steps[i].ID] {
				ordered = append(ordered, def.Steps[i].ID)
			}
		}
	case CompensateSelective:
		for _, id := range completed {
			if step, ok := def.step(id); ok && step.Critical {
				ordered = append(ordered, id)
			}
		}
	default: // CompensateBackward
		ordered = completed
	}

	targets := make([]*SagaStep, 0, len(ordered))
	for k := len(ordered) - 1; k >= 0; k-- {
		step, ok := def.step(ordered[k])
		if !ok || step.Compensate == nil {
			continue
		}
		targets = append(targets, step)
	}
	return targets
}
