package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// Engine executes registered saga definitions. It owns a Registry, a
// tracker of active instances, a bounded history of terminal ones and
// aggregate counters. Engines are safe for concurrent use; instances
// executing concurrently are fully independent.
type Engine struct {
	registry   *Registry
	active     *xsync.MapOf[string, *Instance]
	history    *History
	historyCap int
	stats      *Stats
	store      InstanceStore
	logger     *logrus.Logger
	executor   stepExecutor
	comp       compensator
}

// New creates an Engine. Unless WithRegistry is given, the engine owns
// a fresh Registry of its own; there is no global shared state.
func New(opts ...Option) *Engine {
	e := &Engine{
		registry:   NewRegistry(),
		active:     xsync.NewMapOf[string, *Instance](),
		historyCap: DefaultHistoryCapacity,
		stats:      newStats(),
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.history = newHistory(e.historyCap)
	return e
}

// Register validates and upserts a definition by name.
func (e *Engine) Register(def *SagaDefinition) error {
	return e.registry.Register(def)
}

// Registry returns the engine's registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Instance returns a still-active instance by ID. Terminal instances
// are no longer queryable here; they live only in History.
func (e *Engine) Instance(id string) (*Instance, bool) {
	return e.active.Load(id)
}

// History returns the snapshots of terminated instances, oldest first,
// bounded by the history capacity.
func (e *Engine) History() []*InstanceSnapshot {
	return e.history.Snapshot()
}

// Stats returns the aggregate execution counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// Execute looks up the named definition, creates a fresh instance and
// drives it to a terminal state. The step loop races the whole-saga
// timer: whichever finishes first determines the outcome, and a
// timeout is treated identically to a step failure for the purposes of
// triggering compensation. Runtime failures are not returned as
// errors; they resolve into the instance's terminal Status and Err.
// The returned error is non-nil only when no instance was created,
// i.e. for an unregistered name.
func (e *Engine) Execute(ctx context.Context, name string, initial map[string]any, opts ...ExecuteOption) (*Instance, error) {
	def, ok := e.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDefinitionNotFound, name)
	}

	var cfg execConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	id := cfg.instanceID
	if id == "" {
		id = uuid.NewString()
	}

	inst := newInstance(id, name, initial)
	e.active.Store(id, inst)
	e.stats.started()

	logger := e.logger.WithFields(logrus.Fields{
		"saga":        name,
		"instance_id": id,
	})
	logger.Info("Starting saga execution")

	sagaCtx := ctx
	cancel := context.CancelFunc(func() {})
	if def.Timeout > 0 {
		sagaCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	}
	defer cancel()

	inst.markRunning()

	done := make(chan error, 1)
	go func() {
		done <- e.runSteps(sagaCtx, def, inst, logger)
	}()

	var runErr error
	timedOut := false
	select {
	case runErr = <-done:
	case <-sagaCtx.Done():
		// Prefer a step outcome that raced in at the same instant; it
		// names the real cause.
		select {
		case runErr = <-done:
		default:
			runErr = sagaCtx.Err()
			timedOut = true
		}
	}
	runErr, timedOut = resolveRunError(runErr, timedOut, sagaCtx.Err(), ctx.Err(), def.Timeout)
	if timedOut {
		inst.markTimedOut()
	}

	if runErr == nil {
		inst.finish(InstanceCompleted)
		logger.Info("Saga completed")
	} else {
		// Seal the completed set before targets are selected, so a
		// straggler step cannot complete and then dodge the sweep.
		inst.abortForward()
		inst.setError(runErr)
		logger.WithError(runErr).Warn("Saga failed, handing off to compensation")
		// The saga context is typically already spent here;
		// compensating actions still deserve a live context.
		final := e.comp.run(context.WithoutCancel(ctx), def, inst, logger)
		inst.finish(final)
		logger.WithField("status", final.String()).Info("Saga finished")
	}

	e.retire(ctx, inst, logger)
	return inst, nil
}

// resolveRunError settles what a failed run means once the step loop
// and the saga timer have both had their say. Errors the context
// induced (the loop noticing the deadline, a step returning its
// context's error) are folded into the timeout or cancellation; a
// genuine step failure that landed in the same instant keeps its own
// identity.
func resolveRunError(runErr error, timedOut bool, sagaErr, callerErr error, timeout time.Duration) (error, bool) {
	if runErr == nil || sagaErr == nil {
		return runErr, false
	}
	if !timedOut && !errors.Is(runErr, sagaErr) {
		return runErr, false
	}
	if callerErr != nil {
		return fmt.Errorf("saga cancelled: %w", callerErr), true
	}
	return fmt.Errorf("%w after %s", ErrSagaTimeout, timeout), true
}

// retire moves a terminal instance out of the active set, into the
// bounded history, the stats counters and the optional store.
func (e *Engine) retire(ctx context.Context, inst *Instance, logger *logrus.Entry) {
	e.active.Delete(inst.ID())
	e.stats.finished(inst.Status())

	snap := inst.Snapshot()
	e.history.Append(snap)

	if e.store != nil {
		if err := e.store.Save(context.WithoutCancel(ctx), snap); err != nil {
			logger.WithError(err).Warn("Failed to persist instance snapshot")
		}
	}
}

// runSteps drives the definition's steps to completion or first fatal
// failure.
func (e *Engine) runSteps(ctx context.Context, def *SagaDefinition, inst *Instance, logger *logrus.Entry) error {
	if def.EnableParallelExecution {
		return e.runLevels(ctx, def, inst, logger)
	}

	for i := range def.Steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrSagaTimeout, err)
		}
		inst.setCurrentStep(i)
		if err := e.runOne(ctx, &def.Steps[i], inst, logger); err != nil {
			return err
		}
	}
	return nil
}

// runOne schedules a single step: consults the dependency decision,
// then the executor. A failed step aborts forward progress unless it
// is skippable.
func (e *Engine) runOne(ctx context.Context, step *SagaStep, inst *Instance, logger *logrus.Entry) error {
	decision, missing := stepEligibility(step, inst)
	switch decision {
	case decisionSkip:
		inst.skipStep(step.ID)
		logger.WithFields(logrus.Fields{
			"step_id": step.ID,
			"missing": missing,
		}).Info("Skipping step, dependencies unmet")
		return nil
	case decisionFail:
		return NewDependencyError(step.ID, missing)
	}

	res := e.executor.run(ctx, step, inst, logger)
	if res.Status == StepFailed {
		if !step.Skippable {
			return NewStepError(step.ID, res.RetryCount, res.Err)
		}
		logger.WithField("step_id", step.ID).Warn("Skippable step failed, continuing")
	}
	return nil
}

// runLevels executes steps grouped into dependency levels, each
// level's eligible steps concurrently. Used when the definition
// enables parallel execution.
func (e *Engine) runLevels(ctx context.Context, def *SagaDefinition, inst *Instance, logger *logrus.Entry) error {
	levels, err := executionLevels(def)
	if err != nil {
		return err
	}

	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrSagaTimeout, err)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			levelErr error
		)
		record := func(err error) {
			mu.Lock()
			defer mu.Unlock()
			if levelErr == nil {
				levelErr = err
			}
		}

		for _, idx := range level {
			mu.Lock()
			aborted := levelErr != nil
			mu.Unlock()
			if aborted {
				break
			}

			step := &def.Steps[idx]
			inst.setCurrentStep(idx)

			decision, missing := stepEligibility(step, inst)
			switch decision {
			case decisionSkip:
				inst.skipStep(step.ID)
				continue
			case decisionFail:
				record(NewDependencyError(step.ID, missing))
				continue
			}

			wg.Add(1)
			go func(step *SagaStep) {
				defer wg.Done()
				res := e.executor.run(ctx, step, inst, logger)
				if res.Status == StepFailed && !step.Skippable {
					record(NewStepError(step.ID, res.RetryCount, res.Err))
				}
			}(step)
		}

		wg.Wait()
		if levelErr != nil {
			return levelErr
		}
	}
	return nil
}
