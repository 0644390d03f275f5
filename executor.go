package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// stepExecutor runs a single step's action against its per-attempt
// timeout, retrying with linear backoff until the retry budget is
// exhausted. Transient errors are fully absorbed here; only the last
// error of an exhausted step surfaces to the orchestration loop.
type stepExecutor struct{}

// run attempts the step until it completes or exhausts its retries,
// recording the terminal result on the instance. The returned result
// is a copy of the step's final state.
func (x stepExecutor) run(ctx context.Context, step *SagaStep, inst *Instance, logger *logrus.Entry) StepResult {
	ec := &ExecutionContext{inst: inst}
	stepLog := logger.WithField("step_id", step.ID)

	inst.beginStep(step.ID)

	var lastErr error
	retries := 0
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := step.RetryDelay * time.Duration(attempt)
			stepLog.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Waiting before retry")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Saga timer fired (or the caller cancelled) while we
				// were backing off; stop burning retries.
				lastErr = ctx.Err()
				inst.failStep(step.ID, lastErr, retries)
				return x.result(inst, step.ID)
			}
			inst.retryStep(step.ID)
		}

		output, err := x.attempt(ctx, step, ec)
		retries = attempt
		if err == nil {
			inst.completeStep(step.ID, output, attempt)
			stepLog.WithField("retries", attempt).Info("Step completed")
			return x.result(inst, step.ID)
		}

		lastErr = err
		stepLog.WithError(err).WithField("attempt", attempt).Warn("Step attempt failed")

		if ctx.Err() != nil {
			break
		}
	}

	inst.failStep(step.ID, lastErr, retries)
	stepLog.WithError(lastErr).WithField("retries", retries).Error("Step failed, retries exhausted")
	return x.result(inst, step.ID)
}

// attempt runs the step action once under its per-attempt timeout.
// The action runs in its own goroutine so a timeout can be observed
// even if the action ignores its context; a late result from such an
// action is discarded. Panics are recovered and returned as errors.
func (x stepExecutor) attempt(ctx context.Context, step *SagaStep, ec *ExecutionContext) (any, error) {
	attemptCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: newPanicError(r)}
			}
		}()
		output, err := step.Execute(attemptCtx, ec)
		done <- outcome{output: output, err: err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("attempt timed out after %s: %w", step.Timeout, attemptCtx.Err())
	}
}

func (x stepExecutor) result(inst *Instance, stepID string) StepResult {
	res, _ := inst.StepResult(stepID)
	return res
}
