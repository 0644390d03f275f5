package saga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test saga: Order Processing
// Flow: validate_order -> process_payment -> update_inventory -> send_confirmation

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEngine(opts ...Option) *Engine {
	return New(append([]Option{WithLogger(quietLogger())}, opts...)...)
}

// orderProcessingDefinition builds the happy-path order saga. Each
// step records its undo into the shared log so tests can assert on
// compensation order.
func orderProcessingDefinition(compensated *[]string, mu *sync.Mutex) *SagaDefinition {
	record := func(id string) CompensateFunc {
		return func(ctx context.Context, result any, ec *ExecutionContext) error {
			mu.Lock()
			defer mu.Unlock()
			*compensated = append(*compensated, id)
			return nil
		}
	}

	return &SagaDefinition{
		Name: "order_processing",
		Steps: []SagaStep{
			{
				ID: "validate_order",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					orderID, _ := ec.Get("order_id")
					return map[string]any{"valid": true, "order_id": orderID}, nil
				},
				Compensate: record("validate_order"),
			},
			{
				ID: "process_payment",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					orderID, _ := ec.Get("order_id")
					return fmt.Sprintf("payment-%v", orderID), nil
				},
				Compensate: record("process_payment"),
			},
			{
				ID: "update_inventory",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					// Later step reads the prior step's output from the
					// shared context.
					paymentID, ok := StepOutput[string](ec, "process_payment")
					if !ok {
						return nil, errors.New("payment result missing")
					}
					ec.Set("inventory_txn", "inv-"+paymentID)
					return "reserved", nil
				},
				Compensate: record("update_inventory"),
			},
			{
				ID: "send_confirmation",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					return "confirmation-sent", nil
				},
			},
		},
	}
}

func TestEngineHappyPath(t *testing.T) {
	engine := newTestEngine()

	var compensated []string
	var mu sync.Mutex
	require.NoError(t, engine.Register(orderProcessingDefinition(&compensated, &mu)))

	inst, err := engine.Execute(context.Background(), "order_processing", map[string]any{
		"order_id": "order-123",
	})
	require.NoError(t, err)
	require.NotNil(t, inst)

	assert.Equal(t, InstanceCompleted, inst.Status())
	assert.NoError(t, inst.Err())
	assert.Empty(t, compensated, "nothing should be compensated on success")

	// Every step completed, in order.
	for _, id := range []string{"validate_order", "process_payment", "update_inventory", "send_confirmation"} {
		res, ok := inst.StepResult(id)
		require.True(t, ok, "missing result for %s", id)
		assert.Equal(t, StepCompleted, res.Status)
		assert.Zero(t, res.RetryCount)
	}

	// Step outputs landed in the shared context under their keys.
	payment, ok := inst.ContextValue(StepResultKey("process_payment"))
	require.True(t, ok)
	assert.Equal(t, "payment-order-123", payment)

	txn, ok := inst.ContextValue("inventory_txn")
	require.True(t, ok)
	assert.Equal(t, "inv-payment-order-123", txn)
}

func TestEngineDefinitionNotFound(t *testing.T) {
	engine := newTestEngine()

	inst, err := engine.Execute(context.Background(), "no_such_saga", nil)
	assert.Nil(t, inst)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	// Nothing was started or recorded.
	assert.Equal(t, StatsSnapshot{}, engine.Stats())
	assert.Empty(t, engine.History())
}

func TestEngineRegisterUpsert(t *testing.T) {
	engine := newTestEngine()

	register := func(output string) {
		err := engine.Register(&SagaDefinition{
			Name: "versioned",
			Steps: []SagaStep{
				{
					ID: "only",
					Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
						return output, nil
					},
				},
			},
		})
		require.NoError(t, err)
	}

	register("v1")
	register("v2")

	// The second registration replaced the first; in-flight instances
	// are unaffected since each Execute resolves the definition once.
	inst, err := engine.Execute(context.Background(), "versioned", nil)
	require.NoError(t, err)
	res, ok := inst.StepResult("only")
	require.True(t, ok)
	assert.Equal(t, "v2", res.Result)

	assert.Equal(t, []string{"versioned"}, engine.Registry().Names())
}

func TestEngineSagaTimeoutTriggersCompensation(t *testing.T) {
	engine := newTestEngine()

	var compensated []string
	var mu sync.Mutex

	err := engine.Register(&SagaDefinition{
		Name:    "slow_fulfillment",
		Timeout: 100 * time.Millisecond,
		Steps: []SagaStep{
			{
				ID: "reserve_stock",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					return "reservation-1", nil
				},
				Compensate: func(ctx context.Context, result any, ec *ExecutionContext) error {
					mu.Lock()
					defer mu.Unlock()
					compensated = append(compensated, "reserve_stock")
					return nil
				},
			},
			{
				ID: "ship_order",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					select {
					case <-time.After(500 * time.Millisecond):
						return "shipped", nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				},
				Compensate: func(ctx context.Context, result any, ec *ExecutionContext) error {
					mu.Lock()
					defer mu.Unlock()
					compensated = append(compensated, "ship_order")
					return nil
				},
			},
		},
	})
	require.NoError(t, err)

	start := time.Now()
	inst, err := engine.Execute(context.Background(), "slow_fulfillment", nil)
	elapsed := time.Since(start)
	require.NoError(t, err)

	// The whole-saga timer, not the slow step, decided the outcome.
	assert.Less(t, elapsed, 400*time.Millisecond)
	assert.Equal(t, InstanceCompensated, inst.Status())
	assert.ErrorIs(t, inst.Err(), ErrSagaTimeout)

	// Only the completed step was compensated; the interrupted one
	// never joined the completed set.
	mu.Lock()
	assert.Equal(t, []string{"reserve_stock"}, compensated)
	mu.Unlock()

	res, ok := inst.StepResult("ship_order")
	require.True(t, ok)
	assert.NotEqual(t, StepCompleted, res.Status)
}

func TestEngineActiveInstanceVisibleThenRetired(t *testing.T) {
	engine := newTestEngine()

	release := make(chan struct{})
	err := engine.Register(&SagaDefinition{
		Name: "long_haul",
		Steps: []SagaStep{
			{
				ID: "wait",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					<-release
					return "done", nil
				},
			},
		},
	})
	require.NoError(t, err)

	done := make(chan *Instance, 1)
	go func() {
		inst, _ := engine.Execute(context.Background(), "long_haul", nil, WithInstanceID("haul-1"))
		done <- inst
	}()

	// While the step blocks, the instance is queryable and counted as
	// active.
	require.Eventually(t, func() bool {
		inst, ok := engine.Instance("haul-1")
		return ok && inst.Status() == InstanceRunning
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), engine.Stats().Active)

	close(release)
	inst := <-done
	require.NotNil(t, inst)
	assert.Equal(t, InstanceCompleted, inst.Status())

	// Terminal instances leave the active set and land in history.
	_, ok := engine.Instance("haul-1")
	assert.False(t, ok)

	history := engine.History()
	require.Len(t, history, 1)
	assert.Equal(t, "haul-1", history[0].ID)
	assert.Equal(t, InstanceCompleted, history[0].Status)
	assert.Equal(t, int64(0), engine.Stats().Active)
}

func TestEngineStats(t *testing.T) {
	engine := newTestEngine()

	require.NoError(t, engine.Register(&SagaDefinition{
		Name: "succeeds",
		Steps: []SagaStep{{
			ID: "ok",
			Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
				return nil, nil
			},
		}},
	}))
	require.NoError(t, engine.Register(&SagaDefinition{
		Name: "fails_clean",
		Steps: []SagaStep{{
			ID: "boom",
			Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
				return nil, errors.New("declined")
			},
		}},
	}))
	require.NoError(t, engine.Register(&SagaDefinition{
		Name: "fails_after_progress",
		Steps: []SagaStep{
			{
				ID: "charge",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					return "charged", nil
				},
				Compensate: func(ctx context.Context, result any, ec *ExecutionContext) error {
					return nil
				},
			},
			{
				ID: "boom",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					return nil, errors.New("declined")
				},
			},
		},
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := engine.Execute(ctx, "succeeds", nil)
		require.NoError(t, err)
	}
	// First step fails with nothing completed before it: terminal
	// failed, no compensation sweep.
	_, err := engine.Execute(ctx, "fails_clean", nil)
	require.NoError(t, err)
	// One completed step gets unwound: terminal compensated.
	_, err = engine.Execute(ctx, "fails_after_progress", nil)
	require.NoError(t, err)

	stats := engine.Stats()
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(3), stats.Completed)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Compensated)
	assert.Equal(t, int64(0), stats.Active)
}

func TestEngineHistoryCapacity(t *testing.T) {
	engine := newTestEngine(WithHistoryCapacity(3))

	require.NoError(t, engine.Register(&SagaDefinition{
		Name: "tick",
		Steps: []SagaStep{{
			ID: "noop",
			Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
				return nil, nil
			},
		}},
	}))

	for i := 0; i < 5; i++ {
		_, err := engine.Execute(context.Background(), "tick", nil,
			WithInstanceID(fmt.Sprintf("tick-%d", i)))
		require.NoError(t, err)
	}

	history := engine.History()
	require.Len(t, history, 3)
	// Oldest entries were evicted first.
	assert.Equal(t, "tick-2", history[0].ID)
	assert.Equal(t, "tick-3", history[1].ID)
	assert.Equal(t, "tick-4", history[2].ID)
}

func TestEngineParallelExecution(t *testing.T) {
	engine := newTestEngine()

	stepDelay := 100 * time.Millisecond
	err := engine.Register(&SagaDefinition{
		Name:                    "parallel_provisioning",
		EnableParallelExecution: true,
		Steps: []SagaStep{
			{
				ID: "create_network",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					time.Sleep(stepDelay)
					return "net-1", nil
				},
			},
			{
				ID: "create_volume",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					time.Sleep(stepDelay)
					return "vol-1", nil
				},
			},
			{
				ID:        "boot_vm",
				DependsOn: []string{"create_network", "create_volume"},
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					net, ok := StepOutput[string](ec, "create_network")
					if !ok {
						return nil, errors.New("network result missing")
					}
					vol, ok := StepOutput[string](ec, "create_volume")
					if !ok {
						return nil, errors.New("volume result missing")
					}
					return net + "/" + vol, nil
				},
			},
		},
	})
	require.NoError(t, err)

	start := time.Now()
	inst, err := engine.Execute(context.Background(), "parallel_provisioning", nil)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, InstanceCompleted, inst.Status())
	// The two independent steps ran concurrently, not back to back.
	assert.Less(t, elapsed, 2*stepDelay-10*time.Millisecond)

	res, ok := inst.StepResult("boot_vm")
	require.True(t, ok)
	assert.Equal(t, "net-1/vol-1", res.Result)
}

func TestStragglerSuccessAfterTimeoutIsDropped(t *testing.T) {
	engine := newTestEngine()

	var mu sync.Mutex
	var compensated []string
	err := engine.Register(&SagaDefinition{
		Name:    "straggler",
		Timeout: 10 * time.Millisecond,
		Steps: []SagaStep{
			{
				ID: "a",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					return "a-out", nil
				},
				Compensate: func(ctx context.Context, result any, ec *ExecutionContext) error {
					mu.Lock()
					defer mu.Unlock()
					compensated = append(compensated, "a")
					return nil
				},
			},
			{
				ID: "b",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					// Reports success the instant the saga timer fires,
					// racing the engine's abort.
					<-ctx.Done()
					return "late-success", nil
				},
				Compensate: func(ctx context.Context, result any, ec *ExecutionContext) error {
					mu.Lock()
					defer mu.Unlock()
					compensated = append(compensated, "b")
					return nil
				},
			},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		mu.Lock()
		compensated = compensated[:0]
		mu.Unlock()

		inst, err := engine.Execute(context.Background(), "straggler", nil)
		require.NoError(t, err)

		// The straggler must never end up completed: either its write
		// was dropped, or it slipped in before the abort and was then
		// swept like any other completed step.
		res, ok := inst.StepResult("b")
		require.True(t, ok)
		assert.NotEqual(t, StepCompleted, res.Status)

		if _, joined := inst.ContextValue(StepResultKey("b")); joined {
			mu.Lock()
			assert.Contains(t, compensated, "b")
			mu.Unlock()
			assert.Equal(t, StepCompensated, res.Status)
		}

		mu.Lock()
		assert.Contains(t, compensated, "a")
		mu.Unlock()
	}
}

func TestResolveRunError(t *testing.T) {
	deadline := context.DeadlineExceeded
	businessErr := NewStepError("charge", 0, errors.New("card declined"))

	// Timer branch won the race.
	err, timedOut := resolveRunError(deadline, true, deadline, nil, time.Second)
	assert.True(t, timedOut)
	assert.ErrorIs(t, err, ErrSagaTimeout)

	// A genuine step failure that landed in the same instant as the
	// deadline keeps its own identity.
	err, timedOut = resolveRunError(businessErr, false, deadline, nil, time.Second)
	assert.False(t, timedOut)
	assert.Equal(t, businessErr, err)

	// A step that merely surfaced its context's error is folded into
	// the timeout.
	ctxDerived := NewStepError("slow", 0, deadline)
	err, timedOut = resolveRunError(ctxDerived, false, deadline, nil, time.Second)
	assert.True(t, timedOut)
	assert.ErrorIs(t, err, ErrSagaTimeout)

	// Caller cancellation names the cancellation, not a timeout.
	err, timedOut = resolveRunError(context.Canceled, true, context.Canceled, context.Canceled, 0)
	assert.True(t, timedOut)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrSagaTimeout)

	// Success at the deadline edge stays a success.
	err, timedOut = resolveRunError(nil, false, deadline, nil, time.Second)
	assert.False(t, timedOut)
	assert.NoError(t, err)

	// No timer involved at all.
	err, timedOut = resolveRunError(businessErr, false, nil, nil, 0)
	assert.False(t, timedOut)
	assert.Equal(t, businessErr, err)
}

func TestParallelFailureCompensatesEarlierLevels(t *testing.T) {
	engine := newTestEngine()

	var mu sync.Mutex
	var compensated []string
	record := func(id string) CompensateFunc {
		return func(ctx context.Context, result any, ec *ExecutionContext) error {
			mu.Lock()
			defer mu.Unlock()
			compensated = append(compensated, id)
			return nil
		}
	}

	err := engine.Register(&SagaDefinition{
		Name:                    "parallel_rollback",
		EnableParallelExecution: true,
		Steps: []SagaStep{
			{
				ID: "reserve_compute",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					return "compute-1", nil
				},
				Compensate: record("reserve_compute"),
			},
			{
				ID: "reserve_storage",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					return "storage-1", nil
				},
				Compensate: record("reserve_storage"),
			},
			{
				ID:        "attach_fast",
				DependsOn: []string{"reserve_compute", "reserve_storage"},
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					return nil, errors.New("quota exceeded")
				},
			},
			{
				ID:        "attach_slow",
				DependsOn: []string{"reserve_compute", "reserve_storage"},
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					time.Sleep(100 * time.Millisecond)
					return nil, errors.New("mount failed")
				},
			},
		},
	})
	require.NoError(t, err)

	inst, err := engine.Execute(context.Background(), "parallel_rollback", nil)
	require.NoError(t, err)

	assert.Equal(t, InstanceCompensated, inst.Status())

	// The level's first failure is the one reported.
	var stepErr *StepError
	require.ErrorAs(t, inst.Err(), &stepErr)
	assert.Equal(t, "attach_fast", stepErr.StepID)
	assert.ErrorContains(t, inst.Err(), "quota exceeded")

	// Both completed steps from the earlier level were swept.
	mu.Lock()
	assert.ElementsMatch(t, []string{"reserve_compute", "reserve_storage"}, compensated)
	mu.Unlock()

	for _, id := range []string{"reserve_compute", "reserve_storage"} {
		res, ok := inst.StepResult(id)
		require.True(t, ok)
		assert.Equal(t, StepCompensated, res.Status)
	}
}

func TestEngineCallerCancellation(t *testing.T) {
	engine := newTestEngine()

	var compensated bool
	err := engine.Register(&SagaDefinition{
		Name: "cancellable",
		Steps: []SagaStep{
			{
				ID: "first",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					return "ok", nil
				},
				Compensate: func(ctx context.Context, result any, ec *ExecutionContext) error {
					compensated = true
					return nil
				},
			},
			{
				ID: "second",
				Execute: func(ctx context.Context, ec *ExecutionContext) (any, error) {
					select {
					case <-time.After(time.Second):
						return "too late", nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				},
			},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	inst, err := engine.Execute(ctx, "cancellable", nil)
	require.NoError(t, err)

	// Cancellation takes the timeout path: abort, then compensate with
	// a context that outlives the cancelled one.
	assert.Equal(t, InstanceCompensated, inst.Status())
	assert.ErrorIs(t, inst.Err(), context.Canceled)
	assert.True(t, compensated)
}
