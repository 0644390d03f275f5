package saga

// Package saga orchestrates multi-step transactions with compensating
// actions.
//
// Sagas trade two-phase commit for a sequence of local steps, each of
// which can declare how to undo itself. When a step fails, times out
// or exhausts its retry budget, the engine unwinds the steps that
// already completed by running their compensating actions in reverse.
//
// Overview
//
// 1. Describe the saga as data:
//    - Build a `SagaDefinition` with a list of `SagaStep`s.
//    - Each step carries an `Execute` function, an optional
//      `Compensate` function, a per-attempt timeout, a retry budget
//      with linear backoff and the IDs of the steps it depends on.
// 2. Create an `Engine`:
//    - Use `New`, optionally with `WithLogger`, `WithStore`,
//      `WithRegistry` or `WithHistoryCapacity`.
//    - Register definitions with `Register`; registering the same name
//      again replaces the earlier definition.
// 3. Run the saga:
//    - Call `Execute` with the definition name and an initial context
//      map. The call blocks until the instance reaches a terminal
//      state and returns the `*Instance` for inspection.
//    - Step outputs are published into the shared context under
//      `_step_{id}_result` keys; later steps read them through their
//      `ExecutionContext`, or typed via `StepOutput`.
// 4. Observe:
//    - `Instance` looks up in-flight executions, `History` holds the
//      bounded record of finished ones, `Stats` aggregates counters
//      across the engine.
