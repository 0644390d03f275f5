package saga

import "github.com/sirupsen/logrus"

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger sets the logger the engine and its instances log through.
// Defaults to the logrus standard logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRegistry makes the engine use an existing registry instead of
// creating its own, allowing several engines to share definitions.
func WithRegistry(registry *Registry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithHistoryCapacity bounds the number of terminal instance snapshots
// retained in memory. Defaults to DefaultHistoryCapacity.
func WithHistoryCapacity(n int) Option {
	return func(e *Engine) {
		e.historyCap = n
	}
}

// WithStore makes the engine persist every terminal instance snapshot
// to the given store. Persistence failures are logged, never surfaced
// to the caller of Execute.
func WithStore(store InstanceStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

type execConfig struct {
	instanceID string
}

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*execConfig)

// WithInstanceID pins the instance ID instead of generating a UUID.
// Useful for tests and for callers carrying external correlation IDs.
func WithInstanceID(id string) ExecuteOption {
	return func(cfg *execConfig) {
		cfg.instanceID = id
	}
}
