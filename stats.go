package saga

import "github.com/puzpuzpuz/xsync/v3"

// Stats aggregates execution counters across all instances of an
// engine. Counters are striped so concurrent executions never contend
// on a single cache line.
type Stats struct {
	total       *xsync.Counter
	completed   *xsync.Counter
	failed      *xsync.Counter
	compensated *xsync.Counter
	active      *xsync.Counter
}

func newStats() *Stats {
	return &Stats{
		total:       xsync.NewCounter(),
		completed:   xsync.NewCounter(),
		failed:      xsync.NewCounter(),
		compensated: xsync.NewCounter(),
		active:      xsync.NewCounter(),
	}
}

func (s *Stats) started() {
	s.total.Inc()
	s.active.Inc()
}

// finished folds a terminal status into the counters. Every aborted
// saga counts as failed; compensated additionally counts those whose
// compensation sweep fully succeeded.
func (s *Stats) finished(status InstanceStatus) {
	s.active.Dec()
	switch status {
	case InstanceCompleted:
		s.completed.Inc()
	case InstanceCompensated:
		s.failed.Inc()
		s.compensated.Inc()
	case InstanceFailed, InstancePartiallyCompleted:
		s.failed.Inc()
	}
}

// StatsSnapshot is a point-in-time view of the engine's counters.
// Individual counters are read independently, so a snapshot taken
// while sagas are finishing may be momentarily inconsistent across
// fields.
type StatsSnapshot struct {
	Total       int64 `json:"total"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Compensated int64 `json:"compensated"`
	Active      int64 `json:"active"`
}

// Snapshot reads the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Total:       s.total.Value(),
		Completed:   s.completed.Value(),
		Failed:      s.failed.Value(),
		Compensated: s.compensated.Value(),
		Active:      s.active.Value(),
	}
}
