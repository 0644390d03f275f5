package saga

import "sync"

// DefaultHistoryCapacity bounds the number of terminal instance
// snapshots an engine retains when no explicit capacity is configured.
const DefaultHistoryCapacity = 100

// History is a bounded, append-only record of terminal instance
// snapshots. When the capacity is exceeded the oldest entries are
// evicted first.
type History struct {
	mu      sync.Mutex
	cap     int
	entries []*InstanceSnapshot
}

func newHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{cap: capacity}
}

// Append records a terminal snapshot, evicting the oldest entries once
// the capacity is reached.
func (h *History) Append(snap *InstanceSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, snap)
	if len(h.entries) > h.cap {
		overflow := len(h.entries) - h.cap
		h.entries = append(h.entries[:0], h.entries[overflow:]...)
	}
}

// Snapshot returns the retained entries, oldest first.
func (h *History) Snapshot() []*InstanceSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*InstanceSnapshot, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len reports the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
