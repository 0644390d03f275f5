package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InstanceStore persists terminal instance snapshots. The engine only
// ever writes; it never reads a store to resume work. Recovery across
// process restarts is the caller's concern. A store is wired in with
// the WithStore option.
type InstanceStore interface {
	// Save persists a snapshot, overwriting any prior one for the
	// same instance ID.
	Save(ctx context.Context, snap *InstanceSnapshot) error

	// Load retrieves a snapshot by instance ID.
	Load(ctx context.Context, instanceID string) (*InstanceSnapshot, error)

	// Delete removes a snapshot.
	Delete(ctx context.Context, instanceID string) error
}

// InstanceSnapshot is a point-in-time, serializable view of an
// instance. Step results are ordered by step ID.
type InstanceSnapshot struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	Status           InstanceStatus       `json:"status"`
	StepResults      []StepResultSnapshot `json:"step_results"`
	Context          map[string]any       `json:"context"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
	CurrentStepIndex int                  `json:"current_step_index"`
	Error            string               `json:"error,omitempty"`
}

// StepResultSnapshot is the serializable form of a StepResult.
type StepResultSnapshot struct {
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// Snapshot builds a consistent snapshot of the instance.
func (i *Instance) Snapshot() *InstanceSnapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	snap := &InstanceSnapshot{
		ID:               i.id,
		Name:             i.name,
		Status:           i.status,
		StepResults:      make([]StepResultSnapshot, 0, i.results.Len()),
		Context:          make(map[string]any, len(i.contextMap)),
		CreatedAt:        i.createdAt,
		UpdatedAt:        i.updatedAt,
		CurrentStepIndex: i.currentStep,
	}
	if !i.completedAt.IsZero() {
		completedAt := i.completedAt
		snap.CompletedAt = &completedAt
	}
	if i.err != nil {
		snap.Error = i.err.Error()
	}
	for k, v := range i.contextMap {
		snap.Context[k] = v
	}
	i.results.Scan(func(id string, res *StepResult) bool {
		rs := StepResultSnapshot{
			StepID:     res.StepID,
			Status:     res.Status,
			Result:     res.Result,
			StartTime:  res.StartTime,
			RetryCount: res.RetryCount,
		}
		if !res.EndTime.IsZero() {
			endTime := res.EndTime
			rs.EndTime = &endTime
		}
		if res.Err != nil {
			rs.Error = res.Err.Error()
		}
		snap.StepResults = append(snap.StepResults, rs)
		return true
	})
	return snap
}

// MemoryStore provides an in-memory implementation of InstanceStore
// for testing or scenarios where persistence is not required.
type MemoryStore struct {
	snaps map[string]*InstanceSnapshot
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*InstanceSnapshot),
	}
}

// Save stores the snapshot in memory.
func (m *MemoryStore) Save(ctx context.Context, snap *InstanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapCopy := *snap
	m.snaps[snap.ID] = &snapCopy
	return nil
}

// Load retrieves a snapshot from memory.
func (m *MemoryStore) Load(ctx context.Context, instanceID string) (*InstanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, exists := m.snaps[instanceID]
	if !exists {
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}

	snapCopy := *snap
	return &snapCopy, nil
}

// Delete removes a snapshot from memory.
func (m *MemoryStore) Delete(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.snaps, instanceID)
	return nil
}
