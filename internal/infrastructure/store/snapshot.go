package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrEmptySnapshotState = errors.New("snapshot state is required")
	ErrNegativeVersion    = errors.New("version must not be negative")
)

// DefaultSnapshotKeep is the number of snapshots retained per aggregate after
// every save; older versions are discarded.
const DefaultSnapshotKeep = 3

// Snapshot is a materialization of aggregate state at a known version. Its
// version never exceeds the aggregate's committed version at creation time.
type Snapshot struct {
	AggregateID string          `json:"aggregate_id"`
	State       json.RawMessage `json:"state"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
}

// InMemorySnapshotStore keeps per-aggregate snapshot lists sorted by version.
// Multiple snapshots per aggregate coexist, trimmed to DefaultSnapshotKeep
// after every save, always keeping the highest versions.
type InMemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string][]Snapshot // aggregateID -> snapshots in version order
}

func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{
		snapshots: make(map[string][]Snapshot),
	}
}

// Save implements SnapshotStore. The save and the retention trim run under
// one lock so a concurrent trim cannot discard a snapshot mid-save.
func (ss *InMemorySnapshotStore) Save(_ context.Context, aggregateID string, state json.RawMessage, version int) error {
	if aggregateID == "" {
		return ErrEmptyAggregateID
	}
	if len(state) == 0 {
		return ErrEmptySnapshotState
	}
	if version < 0 {
		return ErrNegativeVersion
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	snapshots := ss.snapshots[aggregateID]

	// Replace an existing snapshot at the same version.
	kept := snapshots[:0]
	for _, s := range snapshots {
		if s.Version != version {
			kept = append(kept, s)
		}
	}
	kept = append(kept, Snapshot{
		AggregateID: aggregateID,
		State:       state,
		Version:     version,
		CreatedAt:   time.Now(),
	})
	sort.Slice(kept, func(i, j int) bool { return kept[i].Version < kept[j].Version })

	if len(kept) > DefaultSnapshotKeep {
		kept = kept[len(kept)-DefaultSnapshotKeep:]
	}
	ss.snapshots[aggregateID] = kept
	return nil
}

// Latest implements SnapshotStore.
func (ss *InMemorySnapshotStore) Latest(_ context.Context, aggregateID string) (*Snapshot, error) {
	if aggregateID == "" {
		return nil, nil
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	snapshots := ss.snapshots[aggregateID]
	if len(snapshots) == 0 {
		return nil, nil
	}
	latest := snapshots[len(snapshots)-1]
	return &latest, nil
}

// LatestAtOrBefore implements SnapshotStore. Used for time-travel
// reconstruction together with a version-bounded replay.
func (ss *InMemorySnapshotStore) LatestAtOrBefore(_ context.Context, aggregateID string, version int) (*Snapshot, error) {
	if aggregateID == "" {
		return nil, nil
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	snapshots := ss.snapshots[aggregateID]
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].Version <= version {
			s := snapshots[i]
			return &s, nil
		}
	}
	return nil, nil
}

// Trim implements SnapshotStore.
func (ss *InMemorySnapshotStore) Trim(_ context.Context, aggregateID string, keep int) error {
	if aggregateID == "" || keep <= 0 {
		return nil
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	snapshots := ss.snapshots[aggregateID]
	if len(snapshots) > keep {
		ss.snapshots[aggregateID] = snapshots[len(snapshots)-keep:]
	}
	return nil
}

// Clear implements SnapshotStore.
func (ss *InMemorySnapshotStore) Clear(_ context.Context) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.snapshots = make(map[string][]Snapshot)
	return nil
}

// ClearAggregate removes a single aggregate's snapshots.
func (ss *InMemorySnapshotStore) ClearAggregate(aggregateID string) {
	if aggregateID == "" {
		return
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.snapshots, aggregateID)
}

// SnapshotCount returns the number of snapshots held for an aggregate.
func (ss *InMemorySnapshotStore) SnapshotCount(aggregateID string) int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.snapshots[aggregateID])
}
