// Package aggregate contains the generic replay machinery shared by all
// event-sourced aggregates: version tracking, the uncommitted-event buffer
// and the reconstruction paths (history replay and snapshot restore).
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/finance-ledger/internal/infrastructure/store"
)

var (
	ErrEmptyID      = errors.New("aggregate id is required")
	ErrIDAlreadySet = errors.New("aggregate id is already set")
)

// Aggregate is implemented by concrete aggregates by embedding Root and
// supplying the event dispatch and snapshot hooks.
type Aggregate interface {
	// root exposes the embedded Root; satisfied automatically by embedding.
	root() *Root

	// Type returns the aggregate type tag recorded on every stored event.
	Type() string

	// ApplyEvent mutates state for one event. The dispatch must be exhaustive
	// over the aggregate's event vocabulary; an unrecognized event type must
	// be returned as an error so reconstruction aborts instead of silently
	// skipping history.
	ApplyEvent(e store.StoredEvent) error

	// Snapshot returns the JSON materialization of current state.
	Snapshot() (json.RawMessage, error)

	// RestoreSnapshot replaces state from a snapshot payload. The version
	// counter is handled by RestoreFromSnapshot, not by the aggregate.
	RestoreSnapshot(state json.RawMessage) error
}

// Root carries the per-instance replay state: the identifier, the count of
// committed events applied and the ordered buffer of uncommitted events.
// Concrete aggregates embed it.
type Root struct {
	id          string
	version     int
	uncommitted []store.EventData
}

func (r *Root) root() *Root { return r }

// SetID assigns the identifier once, at creation or reconstruction.
func (r *Root) SetID(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	if r.id != "" {
		return ErrIDAlreadySet
	}
	r.id = id
	return nil
}

func (r *Root) ID() string { return r.id }

// Version is the number of committed events applied to this instance.
func (r *Root) Version() int { return r.version }

// ExpectedVersion is the optimistic concurrency token passed to the event
// log's append.
func (r *Root) ExpectedVersion() int { return r.version }

// Uncommitted returns a copy of the buffered events in application order.
func (r *Root) Uncommitted() []store.EventData {
	out := make([]store.EventData, len(r.uncommitted))
	copy(out, r.uncommitted)
	return out
}

func (r *Root) HasUncommitted() bool { return len(r.uncommitted) > 0 }

func (r *Root) UncommittedCount() int { return len(r.uncommitted) }

// MarkCommitted advances the version by the number of buffered events and
// clears the buffer. Called by the repository only after the event log has
// durably accepted them.
func (r *Root) MarkCommitted() {
	r.version += len(r.uncommitted)
	r.uncommitted = nil
}

// LoadFromHistory replays events in order onto the aggregate, advancing the
// version per event. Reconstruction only; nothing is buffered. An event the
// aggregate does not recognize aborts the replay with the dispatch error.
func LoadFromHistory(a Aggregate, events []store.StoredEvent) error {
	r := a.root()
	for _, e := range events {
		if err := a.ApplyEvent(e); err != nil {
			return fmt.Errorf("failed to replay event %s at version %d: %w", e.EventType, e.Version, err)
		}
		r.version++
	}
	return nil
}

// ApplyChange applies a new domain event immediately, so in-memory state
// reflects the change right away, and buffers it as uncommitted for the next
// save. The payload is marshaled once and shared by both paths.
func ApplyChange(a Aggregate, eventType string, payload any) error {
	r := a.root()
	occurredAt := time.Now()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	if err := a.ApplyEvent(store.StoredEvent{
		AggregateID:   r.id,
		AggregateType: a.Type(),
		EventType:     eventType,
		Data:          data,
		OccurredAt:    occurredAt,
	}); err != nil {
		return err
	}

	r.uncommitted = append(r.uncommitted, store.EventData{
		EventType:  eventType,
		Data:       data,
		OccurredAt: occurredAt,
	})
	return nil
}

// RestoreFromSnapshot seeds the aggregate from a snapshot and sets the
// version counter to the snapshot's version, so a subsequent tail replay
// lands on the same version as a full replay from zero.
func RestoreFromSnapshot(a Aggregate, snap *store.Snapshot) error {
	if err := a.RestoreSnapshot(snap.State); err != nil {
		return fmt.Errorf("failed to restore snapshot at version %d: %w", snap.Version, err)
	}
	a.root().version = snap.Version
	return nil
}

// TakeSnapshot materializes current state and saves it at the aggregate's
// committed version.
func TakeSnapshot(ctx context.Context, snapshots store.SnapshotStore, a Aggregate) error {
	state, err := a.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to materialize snapshot: %w", err)
	}
	return snapshots.Save(ctx, a.root().id, state, a.root().version)
}
