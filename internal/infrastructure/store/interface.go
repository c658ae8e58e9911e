package store

import (
	"context"
	"encoding/json"
	"time"
)

// EventStore is the append-only event log. Implementations must assign
// versions and global sequence numbers atomically per Append call and must
// never partially apply a failed append.
type EventStore interface {
	// Append stores events for an aggregate after verifying that the number
	// of events already stored equals expectedVersion. On a mismatch it
	// returns a ConcurrencyError and stores nothing.
	Append(ctx context.Context, aggregateID, aggregateType string, events []EventData, expectedVersion int) ([]StoredEvent, error)

	// EventsFor returns the aggregate's events with version strictly greater
	// than fromVersion, in version order. Pass 0 for the full history.
	EventsFor(ctx context.Context, aggregateID string, fromVersion int) ([]StoredEvent, error)

	// AllEvents returns every stored event ordered by global sequence.
	AllEvents(ctx context.Context) ([]StoredEvent, error)

	// EventsOfType returns all events with the given type tag, ordered by
	// global sequence.
	EventsOfType(ctx context.Context, eventType string) ([]StoredEvent, error)

	// EventsInRange returns events whose occurrence time falls within
	// [from, to], ordered by occurrence time.
	EventsInRange(ctx context.Context, from, to time.Time) ([]StoredEvent, error)

	// CurrentVersion returns the number of events stored for the aggregate,
	// 0 if none.
	CurrentVersion(ctx context.Context, aggregateID string) (int, error)

	// TotalEventCount returns the number of events across all aggregates.
	TotalEventCount(ctx context.Context) (int64, error)
}

// SnapshotStore caches materialized aggregate state to bound replay cost.
type SnapshotStore interface {
	// Save stores a snapshot taken at the given version, replacing any
	// existing snapshot at that exact version.
	Save(ctx context.Context, aggregateID string, state json.RawMessage, version int) error

	// Latest returns the highest-version snapshot, or nil if none exists.
	Latest(ctx context.Context, aggregateID string) (*Snapshot, error)

	// LatestAtOrBefore returns the highest-version snapshot with
	// version <= the given bound, or nil if none exists.
	LatestAtOrBefore(ctx context.Context, aggregateID string, version int) (*Snapshot, error)

	// Trim retains only the keep highest-version snapshots.
	Trim(ctx context.Context, aggregateID string, keep int) error

	// Clear removes every snapshot.
	Clear(ctx context.Context) error
}
