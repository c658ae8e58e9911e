package store

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher receives committed events after a successful append. Satisfied by
// kafka.Producer. Publication is best effort: the in-memory log is the source
// of truth and a publish failure never rolls an append back.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// InMemoryEventStore keeps the full event log in process memory. It starts
// empty, grows monotonically and is reset only via Clear/ClearAggregate. A
// stand-in for a durable backend (PostgresEventStore, DynamoEventStore)
// behind the same EventStore interface.
type InMemoryEventStore struct {
	mu        sync.RWMutex
	events    map[string][]StoredEvent // aggregateID -> events in version order
	globalLog []StoredEvent            // all events in global sequence order
	sequence  int64
	producer  Publisher
}

// NewInMemoryEventStore creates an empty event store. producer may be nil.
func NewInMemoryEventStore(producer Publisher) *InMemoryEventStore {
	return &InMemoryEventStore{
		events:   make(map[string][]StoredEvent),
		producer: producer,
	}
}

// Append implements EventStore. The version check, number assignment and
// insertion run as one serialized unit; two concurrent appends with the same
// expectedVersion can never both pass the check.
func (es *InMemoryEventStore) Append(ctx context.Context, aggregateID, aggregateType string, events []EventData, expectedVersion int) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}
	if len(events) == 0 {
		return nil, nil
	}

	es.mu.Lock()
	current := len(es.events[aggregateID])
	if current != expectedVersion {
		es.mu.Unlock()
		return nil, &ConcurrencyError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	now := time.Now()
	stored := make([]StoredEvent, 0, len(events))
	for i, e := range events {
		occurredAt := e.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = now
		}
		es.sequence++
		stored = append(stored, StoredEvent{
			GlobalSequence: es.sequence,
			ID:             uuid.New().String(),
			AggregateID:    aggregateID,
			AggregateType:  aggregateType,
			EventType:      e.EventType,
			Data:           e.Data,
			Version:        current + i + 1,
			OccurredAt:     occurredAt,
			StoredAt:       now,
		})
	}
	es.events[aggregateID] = append(es.events[aggregateID], stored...)
	es.globalLog = append(es.globalLog, stored...)
	es.mu.Unlock()

	if es.producer != nil {
		for _, e := range stored {
			if err := es.producer.Publish(ctx, aggregateID, e); err != nil {
				log.Printf("[EventStore] failed to publish event %d for aggregate %s: %v", e.GlobalSequence, aggregateID, err)
			}
		}
	}

	return stored, nil
}

// EventsFor implements EventStore.
func (es *InMemoryEventStore) EventsFor(_ context.Context, aggregateID string, fromVersion int) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	aggregateEvents := es.events[aggregateID]
	result := make([]StoredEvent, 0, len(aggregateEvents))
	for _, e := range aggregateEvents {
		if e.Version > fromVersion {
			result = append(result, e)
		}
	}
	return result, nil
}

// AllEvents implements EventStore.
func (es *InMemoryEventStore) AllEvents(_ context.Context) ([]StoredEvent, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]StoredEvent, len(es.globalLog))
	copy(result, es.globalLog)
	return result, nil
}

// EventsOfType implements EventStore.
func (es *InMemoryEventStore) EventsOfType(_ context.Context, eventType string) ([]StoredEvent, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	var result []StoredEvent
	for _, e := range es.globalLog {
		if e.EventType == eventType {
			result = append(result, e)
		}
	}
	return result, nil
}

// EventsInRange implements EventStore.
func (es *InMemoryEventStore) EventsInRange(_ context.Context, from, to time.Time) ([]StoredEvent, error) {
	if from.After(to) {
		return nil, ErrInvalidTimeRange
	}

	es.mu.RLock()
	var result []StoredEvent
	for _, e := range es.globalLog {
		if !e.OccurredAt.Before(from) && !e.OccurredAt.After(to) {
			result = append(result, e)
		}
	}
	es.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

// CurrentVersion implements EventStore.
func (es *InMemoryEventStore) CurrentVersion(_ context.Context, aggregateID string) (int, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return len(es.events[aggregateID]), nil
}

// TotalEventCount implements EventStore.
func (es *InMemoryEventStore) TotalEventCount(_ context.Context) (int64, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return int64(len(es.globalLog)), nil
}

// Clear removes every event and resets the global sequence. Administrative
// use only.
func (es *InMemoryEventStore) Clear() {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.events = make(map[string][]StoredEvent)
	es.globalLog = nil
	es.sequence = 0
}

// ClearAggregate removes a single aggregate's events from both the
// per-aggregate log and the global log. The global sequence is not reset, so
// sequence numbers are never reused.
func (es *InMemoryEventStore) ClearAggregate(aggregateID string) {
	if aggregateID == "" {
		return
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if _, ok := es.events[aggregateID]; !ok {
		return
	}
	delete(es.events, aggregateID)

	kept := es.globalLog[:0]
	for _, e := range es.globalLog {
		if e.AggregateID != aggregateID {
			kept = append(kept, e)
		}
	}
	es.globalLog = kept
}
