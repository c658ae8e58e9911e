package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyAggregateID = errors.New("aggregate id is required")
	ErrEmptyEventType   = errors.New("event type is required")
	ErrInvalidTimeRange = errors.New("range start must not be after range end")
)

// ConcurrencyError is returned by Append when the expected version does not
// match the number of events already stored for the aggregate. The caller
// should reload the aggregate and retry the operation.
type ConcurrencyError struct {
	AggregateID     string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, actual version %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

// IsConcurrencyError reports whether err is (or wraps) a ConcurrencyError.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// EventData is a domain event ready to be appended: the event type tag, the
// JSON-encoded payload and the time the change occurred in the domain.
// Versions and sequence numbers are assigned by the event store on append.
type EventData struct {
	EventType  string          `json:"event_type"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEventData marshals payload and wraps it as an EventData.
func NewEventData(eventType string, payload any, occurredAt time.Time) (EventData, error) {
	if eventType == "" {
		return EventData{}, ErrEmptyEventType
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return EventData{}, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return EventData{EventType: eventType, Data: data, OccurredAt: occurredAt}, nil
}

// StoredEvent is an immutable committed event. Version is the 1-based,
// gapless position within the aggregate's own history; GlobalSequence is a
// process-wide monotonic counter establishing one total order across all
// aggregates.
type StoredEvent struct {
	GlobalSequence int64           `json:"global_sequence"`
	ID             string          `json:"id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	EventType      string          `json:"event_type"`
	Data           json.RawMessage `json:"data"`
	Version        int             `json:"version"`
	OccurredAt     time.Time       `json:"occurred_at"`
	StoredAt       time.Time       `json:"stored_at"`
}
