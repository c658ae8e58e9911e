package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresEventStore is a durable EventStore backed by PostgreSQL. The global
// sequence is a BIGSERIAL; the optimistic version check runs inside a
// transaction holding the aggregate's advisory lock, so concurrent appends
// with the same expected version serialize exactly like the in-memory store.
type PostgresEventStore struct {
	db       *sql.DB
	producer Publisher
}

func NewPostgresEventStore(db *sql.DB, producer Publisher) *PostgresEventStore {
	return &PostgresEventStore{db: db, producer: producer}
}

// ConnectPostgres opens and pings a PostgreSQL connection.
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureEventSchema creates the events table if it does not exist.
func EnsureEventSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			global_sequence BIGSERIAL PRIMARY KEY,
			id              UUID        NOT NULL,
			aggregate_id    TEXT        NOT NULL,
			aggregate_type  TEXT        NOT NULL,
			event_type      TEXT        NOT NULL,
			data            JSONB       NOT NULL,
			version         INT         NOT NULL,
			occurred_at     TIMESTAMPTZ NOT NULL,
			stored_at       TIMESTAMPTZ NOT NULL,
			UNIQUE (aggregate_id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_events_event_type ON events (event_type, global_sequence);
		CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events (occurred_at)`)
	return err
}

// Append implements EventStore.
func (es *PostgresEventStore) Append(ctx context.Context, aggregateID, aggregateType string, events []EventData, expectedVersion int) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Serialize appenders of the same aggregate.
	if _, err := tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtext($1))", aggregateID); err != nil {
		return nil, err
	}

	var current int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE aggregate_id = $1", aggregateID,
	).Scan(&current)
	if err != nil {
		return nil, err
	}
	if current != expectedVersion {
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
		event := StoredEvent{
			ID:            uuid.New().String(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     e.EventType,
			Data:          e.Data,
			Version:       current + i + 1,
			OccurredAt:    occurredAt,
			StoredAt:      now,
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO events (id, aggregate_id, aggregate_type, event_type, data, version, occurred_at, stored_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING global_sequence`,
			event.ID, event.AggregateID, event.AggregateType, event.EventType,
			[]byte(event.Data), event.Version, event.OccurredAt, event.StoredAt,
		).Scan(&event.GlobalSequence)
		if err != nil {
			return nil, fmt.Errorf("failed to insert event: %w", err)
		}
		stored = append(stored, event)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

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
func (es *PostgresEventStore) EventsFor(ctx context.Context, aggregateID string, fromVersion int) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}
	return es.query(ctx,
		`SELECT global_sequence, id, aggregate_id, aggregate_type, event_type, data, version, occurred_at, stored_at
		 FROM events WHERE aggregate_id = $1 AND version > $2 ORDER BY version`,
		aggregateID, fromVersion)
}

// AllEvents implements EventStore.
func (es *PostgresEventStore) AllEvents(ctx context.Context) ([]StoredEvent, error) {
	return es.query(ctx,
		`SELECT global_sequence, id, aggregate_id, aggregate_type, event_type, data, version, occurred_at, stored_at
		 FROM events ORDER BY global_sequence`)
}

// EventsOfType implements EventStore.
func (es *PostgresEventStore) EventsOfType(ctx context.Context, eventType string) ([]StoredEvent, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}
	return es.query(ctx,
		`SELECT global_sequence, id, aggregate_id, aggregate_type, event_type, data, version, occurred_at, stored_at
		 FROM events WHERE event_type = $1 ORDER BY global_sequence`,
		eventType)
}

// EventsInRange implements EventStore.
func (es *PostgresEventStore) EventsInRange(ctx context.Context, from, to time.Time) ([]StoredEvent, error) {
	if from.After(to) {
		return nil, ErrInvalidTimeRange
	}
	return es.query(ctx,
		`SELECT global_sequence, id, aggregate_id, aggregate_type, event_type, data, version, occurred_at, stored_at
		 FROM events WHERE occurred_at >= $1 AND occurred_at <= $2 ORDER BY occurred_at`,
		from, to)
}

// CurrentVersion implements EventStore.
func (es *PostgresEventStore) CurrentVersion(ctx context.Context, aggregateID string) (int, error) {
	var count int
	err := es.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE aggregate_id = $1", aggregateID,
	).Scan(&count)
	return count, err
}

// TotalEventCount implements EventStore.
func (es *PostgresEventStore) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	err := es.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count)
	return count, err
}

func (es *PostgresEventStore) query(ctx context.Context, q string, args ...any) ([]StoredEvent, error) {
	rows, err := es.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var data []byte
		if err := rows.Scan(&e.GlobalSequence, &e.ID, &e.AggregateID, &e.AggregateType,
			&e.EventType, &data, &e.Version, &e.OccurredAt, &e.StoredAt); err != nil {
			return nil, err
		}
		e.Data = data
		events = append(events, e)
	}
	return events, rows.Err()
}
