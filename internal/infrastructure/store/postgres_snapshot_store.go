package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PostgresSnapshotStore is a durable SnapshotStore backed by PostgreSQL.
// Retention mirrors the in-memory store: after every save only the
// DefaultSnapshotKeep highest versions survive.
type PostgresSnapshotStore struct {
	db *sql.DB
}

func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

// EnsureSnapshotSchema creates the snapshots table if it does not exist.
func EnsureSnapshotSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			aggregate_id TEXT        NOT NULL,
			version      INT         NOT NULL,
			state        JSONB       NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (aggregate_id, version)
		)`)
	return err
}

// Save implements SnapshotStore.
func (ss *PostgresSnapshotStore) Save(ctx context.Context, aggregateID string, state json.RawMessage, version int) error {
	if aggregateID == "" {
		return ErrEmptyAggregateID
	}
	if len(state) == 0 {
		return ErrEmptySnapshotState
	}
	if version < 0 {
		return ErrNegativeVersion
	}

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_id, version, state, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (aggregate_id, version) DO UPDATE SET state = $3, created_at = $4`,
		aggregateID, version, []byte(state), time.Now())
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_id = $1 AND version NOT IN (
		     SELECT version FROM snapshots WHERE aggregate_id = $1
		     ORDER BY version DESC LIMIT $2)`,
		aggregateID, DefaultSnapshotKeep)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Latest implements SnapshotStore.
func (ss *PostgresSnapshotStore) Latest(ctx context.Context, aggregateID string) (*Snapshot, error) {
	return ss.get(ctx,
		`SELECT aggregate_id, version, state, created_at FROM snapshots
		 WHERE aggregate_id = $1 ORDER BY version DESC LIMIT 1`,
		aggregateID)
}

// LatestAtOrBefore implements SnapshotStore.
func (ss *PostgresSnapshotStore) LatestAtOrBefore(ctx context.Context, aggregateID string, version int) (*Snapshot, error) {
	return ss.get(ctx,
		`SELECT aggregate_id, version, state, created_at FROM snapshots
		 WHERE aggregate_id = $1 AND version <= $2 ORDER BY version DESC LIMIT 1`,
		aggregateID, version)
}

// Trim implements SnapshotStore.
func (ss *PostgresSnapshotStore) Trim(ctx context.Context, aggregateID string, keep int) error {
	if aggregateID == "" || keep <= 0 {
		return nil
	}
	_, err := ss.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_id = $1 AND version NOT IN (
		     SELECT version FROM snapshots WHERE aggregate_id = $1
		     ORDER BY version DESC LIMIT $2)`,
		aggregateID, keep)
	return err
}

// Clear implements SnapshotStore.
func (ss *PostgresSnapshotStore) Clear(ctx context.Context) error {
	_, err := ss.db.ExecContext(ctx, "TRUNCATE snapshots")
	return err
}

func (ss *PostgresSnapshotStore) get(ctx context.Context, q string, args ...any) (*Snapshot, error) {
	var s Snapshot
	var state []byte
	err := ss.db.QueryRowContext(ctx, q, args...).Scan(&s.AggregateID, &s.Version, &state, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.State = state
	return &s, nil
}
