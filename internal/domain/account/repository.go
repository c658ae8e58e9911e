package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/finance-ledger/internal/domain/aggregate"
	"github.com/example/finance-ledger/internal/infrastructure/store"
)

// SnapshotThreshold is the number of events after the latest snapshot that
// triggers a new one on save.
const SnapshotThreshold = 50

var ErrNotFound = errors.New("account not found")

// Repository reconstructs accounts from the event log, seeded by the newest
// snapshot when one exists, and persists new events under optimistic
// concurrency. Instances are not cached across calls; every Load replays.
type Repository struct {
	events    store.EventStore
	snapshots store.SnapshotStore
}

func NewRepository(events store.EventStore, snapshots store.SnapshotStore) *Repository {
	return &Repository{events: events, snapshots: snapshots}
}

// Load reconstructs an account: restore from the latest snapshot if present,
// then replay only the events newer than it. Returns ErrNotFound when
// neither a snapshot nor any events exist.
func (r *Repository) Load(ctx context.Context, id string) (*Account, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	a, err := NewShell(id)
	if err != nil {
		return nil, err
	}

	snap, err := r.snapshots.Latest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	fromVersion := 0
	if snap != nil {
		if err := aggregate.RestoreFromSnapshot(a, snap); err != nil {
			return nil, err
		}
		fromVersion = snap.Version
	}

	events, err := r.events.EventsFor(ctx, id, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	if snap == nil && len(events) == 0 {
		return nil, ErrNotFound
	}

	if err := aggregate.LoadFromHistory(a, events); err != nil {
		return nil, err
	}
	return a, nil
}

// Save appends the account's uncommitted events under its expected version.
// A store.ConcurrencyError surfaces to the caller unchanged; reload-and-retry
// is the caller's responsibility. After a successful commit the snapshot
// policy runs: snapshot if none exists yet or if SnapshotThreshold events
// accumulated since the last one.
func (r *Repository) Save(ctx context.Context, a *Account) error {
	if a == nil {
		return errors.New("account is required")
	}
	if !a.HasUncommitted() {
		return nil
	}

	_, err := r.events.Append(ctx, a.ID(), AggregateType, a.Uncommitted(), a.ExpectedVersion())
	if err != nil {
		return err
	}
	a.MarkCommitted()

	return r.maybeSnapshot(ctx, a)
}

func (r *Repository) maybeSnapshot(ctx context.Context, a *Account) error {
	snap, err := r.snapshots.Latest(ctx, a.ID())
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	if snap == nil || a.Version()-snap.Version >= SnapshotThreshold {
		if err := aggregate.TakeSnapshot(ctx, r.snapshots, a); err != nil {
			return fmt.Errorf("events committed but snapshot failed: %w", err)
		}
	}
	return nil
}

// HistoryOf returns the account's full ordered event history.
func (r *Repository) HistoryOf(ctx context.Context, id string) ([]store.StoredEvent, error) {
	return r.events.EventsFor(ctx, id, 0)
}

// AtPointInTime reconstructs the account using only events whose occurrence
// time is at or before the given moment. A linear filter over the full
// history; this path takes no snapshot shortcut.
func (r *Repository) AtPointInTime(ctx context.Context, id string, at time.Time) (*Account, error) {
	events, err := r.events.EventsFor(ctx, id, 0)
	if err != nil {
		return nil, err
	}

	filtered := make([]store.StoredEvent, 0, len(events))
	for _, e := range events {
		if !e.OccurredAt.After(at) {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNotFound
	}

	a, err := NewShell(id)
	if err != nil {
		return nil, err
	}
	if err := aggregate.LoadFromHistory(a, filtered); err != nil {
		return nil, err
	}
	return a, nil
}

// FindByUser returns every account opened by the user. Implemented as a full
// scan of the global log filtered by event type and payload field; there is
// no secondary user index, so this is O(total events).
func (r *Repository) FindByUser(ctx context.Context, userID string) ([]*Account, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	return r.scanOpened(ctx, func(opened AccountOpened, a *Account) bool {
		return opened.UserID == userID
	})
}

// FindAllActive returns every account currently in the active state. Same
// full-scan limitation as FindByUser.
func (r *Repository) FindAllActive(ctx context.Context) ([]*Account, error) {
	return r.scanOpened(ctx, func(_ AccountOpened, a *Account) bool {
		return a.Status == StatusActive
	})
}

func (r *Repository) scanOpened(ctx context.Context, match func(AccountOpened, *Account) bool) ([]*Account, error) {
	opened, err := r.events.EventsOfType(ctx, EventAccountOpened)
	if err != nil {
		return nil, err
	}

	var accounts []*Account
	for _, e := range opened {
		var data AccountOpened
		if err := json.Unmarshal(e.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to decode %s event %d: %w", e.EventType, e.GlobalSequence, err)
		}

		a, err := r.Load(ctx, data.AccountID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if match(data, a) {
			accounts = append(accounts, a)
		}
	}
	return accounts, nil
}

// Remove closes an active account and persists the closure. Accounts are
// never deleted from the log; closure is a state transition.
func (r *Repository) Remove(ctx context.Context, a *Account) error {
	if a == nil {
		return nil
	}
	if a.Status != StatusActive {
		return nil
	}
	if err := a.Close("account removal requested"); err != nil {
		return err
	}
	return r.Save(ctx, a)
}
