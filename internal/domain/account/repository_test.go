package account

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/finance-ledger/internal/infrastructure/store"
)

func newTestRepository() (*Repository, *store.InMemoryEventStore, *store.InMemorySnapshotStore) {
	events := store.NewInMemoryEventStore(nil)
	snapshots := store.NewInMemorySnapshotStore()
	return NewRepository(events, snapshots), events, snapshots
}

// recordingEventStore records the fromVersion passed to EventsFor so tests
// can assert that snapshot-seeded loads replay only the tail.
type recordingEventStore struct {
	*store.InMemoryEventStore
	mu           sync.Mutex
	fromVersions []int
}

func (r *recordingEventStore) EventsFor(ctx context.Context, aggregateID string, fromVersion int) ([]store.StoredEvent, error) {
	r.mu.Lock()
	r.fromVersions = append(r.fromVersions, fromVersion)
	r.mu.Unlock()
	return r.InMemoryEventStore.EventsFor(ctx, aggregateID, fromVersion)
}

func TestRepository_SaveAndLoad(t *testing.T) {
	repo, _, _ := newTestRepository()
	ctx := context.Background()

	a, err := Open("user-1", 1_000_000)
	require.NoError(t, err)
	require.NoError(t, a.Deposit(200_000, "salary"))
	require.NoError(t, a.Withdraw(150_000, "rent"))
	require.NoError(t, repo.Save(ctx, a))

	assert.Equal(t, 3, a.Version())
	assert.False(t, a.HasUncommitted())

	loaded, err := repo.Load(ctx, a.ID())
	require.NoError(t, err)

	// Replay equivalence: reconstruction matches the live instance.
	assert.Equal(t, a.ID(), loaded.ID())
	assert.Equal(t, a.UserID, loaded.UserID)
	assert.Equal(t, int64(1_050_000), loaded.Balance)
	assert.Equal(t, a.Status, loaded.Status)
	assert.Equal(t, 3, loaded.Version())

	history, err := repo.HistoryOf(ctx, a.ID())
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestRepository_Load_NotFound(t *testing.T) {
	repo, _, _ := newTestRepository()

	_, err := repo.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.Load(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_Save_NoUncommittedIsNoOp(t *testing.T) {
	repo, events, _ := newTestRepository()
	ctx := context.Background()

	a, err := Open("user-1", 100)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, a))
	require.NoError(t, repo.Save(ctx, a))

	total, err := events.TotalEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, 1, a.Version())
}

func TestRepository_Save_ConcurrencyConflict(t *testing.T) {
	repo, _, _ := newTestRepository()
	ctx := context.Background()

	a, err := Open("user-1", 1000)
	require.NoError(t, err)
	require.NoError(t, a.Deposit(1, ""))
	require.NoError(t, a.Deposit(1, ""))
	require.NoError(t, repo.Save(ctx, a))
	require.Equal(t, 3, a.Version())

	// Two clients load the same version and both try to save.
	first, err := repo.Load(ctx, a.ID())
	require.NoError(t, err)
	second, err := repo.Load(ctx, a.ID())
	require.NoError(t, err)

	require.NoError(t, first.Deposit(10, ""))
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, second.Deposit(20, ""))
	err = repo.Save(ctx, second)

	var ce *store.ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, a.ID(), ce.AggregateID)
	assert.Equal(t, 3, ce.ExpectedVersion)
	assert.Equal(t, 4, ce.ActualVersion)

	// The loser reloads and retries.
	retried, err := repo.Load(ctx, a.ID())
	require.NoError(t, err)
	require.NoError(t, retried.Deposit(20, ""))
	require.NoError(t, repo.Save(ctx, retried))
	assert.Equal(t, int64(1030), retried.Balance)
}

func TestRepository_Load_UsesSnapshotTail(t *testing.T) {
	events := &recordingEventStore{InMemoryEventStore: store.NewInMemoryEventStore(nil)}
	snapshots := store.NewInMemorySnapshotStore()
	repo := NewRepository(events, snapshots)
	ctx := context.Background()

	a, err := Open("user-1", 0)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, a))
	for i := 0; i < 14; i++ {
		require.NoError(t, a.Deposit(10, ""))
	}
	require.NoError(t, repo.Save(ctx, a))
	require.Equal(t, 15, a.Version())

	// Pin a snapshot at version 10 and drop the auto-taken ones.
	snapshots.ClearAggregate(a.ID())
	tenState, err := snapshotAt(ctx, events, a.ID(), 10)
	require.NoError(t, err)
	require.NoError(t, snapshots.Save(ctx, a.ID(), tenState, 10))

	events.fromVersions = nil
	loaded, err := repo.Load(ctx, a.ID())
	require.NoError(t, err)

	// Snapshot equivalence: snapshot at 10 plus events 11..15 equals the
	// full replay.
	assert.Equal(t, int64(140), loaded.Balance)
	assert.Equal(t, 15, loaded.Version())
	require.Len(t, events.fromVersions, 1)
	assert.Equal(t, 10, events.fromVersions[0], "load must replay only events newer than the snapshot")
}

// snapshotAt materializes the aggregate state at an exact version by
// version-bounded replay.
func snapshotAt(ctx context.Context, events store.EventStore, id string, version int) ([]byte, error) {
	history, err := events.EventsFor(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	a, err := NewShell(id)
	if err != nil {
		return nil, err
	}
	for _, e := range history {
		if e.Version > version {
			break
		}
		if err := a.ApplyEvent(e); err != nil {
			return nil, err
		}
	}
	return a.Snapshot()
}

func TestRepository_SnapshotPolicy(t *testing.T) {
	repo, _, snapshots := newTestRepository()
	ctx := context.Background()

	a, err := Open("user-1", 0)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, a))

	// First save snapshots because none exists yet.
	snap, err := snapshots.Latest(ctx, a.ID())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Version)

	// Below the threshold no new snapshot is cut.
	require.NoError(t, a.Deposit(10, ""))
	require.NoError(t, repo.Save(ctx, a))
	snap, err = snapshots.Latest(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)

	// Crossing the threshold cuts one at the current version.
	for i := 0; i < SnapshotThreshold; i++ {
		require.NoError(t, a.Deposit(10, ""))
	}
	require.NoError(t, repo.Save(ctx, a))
	snap, err = snapshots.Latest(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, a.Version(), snap.Version)
}

func TestRepository_AtPointInTime(t *testing.T) {
	repo, _, _ := newTestRepository()
	ctx := context.Background()

	a, err := Open("user-1", 100)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, a))

	afterOpen := time.Now()
	time.Sleep(5 * time.Millisecond)

	loaded, err := repo.Load(ctx, a.ID())
	require.NoError(t, err)
	require.NoError(t, loaded.Deposit(900, ""))
	require.NoError(t, repo.Save(ctx, loaded))

	past, err := repo.AtPointInTime(ctx, a.ID(), afterOpen)
	require.NoError(t, err)
	assert.Equal(t, int64(100), past.Balance)
	assert.Equal(t, 1, past.Version())

	now, err := repo.AtPointInTime(ctx, a.ID(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), now.Balance)

	_, err = repo.AtPointInTime(ctx, a.ID(), afterOpen.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_FindByUser(t *testing.T) {
	repo, _, _ := newTestRepository()
	ctx := context.Background()

	first, err := Open("user-1", 100)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, first))

	second, err := Open("user-1", 200)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, second))

	other, err := Open("user-2", 300)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, other))

	accounts, err := repo.FindByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	for _, a := range accounts {
		assert.Equal(t, "user-1", a.UserID)
	}

	none, err := repo.FindByUser(ctx, "user-3")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = repo.FindByUser(ctx, "")
	assert.ErrorIs(t, err, ErrUserRequired)
}

func TestRepository_FindAllActive(t *testing.T) {
	repo, _, _ := newTestRepository()
	ctx := context.Background()

	active, err := Open("user-1", 100)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, active))

	closed, err := Open("user-2", 0)
	require.NoError(t, err)
	require.NoError(t, closed.Close(""))
	require.NoError(t, repo.Save(ctx, closed))

	accounts, err := repo.FindAllActive(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, active.ID(), accounts[0].ID())
}

func TestRepository_Remove(t *testing.T) {
	repo, _, _ := newTestRepository()
	ctx := context.Background()

	a, err := Open("user-1", 0)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, a))
	require.NoError(t, repo.Remove(ctx, a))

	loaded, err := repo.Load(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, loaded.Status)

	// Removing a closed account is a no-op.
	require.NoError(t, repo.Remove(ctx, loaded))
}

func TestRepository_Remove_NonZeroBalance(t *testing.T) {
	repo, _, _ := newTestRepository()
	ctx := context.Background()

	a, err := Open("user-1", 100)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, a))

	err = repo.Remove(ctx, a)
	assert.ErrorIs(t, err, ErrBalanceNotZero)
}
