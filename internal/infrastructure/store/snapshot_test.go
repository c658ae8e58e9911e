package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotState(t *testing.T, balance int64) json.RawMessage {
	t.Helper()
	state, err := json.Marshal(map[string]int64{"balance": balance})
	require.NoError(t, err)
	return state
}

func TestInMemorySnapshotStore_SaveAndLatest(t *testing.T) {
	ss := NewInMemorySnapshotStore()
	ctx := context.Background()

	require.NoError(t, ss.Save(ctx, "acc-1", snapshotState(t, 100), 5))
	require.NoError(t, ss.Save(ctx, "acc-1", snapshotState(t, 200), 10))

	snap, err := ss.Latest(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "acc-1", snap.AggregateID)
	assert.Equal(t, 10, snap.Version)
	assert.JSONEq(t, `{"balance":200}`, string(snap.State))
	assert.NotZero(t, snap.CreatedAt)
}

func TestInMemorySnapshotStore_Latest_None(t *testing.T) {
	ss := NewInMemorySnapshotStore()

	snap, err := ss.Latest(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestInMemorySnapshotStore_Save_Validation(t *testing.T) {
	ss := NewInMemorySnapshotStore()
	ctx := context.Background()

	tests := []struct {
		name        string
		aggregateID string
		state       json.RawMessage
		version     int
		wantErr     error
	}{
		{"empty aggregate id", "", snapshotState(t, 1), 1, ErrEmptyAggregateID},
		{"empty state", "acc-1", nil, 1, ErrEmptySnapshotState},
		{"negative version", "acc-1", snapshotState(t, 1), -1, ErrNegativeVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ss.Save(ctx, tt.aggregateID, tt.state, tt.version)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestInMemorySnapshotStore_Save_ReplacesSameVersion(t *testing.T) {
	ss := NewInMemorySnapshotStore()
	ctx := context.Background()

	require.NoError(t, ss.Save(ctx, "acc-1", snapshotState(t, 100), 5))
	require.NoError(t, ss.Save(ctx, "acc-1", snapshotState(t, 999), 5))

	assert.Equal(t, 1, ss.SnapshotCount("acc-1"))
	snap, err := ss.Latest(ctx, "acc-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":999}`, string(snap.State))
}

func TestInMemorySnapshotStore_RetentionKeepsHighestVersions(t *testing.T) {
	ss := NewInMemorySnapshotStore()
	ctx := context.Background()

	for v := 1; v <= 6; v++ {
		require.NoError(t, ss.Save(ctx, "acc-1", snapshotState(t, int64(v)), v))
	}

	assert.Equal(t, DefaultSnapshotKeep, ss.SnapshotCount("acc-1"))

	// The lowest surviving version is 6 - keep + 1.
	snap, err := ss.LatestAtOrBefore(ctx, "acc-1", 6-DefaultSnapshotKeep)
	require.NoError(t, err)
	assert.Nil(t, snap)

	latest, err := ss.Latest(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 6, latest.Version)
}

func TestInMemorySnapshotStore_LatestAtOrBefore(t *testing.T) {
	ss := NewInMemorySnapshotStore()
	ctx := context.Background()

	require.NoError(t, ss.Save(ctx, "acc-1", snapshotState(t, 1), 10))
	require.NoError(t, ss.Save(ctx, "acc-1", snapshotState(t, 2), 20))
	require.NoError(t, ss.Save(ctx, "acc-1", snapshotState(t, 3), 30))

	tests := []struct {
		name        string
		bound       int
		wantVersion int
		wantNil     bool
	}{
		{"exact match", 20, 20, false},
		{"between versions", 25, 20, false},
		{"above all", 99, 30, false},
		{"below all", 5, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := ss.LatestAtOrBefore(ctx, "acc-1", tt.bound)
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, snap)
				return
			}
			require.NotNil(t, snap)
			assert.Equal(t, tt.wantVersion, snap.Version)
		})
	}
}

func TestInMemorySnapshotStore_Trim(t *testing.T) {
	ss := NewInMemorySnapshotStore()
	ctx := context.Background()

	// Versions 4, 5, 6 survive the default retention.
	for v := 1; v <= 6; v++ {
		require.NoError(t, ss.Save(ctx, "acc-1", snapshotState(t, int64(v)), v))
	}

	require.NoError(t, ss.Trim(ctx, "acc-1", 1))
	assert.Equal(t, 1, ss.SnapshotCount("acc-1"))

	snap, err := ss.Latest(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 6, snap.Version)

	// Zero or negative keep is a no-op.
	require.NoError(t, ss.Trim(ctx, "acc-1", 0))
	assert.Equal(t, 1, ss.SnapshotCount("acc-1"))
}

func TestInMemorySnapshotStore_ClearAndClearAggregate(t *testing.T) {
	ss := NewInMemorySnapshotStore()
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		id := fmt.Sprintf("acc-%d", i)
		require.NoError(t, ss.Save(ctx, id, snapshotState(t, 1), 1))
	}

	ss.ClearAggregate("acc-1")
	assert.Zero(t, ss.SnapshotCount("acc-1"))
	assert.Equal(t, 1, ss.SnapshotCount("acc-2"))

	require.NoError(t, ss.Clear(ctx))
	assert.Zero(t, ss.SnapshotCount("acc-2"))
}
