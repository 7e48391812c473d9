package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bikeshare-etl/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestMemoryRollbackLeavesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	seq, err := tx.NextSnapshotSeq(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 0, seq)
	require.NoError(t, tx.UpsertStations(ctx, []domain.Station{{Code: "S1"}}))
	require.NoError(t, tx.Rollback(ctx))

	require.Empty(t, m.Dump().Stations)

	tx, err = m.Begin(ctx)
	require.NoError(t, err)
	seq, err = tx.NextSnapshotSeq(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 0, seq, "rolled back sequence is released")
	require.NoError(t, tx.Commit(ctx))

	tx, err = m.Begin(ctx)
	require.NoError(t, err)
	seq, err = tx.NextSnapshotSeq(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 1, seq)
	require.NoError(t, tx.Rollback(ctx))
}

func TestMemoryDimensionNewestSnapshotWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, s := range []domain.Station{
		{Code: "S1", Capacity: 20, UpdatedSnapshot: 2000},
		{Code: "S1", Capacity: 10, UpdatedSnapshot: 1000},
	} {
		tx, err := m.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.UpsertStations(ctx, []domain.Station{s}))
		require.NoError(t, tx.Commit(ctx))
	}

	st := m.Dump()
	require.Len(t, st.Stations, 1)
	require.Equal(t, 20, st.Stations[0].Capacity)
}

func TestMemoryMarkCommittedOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	file := domain.FileID{Path: "a.json", Signature: 1}

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.MarkCommitted(ctx, file, 1000, t0))
	require.NoError(t, tx.Commit(ctx))

	tx, err = m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.MarkCommitted(ctx, file, 2000, t0))
	require.ErrorIs(t, tx.Commit(ctx), domain.ErrAlreadyCommitted)

	rec, ok, err := m.Progress(ctx, file)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.SnapshotID(1000), rec.SnapshotID)
}

func TestMemoryRejectsDuplicateFacts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	loc := domain.BikeLocation{SnapshotID: 1000, BikeID: "B1", ObservedAt: t0}

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.InsertBikeLocations(ctx, []domain.BikeLocation{loc, loc})
	require.NoError(t, err)
	require.Error(t, tx.Commit(ctx))
	require.Empty(t, m.Dump().Locations)
}

func TestMemoryBeforeCommitHook(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")
	m.SetHooks(Hooks{BeforeCommit: func(domain.Snapshot) error { return boom }})

	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertSnapshot(ctx, domain.Snapshot{ID: 1000, CapturedAt: t0}))
	require.ErrorIs(t, tx.Commit(ctx), boom)
	require.Empty(t, m.Dump().Snapshots)
}

func TestMemoryReadTxOrdersLocations(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tx, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.InsertBikeLocations(ctx, []domain.BikeLocation{
		{SnapshotID: 3000, BikeID: "B2", ObservedAt: t0.Add(2 * time.Minute)},
		{SnapshotID: 2001, BikeID: "B1", ObservedAt: t0.Add(time.Minute)},
		{SnapshotID: 2000, BikeID: "B1", ObservedAt: t0.Add(time.Minute)},
		{SnapshotID: 1000, BikeID: "B1", ObservedAt: t0},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	rtx, err := m.BeginRead(ctx)
	require.NoError(t, err)
	defer rtx.Close(ctx)

	var got []domain.SnapshotID
	for l, err := range rtx.Locations(ctx, []string{"B1"}) {
		require.NoError(t, err)
		got = append(got, l.SnapshotID)
	}
	require.Equal(t, []domain.SnapshotID{1000, 2000, 2001}, got)
}
