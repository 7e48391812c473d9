package trips

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bikeshare-etl/internal/domain"
	"bikeshare-etl/internal/store"
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

// obs builds locations for one bike; "" is the in-transit marker.
func obs(bike string, stations ...string) []domain.BikeLocation {
	out := make([]domain.BikeLocation, len(stations))
	for i, s := range stations {
		out[i] = domain.BikeLocation{
			SnapshotID:  domain.SnapshotID(at(i).Unix() * 1000),
			BikeID:      bike,
			StationCode: s,
			ObservedAt:  at(i),
		}
	}
	return out
}

func trip(o, d string, start, end int) domain.Trip {
	return domain.Trip{BikeID: "B1", Origin: o, Destination: d, StartTime: at(start), EndTime: at(end)}
}

func TestReconstruct(t *testing.T) {
	tests := []struct {
		name     string
		stations []string
		want     []domain.Trip
	}{
		{"repeated station coalesces", []string{"S1", "S1", "S2"}, []domain.Trip{trip("S1", "S2", 0, 2)}},
		{"unknown is a placeholder", []string{"S1", "", "S2"}, []domain.Trip{trip("S1", "S2", 0, 2)}},
		{"start from last sighting before transit", []string{"S1", "S1", "", "", "S2"}, []domain.Trip{trip("S1", "S2", 1, 4)}},
		{"single observation", []string{"S1"}, nil},
		{"only in transit", []string{"", "", ""}, nil},
		{"leading transit ignored", []string{"", "S1", "S2"}, []domain.Trip{trip("S1", "S2", 1, 2)}},
		{"trailing transit emits nothing", []string{"S1", "S2", ""}, []domain.Trip{trip("S1", "S2", 0, 1)}},
		{"redock at same station", []string{"S1", "", "S1", "S2"}, []domain.Trip{trip("S1", "S2", 2, 3)}},
		{"chain", []string{"S1", "S2", "S2", "S3", "S1"}, []domain.Trip{
			trip("S1", "S2", 0, 1),
			trip("S2", "S3", 1, 3),
			trip("S3", "S1", 3, 4),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Reconstruct("B1", obs("B1", tt.stations...)))
		})
	}
}

func TestReconstructGapIsOneTrip(t *testing.T) {
	locs := []domain.BikeLocation{
		{BikeID: "B1", StationCode: "S1", ObservedAt: at(0), SnapshotID: 1},
		{BikeID: "B1", StationCode: "S2", ObservedAt: at(60 * 24 * 3), SnapshotID: 2},
	}
	require.Equal(t, []domain.Trip{trip("S1", "S2", 0, 60*24*3)}, Reconstruct("B1", locs))
}

func TestReconstructEqualTimestampMovesWithoutTrip(t *testing.T) {
	locs := []domain.BikeLocation{
		{BikeID: "B1", StationCode: "S1", ObservedAt: at(0), SnapshotID: 1},
		{BikeID: "B1", StationCode: "S2", ObservedAt: at(0), SnapshotID: 2},
		{BikeID: "B1", StationCode: "S3", ObservedAt: at(5), SnapshotID: 3},
	}
	require.Equal(t, []domain.Trip{trip("S2", "S3", 0, 5)}, Reconstruct("B1", locs))
}

func TestReconstructTripsNeverOverlap(t *testing.T) {
	pattern := []string{"S1", "", "S2", "S2", "S3", "", "", "S3", "S1", "", "S4", "S4", "", "S5"}
	got := Reconstruct("B1", obs("B1", pattern...))
	require.NotEmpty(t, got)
	for i, tr := range got {
		require.True(t, tr.EndTime.After(tr.StartTime))
		require.NotEqual(t, tr.Origin, tr.Destination)
		if i > 0 {
			require.False(t, tr.StartTime.Before(got[i-1].EndTime), "trip %d overlaps its predecessor", i)
		}
	}
}

type countingWriter struct {
	*store.Memory
	calls [][]string
}

func (c *countingWriter) LoadTrips(ctx context.Context, bikeIDs []string, trips []domain.Trip) (int64, error) {
	c.calls = append(c.calls, append([]string(nil), bikeIDs...))
	tx, err := c.Begin(ctx)
	if err != nil {
		return 0, err
	}
	n, err := tx.ReplaceTrips(ctx, bikeIDs, trips)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit(ctx)
}

func seed(t *testing.T, mem *store.Memory, locs ...[]domain.BikeLocation) {
	t.Helper()
	ctx := context.Background()
	tx, err := mem.Begin(ctx)
	require.NoError(t, err)
	for _, l := range locs {
		_, err := tx.InsertBikeLocations(ctx, l)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(ctx))
}

func TestRebuildBatchesBikes(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seed(t, mem,
		obs("B1", "S1", "S1", "S2"),
		obs("B2", "S1", "", "S3"),
		obs("B3", "S2", "S2"),
	)
	w := &countingWriter{Memory: mem}

	stats, err := NewRebuilder(mem, w, 2, nil).Rebuild(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Bikes)
	require.Equal(t, 8, stats.Observations)
	require.EqualValues(t, 2, stats.Trips)
	require.Equal(t, [][]string{{"B1", "B2"}, {"B3"}}, w.calls)

	require.Len(t, mem.Trips("B1"), 1)
	require.Len(t, mem.Trips("B2"), 1)
	require.Empty(t, mem.Trips("B3"))

	// Rebuilding is idempotent.
	_, err = NewRebuilder(mem, w, 2, nil).Rebuild(ctx, nil)
	require.NoError(t, err)
	require.Len(t, mem.Dump().Trips, 2)
}

func TestRebuildSelectedBikes(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seed(t, mem, obs("B1", "S1", "S2"), obs("B2", "S1", "S3"))
	w := &countingWriter{Memory: mem}

	_, err := NewRebuilder(mem, w, 10, nil).Rebuild(ctx, nil)
	require.NoError(t, err)

	stats, err := NewRebuilder(mem, w, 10, nil).Rebuild(ctx, []string{"B2", "B9"})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Bikes)
	require.Equal(t, []string{"B2", "B9"}, w.calls[len(w.calls)-1])
	require.Len(t, mem.Dump().Trips, 2)
}
