package trips

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"bikeshare-etl/internal/domain"
	"bikeshare-etl/internal/store"
)

const DefaultBikesPerTx = 500

// Writer persists the trips of a batch of bikes atomically.
type Writer interface {
	LoadTrips(ctx context.Context, bikeIDs []string, trips []domain.Trip) (int64, error)
}

// Rebuilder recomputes trips from committed locations. It reads through a
// consistent-read transaction so concurrently loading files are either fully
// visible or not at all.
type Rebuilder struct {
	st         store.Store
	w          Writer
	bikesPerTx int
	log        *slog.Logger
}

func NewRebuilder(st store.Store, w Writer, bikesPerTx int, log *slog.Logger) *Rebuilder {
	if bikesPerTx <= 0 {
		bikesPerTx = DefaultBikesPerTx
	}
	if log == nil {
		log = slog.Default()
	}
	return &Rebuilder{st: st, w: w, bikesPerTx: bikesPerTx, log: log.With("component", "trips")}
}

type RebuildStats struct {
	Bikes        int
	Observations int
	Trips        int64
	Batches      int
	Elapsed      time.Duration
}

func (s RebuildStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("bikes", s.Bikes),
		slog.Int("observations", s.Observations),
		slog.Int64("trips", s.Trips),
		slog.Int("batches", s.Batches),
		slog.Duration("elapsed", s.Elapsed),
	)
}

// Rebuild replaces the trips of bikeIDs, or of every bike when bikeIDs is
// nil. Requested bikes without any location lose their trips.
func (r *Rebuilder) Rebuild(ctx context.Context, bikeIDs []string) (RebuildStats, error) {
	start := time.Now()
	var stats RebuildStats

	rtx, err := r.st.BeginRead(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin consistent read: %w", err)
	}
	defer func() {
		if err := rtx.Close(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("close read transaction", "err", err)
		}
	}()

	var (
		pendingBikes []string
		pendingTrips []domain.Trip
		seen         = make(map[string]bool)
		w            *Walker
		prev         domain.BikeLocation
	)
	flush := func() error {
		if len(pendingBikes) == 0 {
			return nil
		}
		n, err := r.w.LoadTrips(ctx, pendingBikes, pendingTrips)
		if err != nil {
			return err
		}
		stats.Trips += n
		stats.Batches++
		r.log.Debug("trip batch committed", "bikes", len(pendingBikes), "trips", n)
		pendingBikes, pendingTrips = pendingBikes[:0], pendingTrips[:0]
		return nil
	}
	finishBike := func() error {
		if w == nil {
			return nil
		}
		stats.Bikes++
		stats.Observations += w.Observations()
		if len(pendingBikes) >= r.bikesPerTx {
			return flush()
		}
		return nil
	}

	for loc, err := range rtx.Locations(ctx, bikeIDs) {
		if err != nil {
			return stats, fmt.Errorf("read locations: %w", err)
		}
		if w == nil || loc.BikeID != prev.BikeID {
			if err := finishBike(); err != nil {
				return stats, err
			}
			if seen[loc.BikeID] {
				return stats, fmt.Errorf("locations of bike %s are not contiguous", loc.BikeID)
			}
			seen[loc.BikeID] = true
			w = NewWalker(loc.BikeID)
			pendingBikes = append(pendingBikes, loc.BikeID)
		} else if !prev.Before(loc) {
			return stats, fmt.Errorf("locations of bike %s out of order at snapshot %d", loc.BikeID, loc.SnapshotID)
		}
		if t, ok := w.Step(loc); ok {
			pendingTrips = append(pendingTrips, t)
		}
		prev = loc
	}
	if err := finishBike(); err != nil {
		return stats, err
	}
	for _, id := range bikeIDs {
		if !seen[id] && !slices.Contains(pendingBikes, id) {
			pendingBikes = append(pendingBikes, id)
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	stats.Elapsed = time.Since(start)
	r.log.Info("trips rebuilt", "stats", stats)
	return stats, nil
}
