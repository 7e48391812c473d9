// Package loader writes normalized batches to the store, one transaction per
// file, and persists reconstructed trips one transaction per bike batch.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bikeshare-etl/internal/buffer"
	"bikeshare-etl/internal/domain"
	"bikeshare-etl/internal/ledger"
	"bikeshare-etl/internal/normalize"
	"bikeshare-etl/internal/store"
)

type Loader struct {
	st        store.Store
	ledger    *ledger.Ledger
	batchSize int
	log       *slog.Logger
}

func New(st store.Store, l *ledger.Ledger, batchSize int, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{st: st, ledger: l, batchSize: batchSize, log: log.With("component", "loader")}
}

// Result describes one committed file.
type Result struct {
	SnapshotID    domain.SnapshotID
	Stations      int
	Bikes         int
	StationStates int
	Locations     int
	Elapsed       time.Duration
}

func (r Result) FactRows() int { return r.StationStates + r.Locations }

// LoadFile commits b atomically: dimension upserts, the snapshot row, fact
// inserts and the ledger mark share one transaction. Any failure rolls the
// whole file back and is reported as domain.ErrTransactionFailure, except
// ErrAlreadyCommitted which is returned as is.
func (l *Loader) LoadFile(ctx context.Context, b *normalize.Batch) (Result, error) {
	start := time.Now()
	tx, err := l.st.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: begin: %w", domain.ErrTransactionFailure, err)
	}
	res, err := l.loadInTx(ctx, tx, b)
	if err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			l.log.Warn("rollback failed", "file", b.Snapshot.Source.Path, "err", rbErr)
		}
		if errors.Is(err, domain.ErrAlreadyCommitted) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %s: %w", domain.ErrTransactionFailure, b.Snapshot.Source.Path, err)
	}
	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, domain.ErrAlreadyCommitted) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: commit %s: %w", domain.ErrTransactionFailure, b.Snapshot.Source.Path, err)
	}
	res.Elapsed = time.Since(start)
	l.log.Debug("file committed",
		"file", b.Snapshot.Source.Path,
		"snapshot_id", res.SnapshotID,
		"fact_rows", res.FactRows(),
		"elapsed", res.Elapsed)
	return res, nil
}

func (l *Loader) loadInTx(ctx context.Context, tx store.Tx, b *normalize.Batch) (Result, error) {
	id, err := l.ledger.NextSnapshotID(ctx, tx, b.Snapshot.CapturedAt)
	if err != nil {
		return Result{}, err
	}
	b.Stamp(id)

	if err := tx.InsertSnapshot(ctx, b.Snapshot); err != nil {
		return Result{}, fmt.Errorf("insert snapshot %d: %w", id, err)
	}

	set := buffer.NewSet(l.batchSize, tx)
	if err := set.AddStations(ctx, b.Stations...); err != nil {
		return Result{}, err
	}
	if err := set.AddBikes(ctx, b.Bikes...); err != nil {
		return Result{}, err
	}
	if err := set.AddStationStates(ctx, b.StationStates...); err != nil {
		return Result{}, err
	}
	if err := set.AddLocations(ctx, b.Locations...); err != nil {
		return Result{}, err
	}
	if err := set.Flush(ctx); err != nil {
		return Result{}, err
	}

	if err := l.ledger.MarkCommitted(ctx, tx, b.Snapshot.Source, id); err != nil {
		return Result{}, err
	}
	return Result{
		SnapshotID:    id,
		Stations:      set.Stations.Written(),
		Bikes:         set.Bikes.Written(),
		StationStates: set.States.Written(),
		Locations:     set.Locations.Written(),
	}, nil
}

// LoadTrips replaces the trips of bikeIDs with trips in one transaction.
func (l *Loader) LoadTrips(ctx context.Context, bikeIDs []string, trips []domain.Trip) (int64, error) {
	tx, err := l.st.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", domain.ErrTransactionFailure, err)
	}
	n, err := tx.ReplaceTrips(ctx, bikeIDs, trips)
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return 0, fmt.Errorf("%w: replace trips of %d bikes: %w", domain.ErrTransactionFailure, len(bikeIDs), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit trips: %w", domain.ErrTransactionFailure, err)
	}
	return n, nil
}
