// Package store defines the transactional table store the pipeline writes
// to and the trip rebuild reads from.
package store

import (
	"context"
	"iter"
	"time"

	"bikeshare-etl/internal/domain"
)

// Store is implemented by the PostgreSQL store in internal/db and by Memory.
type Store interface {
	// Begin opens a read-write transaction.
	Begin(ctx context.Context) (Tx, error)
	// BeginRead opens a read-only transaction over a consistent snapshot of
	// committed data.
	BeginRead(ctx context.Context) (ReadTx, error)

	Progress(ctx context.Context, file domain.FileID) (domain.ProgressRecord, bool, error)
	RecordAttempt(ctx context.Context, file domain.FileID, stat domain.FileStat, runID string, at time.Time) error
	// CommittedSignature returns the signature of the committed file at path
	// whose recorded stat equals stat.
	CommittedSignature(ctx context.Context, path string, stat domain.FileStat) (uint64, bool, error)
	LastSnapshotID(ctx context.Context) (domain.SnapshotID, bool, error)
	ProgressSummary(ctx context.Context) (domain.ProgressSummary, error)

	Close()
}

// Tx is one atomic unit of work. Nothing written through a Tx is visible to
// other readers until Commit returns nil.
type Tx interface {
	// NextSnapshotSeq allocates the tie-break sequence for a capture time.
	// The allocation is released if the transaction rolls back.
	NextSnapshotSeq(ctx context.Context, capturedAt time.Time) (int, error)

	UpsertStations(ctx context.Context, rows []domain.Station) error
	UpsertBikes(ctx context.Context, rows []domain.Bike) error
	InsertSnapshot(ctx context.Context, s domain.Snapshot) error
	InsertStationStates(ctx context.Context, rows []domain.StationState) (int64, error)
	InsertBikeLocations(ctx context.Context, rows []domain.BikeLocation) (int64, error)

	// ReplaceTrips deletes every trip of the given bikes and inserts trips.
	ReplaceTrips(ctx context.Context, bikeIDs []string, trips []domain.Trip) (int64, error)

	// MarkCommitted flags the file's progress row as committed. It fails
	// with domain.ErrAlreadyCommitted if another transaction got there first.
	MarkCommitted(ctx context.Context, file domain.FileID, id domain.SnapshotID, at time.Time) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type ReadTx interface {
	// Locations yields location rows ordered by bike id, observation time
	// and snapshot id. A nil bikeIDs selects every bike.
	Locations(ctx context.Context, bikeIDs []string) iter.Seq2[domain.BikeLocation, error]
	Close(ctx context.Context) error
}
