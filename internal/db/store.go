package db

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bikeshare-etl/internal/domain"
	"bikeshare-etl/internal/store"
)

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

// BeginRead opens a repeatable-read, read-only transaction: every query in
// it sees the same committed snapshot of the database.
func (s *Store) BeginRead(ctx context.Context) (store.ReadTx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	return &readTx{tx: tx}, nil
}

func (s *Store) Progress(ctx context.Context, file domain.FileID) (domain.ProgressRecord, bool, error) {
	var (
		rec         = domain.ProgressRecord{File: file}
		snapshotID  *int64
		size        *int64
		modTime     *time.Time
		attemptAt   *time.Time
		committedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT attempts, committed, snapshot_id, size, mod_time, last_run_id, last_attempt_at, committed_at
FROM ingest_progress WHERE file_key = $1`, file.Key()).
		Scan(&rec.Attempts, &rec.Committed, &snapshotID, &size, &modTime, &rec.LastRunID, &attemptAt, &committedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProgressRecord{}, false, nil
	}
	if err != nil {
		return domain.ProgressRecord{}, false, err
	}
	if snapshotID != nil {
		rec.SnapshotID = domain.SnapshotID(*snapshotID)
	}
	if size != nil && modTime != nil {
		rec.Stat = domain.NewFileStat(*size, *modTime)
	}
	if attemptAt != nil {
		rec.LastAttemptAt = *attemptAt
	}
	if committedAt != nil {
		rec.CommittedAt = *committedAt
	}
	return rec, true, nil
}

func (s *Store) RecordAttempt(ctx context.Context, file domain.FileID, stat domain.FileStat, runID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO ingest_progress (file_key, path, signature, size, mod_time, attempts, last_run_id, last_attempt_at)
VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
ON CONFLICT (file_key) DO UPDATE
SET attempts = ingest_progress.attempts + 1,
    size = EXCLUDED.size,
    mod_time = EXCLUDED.mod_time,
    last_run_id = EXCLUDED.last_run_id,
    last_attempt_at = EXCLUDED.last_attempt_at`,
		file.Key(), file.Path, signatureColumn(file.Signature), stat.Size, stat.ModTime, runID, at)
	return err
}

func (s *Store) CommittedSignature(ctx context.Context, path string, stat domain.FileStat) (uint64, bool, error) {
	var sig int64
	err := s.pool.QueryRow(ctx, `
SELECT signature FROM ingest_progress
WHERE committed AND path = $1 AND size = $2 AND mod_time = $3
ORDER BY committed_at DESC LIMIT 1`, path, stat.Size, stat.ModTime).Scan(&sig)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(sig), true, nil
}

func (s *Store) LastSnapshotID(ctx context.Context) (domain.SnapshotID, bool, error) {
	var id *int64
	err := s.pool.QueryRow(ctx, `SELECT max(snapshot_id) FROM ingest_progress WHERE committed`).Scan(&id)
	if err != nil || id == nil {
		return 0, false, err
	}
	return domain.SnapshotID(*id), true, nil
}

func (s *Store) ProgressSummary(ctx context.Context) (domain.ProgressSummary, error) {
	var (
		sum  domain.ProgressSummary
		last *int64
	)
	err := s.pool.QueryRow(ctx, `
SELECT count(*), count(*) FILTER (WHERE committed), max(snapshot_id) FILTER (WHERE committed)
FROM ingest_progress`).Scan(&sum.Attempted, &sum.Committed, &last)
	if err != nil {
		return sum, err
	}
	if last != nil {
		sum.LastSnapshotID, sum.HasSnapshot = domain.SnapshotID(*last), true
	}
	return sum, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) NextSnapshotSeq(ctx context.Context, capturedAt time.Time) (int, error) {
	// The upsert keeps the counter row locked until the transaction ends, so
	// a rollback hands the same sequence to the next attempt.
	var seq int
	err := t.tx.QueryRow(ctx, `
INSERT INTO snapshot_sequence (captured_unix, next_seq) VALUES ($1, 1)
ON CONFLICT (captured_unix) DO UPDATE SET next_seq = snapshot_sequence.next_seq + 1
RETURNING next_seq - 1`, capturedAt.Unix()).Scan(&seq)
	return seq, err
}

func (t *pgTx) UpsertStations(ctx context.Context, rows []domain.Station) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `INSERT INTO station (station_code, name, latitude, longitude, capacity, station_type, updated_snapshot_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (station_code) DO UPDATE
SET name = EXCLUDED.name,
    latitude = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude,
    capacity = EXCLUDED.capacity,
    station_type = EXCLUDED.station_type,
    updated_snapshot_id = EXCLUDED.updated_snapshot_id
WHERE station.updated_snapshot_id <= EXCLUDED.updated_snapshot_id`

	for _, r := range rows {
		batch.Queue(query, r.Code, r.Name, r.Latitude, r.Longitude, r.Capacity, string(r.Type), int64(r.UpdatedSnapshot))
	}
	return execBatch(ctx, t.tx, batch)
}

func (t *pgTx) UpsertBikes(ctx context.Context, rows []domain.Bike) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `INSERT INTO bike (bike_id, bike_type, last_status, updated_snapshot_id)
VALUES ($1,$2,$3,$4)
ON CONFLICT (bike_id) DO UPDATE
SET bike_type = EXCLUDED.bike_type,
    last_status = EXCLUDED.last_status,
    updated_snapshot_id = EXCLUDED.updated_snapshot_id
WHERE bike.updated_snapshot_id <= EXCLUDED.updated_snapshot_id`

	for _, r := range rows {
		batch.Queue(query, r.ID, string(r.Type), string(r.LastStatus), int64(r.UpdatedSnapshot))
	}
	return execBatch(ctx, t.tx, batch)
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	res := tx.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := res.Exec(); err != nil {
			_ = res.Close()
			return err
		}
	}
	return res.Close()
}

func (t *pgTx) InsertSnapshot(ctx context.Context, s domain.Snapshot) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO snapshot (snapshot_id, captured_at, source_path, file_key) VALUES ($1, $2, $3, $4)`,
		int64(s.ID), s.CapturedAt, s.Source.Path, s.Source.Key())
	return err
}

func (t *pgTx) InsertStationStates(ctx context.Context, rows []domain.StationState) (int64, error) {
	return t.tx.CopyFrom(ctx,
		pgx.Identifier{"station_state"},
		[]string{"snapshot_id", "station_code", "bikes_mechanical", "bikes_electric", "docks_available", "status"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) { return stationStateRow(rows[i]), nil }),
	)
}

func (t *pgTx) InsertBikeLocations(ctx context.Context, rows []domain.BikeLocation) (int64, error) {
	return t.tx.CopyFrom(ctx,
		pgx.Identifier{"bike_location"},
		[]string{"snapshot_id", "bike_id", "station_code", "observed_at", "bike_status", "dock_position"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) { return bikeLocationRow(rows[i]), nil }),
	)
}

func (t *pgTx) ReplaceTrips(ctx context.Context, bikeIDs []string, trips []domain.Trip) (int64, error) {
	if _, err := t.tx.Exec(ctx, `DELETE FROM trip WHERE bike_id = ANY($1)`, bikeIDs); err != nil {
		return 0, fmt.Errorf("delete trips: %w", err)
	}
	return t.tx.CopyFrom(ctx,
		pgx.Identifier{"trip"},
		[]string{"bike_id", "origin", "destination", "start_time", "end_time", "duration_seconds"},
		pgx.CopyFromSlice(len(trips), func(i int) ([]any, error) { return tripRow(trips[i]), nil }),
	)
}

func (t *pgTx) MarkCommitted(ctx context.Context, file domain.FileID, id domain.SnapshotID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
INSERT INTO ingest_progress (file_key, path, signature, committed, snapshot_id, committed_at)
VALUES ($1, $2, $3, true, $4, $5)
ON CONFLICT (file_key) DO UPDATE
SET committed = true,
    snapshot_id = EXCLUDED.snapshot_id,
    committed_at = EXCLUDED.committed_at
WHERE NOT ingest_progress.committed`,
		file.Key(), file.Path, signatureColumn(file.Signature), int64(id), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, file)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

type readTx struct {
	tx pgx.Tx
}

func (r *readTx) Locations(ctx context.Context, bikeIDs []string) iter.Seq2[domain.BikeLocation, error] {
	return func(yield func(domain.BikeLocation, error) bool) {
		rows, err := r.tx.Query(ctx, `
SELECT snapshot_id, bike_id, COALESCE(station_code, ''), observed_at, bike_status, dock_position
FROM bike_location
WHERE $1::text[] IS NULL OR bike_id = ANY($1)
ORDER BY bike_id, observed_at, snapshot_id`, bikeIDs)
		if err != nil {
			yield(domain.BikeLocation{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				l      domain.BikeLocation
				id     int64
				status string
			)
			if err := rows.Scan(&id, &l.BikeID, &l.StationCode, &l.ObservedAt, &status, &l.DockPosition); err != nil {
				yield(domain.BikeLocation{}, err)
				return
			}
			l.SnapshotID = domain.SnapshotID(id)
			l.Status = domain.BikeStatus(status)
			l.ObservedAt = l.ObservedAt.UTC()
			if !yield(l, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.BikeLocation{}, err)
		}
	}
}

func (r *readTx) Close(ctx context.Context) error { return r.tx.Rollback(ctx) }

// signatureColumn stores the unsigned content hash in a bigint column.
func signatureColumn(sig uint64) int64 { return int64(sig) }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stationStateRow(r domain.StationState) []any {
	return []any{int64(r.SnapshotID), r.StationCode, r.MechanicalBikes, r.ElectricBikes, r.DocksAvailable, string(r.Status)}
}

func bikeLocationRow(r domain.BikeLocation) []any {
	return []any{int64(r.SnapshotID), r.BikeID, nullable(r.StationCode), r.ObservedAt, string(r.Status), r.DockPosition}
}

func tripRow(t domain.Trip) []any {
	return []any{t.BikeID, t.Origin, t.Destination, t.StartTime, t.EndTime, int(t.Duration() / time.Second)}
}
