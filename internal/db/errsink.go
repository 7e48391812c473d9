package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bikeshare-etl/internal/errsink"
)

// ErrorSink persists error sink entries to the ingest_error table, outside
// any loading transaction so entries survive a rolled-back file.
type ErrorSink struct {
	pool *pgxpool.Pool
}

var _ errsink.Sink = (*ErrorSink)(nil)

func NewErrorSink(pool *pgxpool.Pool) *ErrorSink { return &ErrorSink{pool: pool} }

func (s *ErrorSink) Record(ctx context.Context, entries ...errsink.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	query := `INSERT INTO ingest_error (run_id, file_key, record_index, path, reason, field, fragment, message, logged_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	for _, e := range entries {
		batch.Queue(query, e.RunID, e.File, e.RecordIndex, e.Path, e.Reason, e.Field, e.Fragment, e.Message, e.At)
	}

	res := s.pool.SendBatch(ctx, batch)
	defer res.Close()

	for range entries {
		if _, err := res.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *ErrorSink) Close() error { return nil }
