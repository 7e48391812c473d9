// Package ledger records which archive files have been durably committed and
// hands out snapshot ids.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bikeshare-etl/internal/domain"
	"bikeshare-etl/internal/store"
)

// Ledger wraps the progress table of a store. Any failure to reach it is
// reported as domain.ErrLedgerUnavailable, which callers treat as fatal.
type Ledger struct {
	st  store.Store
	now func() time.Time
}

func New(st store.Store) *Ledger {
	return &Ledger{st: st, now: time.Now}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrLedgerUnavailable, op, err)
}

// IsCommitted reports whether file has a committed progress row.
func (l *Ledger) IsCommitted(ctx context.Context, file domain.FileID) (bool, error) {
	rec, ok, err := l.st.Progress(ctx, file)
	if err != nil {
		return false, unavailable("is committed", err)
	}
	return ok && rec.Committed, nil
}

// RecordAttempt notes that runID is about to process file. An attempt that
// never reaches MarkCommitted leaves the file pending for the next run.
func (l *Ledger) RecordAttempt(ctx context.Context, file domain.FileID, stat domain.FileStat, runID string) error {
	if err := l.st.RecordAttempt(ctx, file, stat, runID, l.now().UTC()); err != nil {
		return unavailable("record attempt", err)
	}
	return nil
}

// CommittedSignature looks up the signature of a committed file with the
// same path and stat, sparing the scanner a full read.
func (l *Ledger) CommittedSignature(ctx context.Context, path string, stat domain.FileStat) (uint64, bool, error) {
	sig, ok, err := l.st.CommittedSignature(ctx, path, stat)
	if err != nil {
		return 0, false, unavailable("committed signature", err)
	}
	return sig, ok, nil
}

// NextSnapshotID allocates the snapshot id for a file inside its loading
// transaction. The sequence is released again if tx rolls back.
func (l *Ledger) NextSnapshotID(ctx context.Context, tx store.Tx, capturedAt time.Time) (domain.SnapshotID, error) {
	seq, err := tx.NextSnapshotSeq(ctx, capturedAt)
	if err != nil {
		return 0, fmt.Errorf("allocate snapshot sequence: %w", err)
	}
	return domain.NewSnapshotID(capturedAt, seq)
}

// MarkCommitted flags file as committed within tx, so the mark becomes
// visible exactly when the file's data does.
func (l *Ledger) MarkCommitted(ctx context.Context, tx store.Tx, file domain.FileID, id domain.SnapshotID) error {
	err := tx.MarkCommitted(ctx, file, id, l.now().UTC())
	if err != nil && !errors.Is(err, domain.ErrAlreadyCommitted) {
		return fmt.Errorf("mark committed: %w", err)
	}
	return err
}

// LastSnapshotID returns the highest committed snapshot id, if any.
func (l *Ledger) LastSnapshotID(ctx context.Context) (domain.SnapshotID, bool, error) {
	id, ok, err := l.st.LastSnapshotID(ctx)
	if err != nil {
		return 0, false, unavailable("last snapshot id", err)
	}
	return id, ok, nil
}

func (l *Ledger) Summary(ctx context.Context) (domain.ProgressSummary, error) {
	sum, err := l.st.ProgressSummary(ctx)
	if err != nil {
		return domain.ProgressSummary{}, unavailable("summary", err)
	}
	return sum, nil
}
