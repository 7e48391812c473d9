package domain

import "errors"

var (
	// ErrFatalIO means the archive root cannot be read; the run aborts.
	ErrFatalIO = errors.New("archive root unreadable")
	// ErrFileCorrupt means a file's container structure is unparsable; the
	// file is skipped and retried on the next run.
	ErrFileCorrupt = errors.New("file corrupt")
	// ErrRecordMalformed marks a single defective record; it goes to the
	// error sink and the file continues.
	ErrRecordMalformed = errors.New("record malformed")
	// ErrTransactionFailure means a file's transaction rolled back.
	ErrTransactionFailure = errors.New("transaction failure")
	// ErrLedgerUnavailable is fatal: continuing could duplicate or lose commits.
	ErrLedgerUnavailable = errors.New("progress ledger unavailable")
	// ErrAlreadyCommitted is returned when a file's ledger row is already committed.
	ErrAlreadyCommitted = errors.New("file already committed")
	// ErrRunIncomplete is returned by a run that finished with failed files.
	ErrRunIncomplete = errors.New("run incomplete")
)

// Fatal reports whether err must abort the whole run.
func Fatal(err error) bool {
	return errors.Is(err, ErrFatalIO) || errors.Is(err, ErrLedgerUnavailable)
}
