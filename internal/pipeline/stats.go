package pipeline

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
)

// Stats counts what a run did. Counters are updated from worker goroutines.
type Stats struct {
	scanned    atomic.Int64
	skipped    atomic.Int64
	committed  atomic.Int64
	failed     atomic.Int64
	corrupt    atomic.Int64
	unreadable atomic.Int64
	malformed  atomic.Int64
	duplicates atomic.Int64
	factRows   atomic.Int64
	dimRows    atomic.Int64
}

// Scanned returns the number of candidate files found under the root.
func (s *Stats) Scanned() int64 { return s.scanned.Load() }

// Skipped returns the number of files already committed by an earlier run.
func (s *Stats) Skipped() int64 { return s.skipped.Load() }

func (s *Stats) Committed() int64 { return s.committed.Load() }

// Failed returns the number of files left uncommitted by this run, for
// whatever reason. Corrupt and Unreadable break part of it down.
func (s *Stats) Failed() int64     { return s.failed.Load() }
func (s *Stats) Corrupt() int64    { return s.corrupt.Load() }
func (s *Stats) Unreadable() int64 { return s.unreadable.Load() }

// Malformed returns the number of records sent to the error sink.
func (s *Stats) Malformed() int64  { return s.malformed.Load() }
func (s *Stats) Duplicates() int64 { return s.duplicates.Load() }
func (s *Stats) FactRows() int64   { return s.factRows.Load() }

// DimensionRows counts station and bike upserts.
func (s *Stats) DimensionRows() int64 { return s.dimRows.Load() }

// LogValue implements slog.LogValuer.
func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("scanned", s.Scanned()),
		slog.Int64("skipped", s.Skipped()),
		slog.Int64("committed", s.Committed()),
		slog.Int64("failed", s.Failed()),
		slog.Int64("corrupt", s.Corrupt()),
		slog.Int64("unreadable", s.Unreadable()),
		slog.Int64("malformed_records", s.Malformed()),
		slog.Int64("duplicate_records", s.Duplicates()),
		slog.Int64("fact_rows", s.FactRows()),
		slog.Int64("dimension_rows", s.DimensionRows()),
	)
}

type statsJSON struct {
	Scanned       int64 `json:"scanned"`
	Skipped       int64 `json:"skipped"`
	Committed     int64 `json:"committed"`
	Failed        int64 `json:"failed"`
	Corrupt       int64 `json:"corrupt"`
	Unreadable    int64 `json:"unreadable"`
	Malformed     int64 `json:"malformed_records"`
	Duplicates    int64 `json:"duplicate_records"`
	FactRows      int64 `json:"fact_rows"`
	DimensionRows int64 `json:"dimension_rows"`
}

// MarshalJSON is used by the ingest command's --json summary.
func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(statsJSON{
		Scanned:       s.Scanned(),
		Skipped:       s.Skipped(),
		Committed:     s.Committed(),
		Failed:        s.Failed(),
		Corrupt:       s.Corrupt(),
		Unreadable:    s.Unreadable(),
		Malformed:     s.Malformed(),
		Duplicates:    s.Duplicates(),
		FactRows:      s.FactRows(),
		DimensionRows: s.DimensionRows(),
	})
}
