// Package errsink records malformed records and failed files for later
// diagnosis. Nothing in the pipeline reads it back.
package errsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"bikeshare-etl/internal/snapshot"
)

// File-level reasons, alongside the record reasons from package snapshot.
const (
	ReasonFileCorrupt       = "file_corrupt"
	ReasonFileUnreadable    = "file_unreadable"
	ReasonTransactionFailed = "transaction_failed"
)

type Entry struct {
	RunID       string    `json:"run_id,omitempty"`
	File        string    `json:"file"`
	RecordIndex int       `json:"record_index"`
	Path        string    `json:"path,omitempty"`
	Reason      string    `json:"reason"`
	Field       string    `json:"field,omitempty"`
	Fragment    string    `json:"fragment,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// FromMalformed builds the entry for one malformed record of file.
func FromMalformed(runID, file string, m snapshot.MalformedRecord, at time.Time) Entry {
	return Entry{
		RunID:       runID,
		File:        file,
		RecordIndex: m.Index,
		Path:        m.Path,
		Reason:      string(m.Reason),
		Field:       m.Field,
		Fragment:    m.Fragment,
		Message:     m.Error(),
		At:          at,
	}
}

// FileFailure builds an entry for a file that could not be loaded at all.
// RecordIndex is -1.
func FileFailure(runID, file, reason string, err error, at time.Time) Entry {
	return Entry{RunID: runID, File: file, RecordIndex: -1, Reason: reason, Message: err.Error(), At: at}
}

type Sink interface {
	Record(ctx context.Context, entries ...Entry) error
	Close() error
}

// JSONL appends entries as JSON lines. It is safe for concurrent use.
type JSONL struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
	c   io.Closer
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string) (*JSONL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open error log %s: %w", path, err)
	}
	s := NewJSONL(f)
	s.c = f
	return s, nil
}

func NewJSONL(w io.Writer) *JSONL {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONL{w: w, enc: enc}
}

func (s *JSONL) Record(_ context.Context, entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if err := s.enc.Encode(e); err != nil {
			return fmt.Errorf("write error log: %w", err)
		}
	}
	return nil
}

func (s *JSONL) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

type multi []Sink

// Multi fans entries out to every sink. All sinks are attempted; their
// errors are joined.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Record(ctx context.Context, entries ...Entry) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Record(ctx, entries...))
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Recorder keeps entries in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) Record(_ context.Context, entries ...Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, entries...)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}
