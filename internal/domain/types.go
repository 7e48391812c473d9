package domain

import (
	"fmt"
	"time"
)

// SnapshotID orders snapshots by capture time; the low three decimal digits
// hold a tie-break sequence for files sharing a capture second.
type SnapshotID int64

const maxSnapshotSeq = 1000

// NewSnapshotID composes a snapshot id from a capture time and a sequence number.
func NewSnapshotID(capturedAt time.Time, seq int) (SnapshotID, error) {
	if seq < 0 || seq >= maxSnapshotSeq {
		return 0, fmt.Errorf("snapshot sequence %d out of range for %s", seq, capturedAt.UTC().Format(time.RFC3339))
	}
	return SnapshotID(capturedAt.Unix()*maxSnapshotSeq + int64(seq)), nil
}

func (id SnapshotID) CapturedAt() time.Time { return time.Unix(int64(id)/maxSnapshotSeq, 0).UTC() }
func (id SnapshotID) Seq() int              { return int(int64(id) % maxSnapshotSeq) }

// FileID identifies one archive file by path (relative to the archive root)
// and content signature. A rewritten file is a different FileID.
type FileID struct {
	Path      string
	Signature uint64
}

func (f FileID) Key() string    { return fmt.Sprintf("%s#%016x", f.Path, f.Signature) }
func (f FileID) String() string { return f.Key() }

// FileStat is the cheap identity of a file on disk. A committed file whose
// path and stat are unchanged is assumed to keep its signature.
type FileStat struct {
	Size    int64
	ModTime time.Time
}

// NewFileStat normalizes the modification time to the precision the
// ledger can store.
func NewFileStat(size int64, modTime time.Time) FileStat {
	return FileStat{Size: size, ModTime: modTime.UTC().Truncate(time.Microsecond)}
}

func (s FileStat) Equal(o FileStat) bool { return s.Size == o.Size && s.ModTime.Equal(o.ModTime) }

type Station struct {
	Code            string
	Name            string
	Latitude        float64
	Longitude       float64
	Capacity        int
	Type            StationType
	UpdatedSnapshot SnapshotID // snapshot that last wrote this row
}

type Bike struct {
	ID              string
	Type            BikeType
	LastStatus      BikeStatus
	UpdatedSnapshot SnapshotID
}

type Snapshot struct {
	ID         SnapshotID
	CapturedAt time.Time
	Source     FileID
}

type StationState struct {
	SnapshotID      SnapshotID
	StationCode     string
	MechanicalBikes int
	ElectricBikes   int
	DocksAvailable  int
	Status          StationStatus
}

func (s StationState) BikesAvailable() int { return s.MechanicalBikes + s.ElectricBikes }

type BikeLocation struct {
	SnapshotID   SnapshotID
	BikeID       string
	StationCode  string // empty when the bike is in transit / not docked
	ObservedAt   time.Time
	Status       BikeStatus
	DockPosition string
}

// InTransit reports whether the observation carries no concrete station.
func (l BikeLocation) InTransit() bool { return l.StationCode == "" }

// Before orders locations by (observed_at, snapshot_id).
func (l BikeLocation) Before(o BikeLocation) bool {
	if !l.ObservedAt.Equal(o.ObservedAt) {
		return l.ObservedAt.Before(o.ObservedAt)
	}
	return l.SnapshotID < o.SnapshotID
}

type Trip struct {
	BikeID      string
	Origin      string
	Destination string
	StartTime   time.Time
	EndTime     time.Time
}

func (t Trip) Duration() time.Duration { return t.EndTime.Sub(t.StartTime) }

type ProgressRecord struct {
	File          FileID
	Stat          FileStat
	Attempts      int
	Committed     bool
	SnapshotID    SnapshotID
	LastRunID     string
	LastAttemptAt time.Time
	CommittedAt   time.Time
}

// ProgressSummary aggregates the ledger for status reporting.
type ProgressSummary struct {
	Attempted      int
	Committed      int
	LastSnapshotID SnapshotID
	HasSnapshot    bool
}

func (s ProgressSummary) Pending() int { return s.Attempted - s.Committed }
