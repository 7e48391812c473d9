package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"bikeshare-etl/internal/domain"
)

var errTxDone = errors.New("transaction already finished")

// Hooks inject failures into Memory for crash and outage simulations.
type Hooks struct {
	// BeforeCommit runs at the start of Commit. A non-nil error aborts the
	// commit and rolls the transaction back. snapshot is the file's snapshot,
	// zero for trip transactions.
	BeforeCommit func(snapshot domain.Snapshot) error
	// ProgressErr, when set, makes every ledger read and attempt fail.
	ProgressErr func() error
}

// Memory is an in-process Store with the same transactional guarantees as
// the PostgreSQL store: staged writes, all-or-nothing commit, key-based
// upserts and append-only facts with unique keys.
type Memory struct {
	mu        sync.Mutex
	hooks     Hooks
	stations  map[string]domain.Station
	bikes     map[string]domain.Bike
	snapshots map[domain.SnapshotID]domain.Snapshot
	states    map[stateKey]domain.StationState
	locations map[locKey]domain.BikeLocation
	trips     map[string][]domain.Trip
	progress  map[string]domain.ProgressRecord
	seqs      map[int64]int
}

type stateKey struct {
	snapshot domain.SnapshotID
	station  string
}

type locKey struct {
	snapshot domain.SnapshotID
	bike     string
}

func NewMemory() *Memory {
	return &Memory{
		stations:  make(map[string]domain.Station),
		bikes:     make(map[string]domain.Bike),
		snapshots: make(map[domain.SnapshotID]domain.Snapshot),
		states:    make(map[stateKey]domain.StationState),
		locations: make(map[locKey]domain.BikeLocation),
		trips:     make(map[string][]domain.Trip),
		progress:  make(map[string]domain.ProgressRecord),
		seqs:      make(map[int64]int),
	}
}

// SetHooks replaces the failure hooks.
func (m *Memory) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

func (m *Memory) Close() {}

func (m *Memory) progressErr() error {
	if m.hooks.ProgressErr != nil {
		return m.hooks.ProgressErr()
	}
	return nil
}

func (m *Memory) Progress(_ context.Context, file domain.FileID) (domain.ProgressRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.progressErr(); err != nil {
		return domain.ProgressRecord{}, false, err
	}
	rec, ok := m.progress[file.Key()]
	return rec, ok, nil
}

func (m *Memory) RecordAttempt(_ context.Context, file domain.FileID, stat domain.FileStat, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.progressErr(); err != nil {
		return err
	}
	rec := m.progress[file.Key()]
	rec.File = file
	rec.Stat = stat
	rec.Attempts++
	rec.LastRunID = runID
	rec.LastAttemptAt = at
	m.progress[file.Key()] = rec
	return nil
}

func (m *Memory) CommittedSignature(_ context.Context, path string, stat domain.FileStat) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.progressErr(); err != nil {
		return 0, false, err
	}
	for _, rec := range m.progress {
		if rec.Committed && rec.File.Path == path && rec.Stat.Equal(stat) {
			return rec.File.Signature, true, nil
		}
	}
	return 0, false, nil
}

func (m *Memory) LastSnapshotID(_ context.Context) (domain.SnapshotID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.progressErr(); err != nil {
		return 0, false, err
	}
	var last domain.SnapshotID
	found := false
	for _, rec := range m.progress {
		if rec.Committed && (!found || rec.SnapshotID > last) {
			last, found = rec.SnapshotID, true
		}
	}
	return last, found, nil
}

func (m *Memory) ProgressSummary(ctx context.Context) (domain.ProgressSummary, error) {
	last, ok, err := m.LastSnapshotID(ctx)
	if err != nil {
		return domain.ProgressSummary{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := domain.ProgressSummary{LastSnapshotID: last, HasSnapshot: ok}
	for _, rec := range m.progress {
		sum.Attempted++
		if rec.Committed {
			sum.Committed++
		}
	}
	return sum, nil
}

func (m *Memory) Begin(_ context.Context) (Tx, error) {
	return &memTx{m: m}, nil
}

func (m *Memory) BeginRead(_ context.Context) (ReadTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]domain.BikeLocation, 0, len(m.locations))
	for _, l := range m.locations {
		rows = append(rows, l)
	}
	sortLocations(rows)
	return &memReadTx{rows: rows}, nil
}

func sortLocations(rows []domain.BikeLocation) {
	slices.SortFunc(rows, func(a, b domain.BikeLocation) int {
		if c := cmp.Compare(a.BikeID, b.BikeID); c != 0 {
			return c
		}
		if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SnapshotID, b.SnapshotID)
	})
}

type memReadTx struct {
	rows []domain.BikeLocation
}

func (r *memReadTx) Locations(ctx context.Context, bikeIDs []string) iter.Seq2[domain.BikeLocation, error] {
	return func(yield func(domain.BikeLocation, error) bool) {
		for _, l := range r.rows {
			if err := ctx.Err(); err != nil {
				yield(domain.BikeLocation{}, err)
				return
			}
			if bikeIDs != nil && !slices.Contains(bikeIDs, l.BikeID) {
				continue
			}
			if !yield(l, nil) {
				return
			}
		}
	}
}

func (r *memReadTx) Close(context.Context) error { return nil }

type seqReservation struct {
	key int64
	seq int
}

type tripReplace struct {
	bikes []string
	trips []domain.Trip
}

type commitMark struct {
	file domain.FileID
	id   domain.SnapshotID
	at   time.Time
}

type memTx struct {
	m         *Memory
	done      bool
	seqs      []seqReservation
	stations  []domain.Station
	bikes     []domain.Bike
	snapshot  *domain.Snapshot
	states    []domain.StationState
	locations []domain.BikeLocation
	trips     []tripReplace
	marks     []commitMark
}

func (tx *memTx) check() error {
	if tx.done {
		return errTxDone
	}
	return nil
}

func (tx *memTx) NextSnapshotSeq(_ context.Context, capturedAt time.Time) (int, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	key := capturedAt.Unix()
	seq := tx.m.seqs[key]
	tx.m.seqs[key] = seq + 1
	tx.seqs = append(tx.seqs, seqReservation{key: key, seq: seq})
	return seq, nil
}

func (tx *memTx) UpsertStations(_ context.Context, rows []domain.Station) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.stations = append(tx.stations, rows...)
	return nil
}

func (tx *memTx) UpsertBikes(_ context.Context, rows []domain.Bike) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.bikes = append(tx.bikes, rows...)
	return nil
}

func (tx *memTx) InsertSnapshot(_ context.Context, s domain.Snapshot) error {
	if err := tx.check(); err != nil {
		return err
	}
	if tx.snapshot != nil {
		return fmt.Errorf("snapshot %d already inserted in this transaction", tx.snapshot.ID)
	}
	tx.snapshot = &s
	return nil
}

func (tx *memTx) InsertStationStates(_ context.Context, rows []domain.StationState) (int64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	tx.states = append(tx.states, rows...)
	return int64(len(rows)), nil
}

func (tx *memTx) InsertBikeLocations(_ context.Context, rows []domain.BikeLocation) (int64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	tx.locations = append(tx.locations, rows...)
	return int64(len(rows)), nil
}

func (tx *memTx) ReplaceTrips(_ context.Context, bikeIDs []string, trips []domain.Trip) (int64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	tx.trips = append(tx.trips, tripReplace{bikes: slices.Clone(bikeIDs), trips: slices.Clone(trips)})
	return int64(len(trips)), nil
}

func (tx *memTx) MarkCommitted(_ context.Context, file domain.FileID, id domain.SnapshotID, at time.Time) error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.marks = append(tx.marks, commitMark{file: file, id: id, at: at})
	return nil
}

func (tx *memTx) Commit(_ context.Context) error {
	if err := tx.check(); err != nil {
		return err
	}
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	var snap domain.Snapshot
	if tx.snapshot != nil {
		snap = *tx.snapshot
	}
	if m.hooks.BeforeCommit != nil {
		if err := m.hooks.BeforeCommit(snap); err != nil {
			tx.rollbackLocked()
			return err
		}
	}
	if err := tx.validateLocked(); err != nil {
		tx.rollbackLocked()
		return err
	}
	tx.applyLocked()
	tx.done = true
	return nil
}

func (tx *memTx) validateLocked() error {
	m := tx.m
	if tx.snapshot != nil {
		if _, dup := m.snapshots[tx.snapshot.ID]; dup {
			return fmt.Errorf("duplicate snapshot id %d", tx.snapshot.ID)
		}
	}
	staged := func(code string) bool {
		return slices.ContainsFunc(tx.stations, func(s domain.Station) bool { return s.Code == code })
	}
	seenStates := make(map[stateKey]bool, len(tx.states))
	for _, s := range tx.states {
		k := stateKey{s.SnapshotID, s.StationCode}
		if _, dup := m.states[k]; dup || seenStates[k] {
			return fmt.Errorf("duplicate station state (%d, %s)", k.snapshot, k.station)
		}
		seenStates[k] = true
		if _, ok := m.stations[s.StationCode]; !ok && !staged(s.StationCode) {
			return fmt.Errorf("station state references unknown station %s", s.StationCode)
		}
	}
	seenLocs := make(map[locKey]bool, len(tx.locations))
	for _, l := range tx.locations {
		k := locKey{l.SnapshotID, l.BikeID}
		if _, dup := m.locations[k]; dup || seenLocs[k] {
			return fmt.Errorf("duplicate bike location (%d, %s)", k.snapshot, k.bike)
		}
		seenLocs[k] = true
	}
	for _, mk := range tx.marks {
		if rec, ok := m.progress[mk.file.Key()]; ok && rec.Committed {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, mk.file)
		}
	}
	return nil
}

func (tx *memTx) applyLocked() {
	m := tx.m
	for _, s := range tx.stations {
		if cur, ok := m.stations[s.Code]; !ok || cur.UpdatedSnapshot <= s.UpdatedSnapshot {
			m.stations[s.Code] = s
		}
	}
	for _, b := range tx.bikes {
		if cur, ok := m.bikes[b.ID]; !ok || cur.UpdatedSnapshot <= b.UpdatedSnapshot {
			m.bikes[b.ID] = b
		}
	}
	if tx.snapshot != nil {
		m.snapshots[tx.snapshot.ID] = *tx.snapshot
	}
	for _, s := range tx.states {
		m.states[stateKey{s.SnapshotID, s.StationCode}] = s
	}
	for _, l := range tx.locations {
		m.locations[locKey{l.SnapshotID, l.BikeID}] = l
	}
	for _, r := range tx.trips {
		for _, b := range r.bikes {
			delete(m.trips, b)
		}
		for _, t := range r.trips {
			m.trips[t.BikeID] = append(m.trips[t.BikeID], t)
		}
	}
	for _, mk := range tx.marks {
		rec := m.progress[mk.file.Key()]
		rec.File = mk.file
		rec.Committed = true
		rec.SnapshotID = mk.id
		rec.CommittedAt = mk.at
		m.progress[mk.file.Key()] = rec
	}
}

func (tx *memTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	tx.rollbackLocked()
	return nil
}

func (tx *memTx) rollbackLocked() {
	for i := len(tx.seqs) - 1; i >= 0; i-- {
		r := tx.seqs[i]
		if tx.m.seqs[r.key] == r.seq+1 {
			tx.m.seqs[r.key] = r.seq
		}
	}
	tx.done = true
}

// State is a sorted, comparable copy of everything a Memory store holds,
// minus attempt bookkeeping.
type State struct {
	Stations      []domain.Station
	Bikes         []domain.Bike
	Snapshots     []domain.Snapshot
	StationStates []domain.StationState
	Locations     []domain.BikeLocation
	Trips         []domain.Trip
	Committed     []string
}

// Dump returns a deterministic view of the committed contents.
func (m *Memory) Dump() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st State
	for _, s := range m.stations {
		st.Stations = append(st.Stations, s)
	}
	slices.SortFunc(st.Stations, func(a, b domain.Station) int { return cmp.Compare(a.Code, b.Code) })
	for _, b := range m.bikes {
		st.Bikes = append(st.Bikes, b)
	}
	slices.SortFunc(st.Bikes, func(a, b domain.Bike) int { return cmp.Compare(a.ID, b.ID) })
	for _, s := range m.snapshots {
		st.Snapshots = append(st.Snapshots, s)
	}
	slices.SortFunc(st.Snapshots, func(a, b domain.Snapshot) int { return cmp.Compare(a.ID, b.ID) })
	for _, s := range m.states {
		st.StationStates = append(st.StationStates, s)
	}
	slices.SortFunc(st.StationStates, func(a, b domain.StationState) int {
		if c := cmp.Compare(a.SnapshotID, b.SnapshotID); c != 0 {
			return c
		}
		return cmp.Compare(a.StationCode, b.StationCode)
	})
	for _, l := range m.locations {
		st.Locations = append(st.Locations, l)
	}
	sortLocations(st.Locations)
	for _, ts := range m.trips {
		st.Trips = append(st.Trips, ts...)
	}
	slices.SortFunc(st.Trips, func(a, b domain.Trip) int {
		if c := cmp.Compare(a.BikeID, b.BikeID); c != 0 {
			return c
		}
		return a.StartTime.Compare(b.StartTime)
	})
	for k, rec := range m.progress {
		if rec.Committed {
			st.Committed = append(st.Committed, k)
		}
	}
	slices.Sort(st.Committed)
	return st
}

// Trips returns the stored trips of one bike ordered by start time.
func (m *Memory) Trips(bikeID string) []domain.Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.trips[bikeID])
	slices.SortFunc(out, func(a, b domain.Trip) int { return a.StartTime.Compare(b.StartTime) })
	return out
}
