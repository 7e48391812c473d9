// Package normalize turns parsed snapshot records into domain entities. It
// performs no I/O.
package normalize

import (
	"time"

	"bikeshare-etl/internal/domain"
	"bikeshare-etl/internal/snapshot"
)

// Source identifies the file a batch came from.
type Source struct {
	File       domain.FileID
	CapturedAt time.Time
}

// Batch is one file's normalized entities. Row snapshot ids are zero until
// Stamp assigns the id allocated at load time.
type Batch struct {
	Snapshot      domain.Snapshot
	Stations      []domain.Station
	Bikes         []domain.Bike
	StationStates []domain.StationState
	Locations     []domain.BikeLocation
	Malformed     []snapshot.MalformedRecord
	Duplicates    int
}

// Stamp assigns the snapshot id to the batch and every row it carries.
func (b *Batch) Stamp(id domain.SnapshotID) {
	b.Snapshot.ID = id
	for i := range b.Stations {
		b.Stations[i].UpdatedSnapshot = id
	}
	for i := range b.Bikes {
		b.Bikes[i].UpdatedSnapshot = id
	}
	for i := range b.StationStates {
		b.StationStates[i].SnapshotID = id
	}
	for i := range b.Locations {
		b.Locations[i].SnapshotID = id
	}
}

// FactRows counts the append-only rows the batch will insert.
func (b *Batch) FactRows() int { return len(b.StationStates) + len(b.Locations) }

// Builder accumulates records of one file in order.
type Builder struct {
	batch    Batch
	stations map[string]int
	bikes    map[string]int
	states   map[string]int
	locs     map[string]int
}

func NewBuilder(src Source) *Builder {
	at := src.CapturedAt.UTC()
	return &Builder{
		batch:    Batch{Snapshot: domain.Snapshot{CapturedAt: at, Source: src.File}},
		stations: make(map[string]int),
		bikes:    make(map[string]int),
		states:   make(map[string]int),
		locs:     make(map[string]int),
	}
}

// Add folds one record into the batch. A later record for the same natural
// key replaces the earlier one.
func (b *Builder) Add(rec snapshot.Record) {
	switch r := rec.(type) {
	case snapshot.StationRecord:
		b.batch.Stations = upsert(b.batch.Stations, b.stations, r.Code, domain.Station{
			Code:      r.Code,
			Name:      r.Name,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Capacity:  r.Capacity,
			Type:      StationTypeOf(r.StationType),
		}, &b.batch.Duplicates)
	case snapshot.StationStateRecord:
		b.batch.StationStates = upsert(b.batch.StationStates, b.states, r.StationCode, domain.StationState{
			StationCode:     r.StationCode,
			MechanicalBikes: r.MechanicalBikes,
			ElectricBikes:   r.ElectricBikes,
			DocksAvailable:  r.FreeDocks,
			Status:          StationStatusOf(r.State),
		}, &b.batch.Duplicates)
	case snapshot.BikeRecord:
		b.batch.Bikes = upsert(b.batch.Bikes, b.bikes, r.BikeID, domain.Bike{
			ID:         r.BikeID,
			Type:       BikeTypeOf(r.Electric),
			LastStatus: BikeStatusOf(r.Status),
		}, &b.batch.Duplicates)
	case snapshot.BikeLocationRecord:
		b.batch.Locations = upsert(b.batch.Locations, b.locs, r.BikeID, domain.BikeLocation{
			BikeID:       r.BikeID,
			StationCode:  r.StationCode,
			ObservedAt:   b.batch.Snapshot.CapturedAt,
			Status:       BikeStatusOf(r.Status),
			DockPosition: r.DockPosition,
		}, &b.batch.Duplicates)
	case snapshot.MalformedRecord:
		b.batch.Malformed = append(b.batch.Malformed, r)
	default:
		panic("normalize: unhandled record type")
	}
}

// Batch returns the accumulated batch. The builder must not be reused.
func (b *Builder) Batch() Batch { return b.batch }

// Normalize builds the batch of a whole file in one call.
func Normalize(src Source, recs []snapshot.Record) Batch {
	b := NewBuilder(src)
	for _, r := range recs {
		b.Add(r)
	}
	return b.Batch()
}

func upsert[T any](rows []T, index map[string]int, key string, row T, dups *int) []T {
	if i, ok := index[key]; ok {
		rows[i] = row
		*dups++
		return rows
	}
	index[key] = len(rows)
	return append(rows, row)
}
