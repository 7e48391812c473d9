// Package buffer provides bounded row accumulators that flush into the
// open loading transaction.
package buffer

import (
	"context"
	"fmt"

	"bikeshare-etl/internal/domain"
)

const DefaultLimit = 5000

type FlushFunc[T any] func(ctx context.Context, rows []T) error

// Buffer collects rows and hands them to its flush function once the row
// count reaches the limit.
type Buffer[T any] struct {
	name    string
	limit   int
	rows    []T
	flush   FlushFunc[T]
	flushes int
	written int
}

func New[T any](name string, limit int, flush FlushFunc[T]) *Buffer[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Buffer[T]{name: name, limit: limit, flush: flush, rows: make([]T, 0, min(limit, 1024))}
}

func (b *Buffer[T]) Add(ctx context.Context, rows ...T) error {
	for len(rows) > 0 {
		n := min(b.limit-len(b.rows), len(rows))
		b.rows = append(b.rows, rows[:n]...)
		rows = rows[n:]
		if len(b.rows) >= b.limit {
			if err := b.Flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Buffer[T]) Flush(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	if err := b.flush(ctx, b.rows); err != nil {
		return fmt.Errorf("flush %s (%d rows): %w", b.name, len(b.rows), err)
	}
	b.flushes++
	b.written += len(b.rows)
	b.rows = b.rows[:0]
	return nil
}

func (b *Buffer[T]) Len() int     { return len(b.rows) }
func (b *Buffer[T]) Written() int { return b.written }
func (b *Buffer[T]) Flushes() int { return b.flushes }

// Sink receives flushed rows; a loading transaction implements it.
type Sink interface {
	UpsertStations(ctx context.Context, rows []domain.Station) error
	UpsertBikes(ctx context.Context, rows []domain.Bike) error
	InsertStationStates(ctx context.Context, rows []domain.StationState) (int64, error)
	InsertBikeLocations(ctx context.Context, rows []domain.BikeLocation) (int64, error)
}

// Set holds the four per-entity buffers of one file. Dimension buffers are
// drained before any fact rows are written so facts never reference a
// station or bike that is still buffered.
type Set struct {
	Stations  *Buffer[domain.Station]
	Bikes     *Buffer[domain.Bike]
	States    *Buffer[domain.StationState]
	Locations *Buffer[domain.BikeLocation]
}

func NewSet(limit int, sink Sink) *Set {
	return &Set{
		Stations: New("stations", limit, sink.UpsertStations),
		Bikes:    New("bikes", limit, sink.UpsertBikes),
		States: New("station_states", limit, func(ctx context.Context, rows []domain.StationState) error {
			_, err := sink.InsertStationStates(ctx, rows)
			return err
		}),
		Locations: New("bike_locations", limit, func(ctx context.Context, rows []domain.BikeLocation) error {
			_, err := sink.InsertBikeLocations(ctx, rows)
			return err
		}),
	}
}

func (s *Set) AddStations(ctx context.Context, rows ...domain.Station) error {
	return s.Stations.Add(ctx, rows...)
}

func (s *Set) AddBikes(ctx context.Context, rows ...domain.Bike) error {
	return s.Bikes.Add(ctx, rows...)
}

func (s *Set) AddStationStates(ctx context.Context, rows ...domain.StationState) error {
	if err := s.flushDimensions(ctx); err != nil {
		return err
	}
	return s.States.Add(ctx, rows...)
}

func (s *Set) AddLocations(ctx context.Context, rows ...domain.BikeLocation) error {
	if err := s.flushDimensions(ctx); err != nil {
		return err
	}
	return s.Locations.Add(ctx, rows...)
}

func (s *Set) flushDimensions(ctx context.Context) error {
	if err := s.Stations.Flush(ctx); err != nil {
		return err
	}
	return s.Bikes.Flush(ctx)
}

// Flush drains every buffer, dimensions first.
func (s *Set) Flush(ctx context.Context) error {
	if err := s.flushDimensions(ctx); err != nil {
		return err
	}
	if err := s.States.Flush(ctx); err != nil {
		return err
	}
	return s.Locations.Flush(ctx)
}

// Pending is the number of rows not yet handed to the sink.
func (s *Set) Pending() int {
	return s.Stations.Len() + s.Bikes.Len() + s.States.Len() + s.Locations.Len()
}

// FactRows is the number of fact rows already handed to the sink.
func (s *Set) FactRows() int { return s.States.Written() + s.Locations.Written() }
