// Package trips derives bike trips from the ordered location history.
package trips

import (
	"time"

	"bikeshare-etl/internal/domain"
)

// Walker turns one bike's location rows, fed in (observed_at, snapshot_id)
// order, into trips.
//
// The walker keeps an anchor: the station the bike was last seen docked at
// and the time its current stay there began. Repeated observations at the
// anchor extend the stay. An in-transit observation pins the anchor time to
// the last concrete sighting, so the trip closed by the next concrete station
// starts there. A move to another station at a strictly later time emits a
// trip and re-anchors.
type Walker struct {
	bikeID       string
	station      string
	since        time.Time
	lastDocked   time.Time
	anchored     bool
	sawTransit   bool
	observations int
}

func NewWalker(bikeID string) *Walker {
	return &Walker{bikeID: bikeID}
}

// Step consumes the next observation and returns a trip if it closes one.
func (w *Walker) Step(loc domain.BikeLocation) (domain.Trip, bool) {
	w.observations++
	if loc.InTransit() {
		if w.anchored {
			w.sawTransit = true
			w.since = w.lastDocked
		}
		return domain.Trip{}, false
	}

	at := loc.ObservedAt
	defer func() {
		w.lastDocked = at
		w.sawTransit = false
	}()

	switch {
	case !w.anchored:
		w.station, w.since, w.anchored = loc.StationCode, at, true
		return domain.Trip{}, false
	case loc.StationCode == w.station:
		// Back at the same dock after being seen in transit: a new stay.
		if w.sawTransit {
			w.since = at
		}
		return domain.Trip{}, false
	}

	origin, start := w.station, w.since
	w.station, w.since = loc.StationCode, at
	if !at.After(start) {
		return domain.Trip{}, false
	}
	return domain.Trip{
		BikeID:      w.bikeID,
		Origin:      origin,
		Destination: loc.StationCode,
		StartTime:   start,
		EndTime:     at,
	}, true
}

// Observations is the number of rows fed to the walker.
func (w *Walker) Observations() int { return w.observations }

// Reconstruct walks the ordered locations of a single bike.
func Reconstruct(bikeID string, locs []domain.BikeLocation) []domain.Trip {
	w := NewWalker(bikeID)
	var out []domain.Trip
	for _, l := range locs {
		if t, ok := w.Step(l); ok {
			out = append(out, t)
		}
	}
	return out
}
