// Package snapshot decodes one archive file into typed candidate records.
//
// A file is a JSON array whose elements are station observations (with
// nested docked bikes) or free-floating bike observations. Defects in one
// element produce a MalformedRecord and never stop the file; only a broken
// container fails the whole file with domain.ErrFileCorrupt.
package snapshot

import "fmt"

// Reason classifies a malformed record.
type Reason string

const (
	ReasonMissingField Reason = "missing_field"
	ReasonWrongType    Reason = "wrong_type"
	ReasonOutOfRange   Reason = "out_of_range"
	ReasonNotAnObject  Reason = "not_an_object"
)

// Position locates a record inside its file.
type Position struct {
	Index int    // element index in the top-level array
	Path  string // "12" for an element, "12.bikes[3]" for a nested bike
}

func elementPos(i int) Position { return Position{Index: i, Path: fmt.Sprint(i)} }

func bikePos(i, j int) Position {
	return Position{Index: i, Path: fmt.Sprintf("%d.bikes[%d]", i, j)}
}

// Record is one of StationRecord, StationStateRecord, BikeRecord,
// BikeLocationRecord or MalformedRecord.
type Record interface {
	Pos() Position
	record()
}

type StationRecord struct {
	Position
	Code        string
	Name        string
	Latitude    float64
	Longitude   float64
	Capacity    int
	StationType string
}

type StationStateRecord struct {
	Position
	StationCode     string
	MechanicalBikes int
	ElectricBikes   int
	FreeDocks       int
	State           string
}

type BikeRecord struct {
	Position
	BikeID   string
	Electric string
	Status   string
}

type BikeLocationRecord struct {
	Position
	BikeID       string
	StationCode  string // empty for a free-floating bike
	Status       string
	DockPosition string
}

type MalformedRecord struct {
	Position
	Reason   Reason
	Field    string
	Fragment string
}

func (m MalformedRecord) Error() string {
	return fmt.Sprintf("record %s: %s (%s)", m.Path, m.Reason, m.Field)
}

func (p Position) Pos() Position { return p }

func (StationRecord) record()      {}
func (StationStateRecord) record() {}
func (BikeRecord) record()         {}
func (BikeLocationRecord) record() {}
func (MalformedRecord) record()    {}
