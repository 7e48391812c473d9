package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"bikeshare-etl/internal/domain"
)

const maxFragment = 512

// Parse streams the records of one decoded file. The sequence yields a
// non-nil error, wrapping domain.ErrFileCorrupt, only when the container
// itself cannot be decoded; records yielded before that point are still
// valid but the caller must discard the file.
func Parse(r io.Reader) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		dec := json.NewDecoder(r)
		dec.UseNumber()

		tok, err := dec.Token()
		if err != nil {
			yield(nil, corrupt("read opening token", err))
			return
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			yield(nil, corrupt("top level", fmt.Errorf("expected array, got %v", tok)))
			return
		}

		for i := 0; dec.More(); i++ {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				yield(nil, corrupt(fmt.Sprintf("element %d", i), err))
				return
			}
			for _, rec := range parseElement(i, raw) {
				if !yield(rec, nil) {
					return
				}
			}
		}

		if _, err := dec.Token(); err != nil {
			yield(nil, corrupt("read closing token", err))
			return
		}
		// A second document or a torn tail after the array is a damaged file.
		tok, err = dec.Token()
		if errors.Is(err, io.EOF) {
			return
		}
		if err == nil {
			err = fmt.Errorf("unexpected %v", tok)
		}
		yield(nil, corrupt("trailing data", err))
	}
}

func corrupt(what string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrFileCorrupt, what, err)
}

func parseElement(i int, raw json.RawMessage) []Record {
	pos := elementPos(i)
	obj, ferr := asObject(raw, "")
	if ferr != nil {
		ferr.Reason = ReasonNotAnObject
		return []Record{malformed(pos, ferr, raw)}
	}
	if _, ok := obj["station"]; ok {
		return parseStation(i, obj, raw)
	}
	if _, ok := obj["bike"]; ok {
		return parseFreeBike(i, obj, raw)
	}
	return []Record{malformed(pos, &fieldError{Reason: ReasonMissingField, Field: "station"}, raw)}
}

func parseStation(i int, obj object, raw json.RawMessage) []Record {
	pos := elementPos(i)
	st, ferr := obj.object("station", true)
	if ferr != nil {
		return []Record{malformed(pos, ferr, raw)}
	}

	station := StationRecord{Position: pos}
	var err *fieldError
	if station.Code, err = st.requiredID("code"); err != nil {
		return []Record{malformed(pos, err.in("station"), raw)}
	}
	if station.Name, _, err = st.string("name", false); err != nil {
		return []Record{malformed(pos, err.in("station"), raw)}
	}
	if station.StationType, _, err = st.string("type", false); err != nil {
		return []Record{malformed(pos, err.in("station"), raw)}
	}
	gps, err := st.object("gps", true)
	if err != nil {
		return []Record{malformed(pos, err.in("station"), raw)}
	}
	if station.Latitude, err = gps.float("latitude", -90, 90); err != nil {
		return []Record{malformed(pos, err.in("station.gps"), raw)}
	}
	if station.Longitude, err = gps.float("longitude", -180, 180); err != nil {
		return []Record{malformed(pos, err.in("station.gps"), raw)}
	}

	state := StationStateRecord{Position: pos, StationCode: station.Code}
	if state.MechanicalBikes, _, err = obj.count("nbBike", true); err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	if state.ElectricBikes, _, err = obj.count("nbEbike", true); err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	if state.FreeDocks, _, err = obj.count("nbFreeDock", true); err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	freeEDocks, _, err := obj.count("nbFreeEDock", false)
	if err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	state.FreeDocks += freeEDocks

	var found bool
	if state.State, found, err = obj.string("state", false); err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	if !found {
		if state.State, _, err = st.string("state", false); err != nil {
			return []Record{malformed(pos, err.in("station"), raw)}
		}
	}

	docks, hasDocks, err := obj.count("nbDock", false)
	if err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	eDocks, hasEDocks, err := obj.count("nbEDock", false)
	if err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	if hasDocks || hasEDocks {
		station.Capacity = docks + eDocks
	} else {
		station.Capacity = state.MechanicalBikes + state.ElectricBikes + state.FreeDocks
	}

	bikes, err := obj.array("bikes")
	if err != nil {
		return []Record{malformed(pos, err, raw)}
	}

	out := make([]Record, 0, 2+2*len(bikes))
	out = append(out, station, state)
	for j, braw := range bikes {
		out = append(out, parseDockedBike(i, j, station.Code, braw)...)
	}
	return out
}

func parseDockedBike(i, j int, stationCode string, raw json.RawMessage) []Record {
	pos := bikePos(i, j)
	b, err := asObject(raw, "")
	if err != nil {
		err.Reason = ReasonNotAnObject
		return []Record{malformed(pos, err, raw)}
	}
	bike, loc, err := bikeFields(pos, b)
	if err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	loc.StationCode = stationCode
	if loc.DockPosition, _, err = b.optionalID("dockPosition"); err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	return []Record{bike, loc}
}

func parseFreeBike(i int, obj object, raw json.RawMessage) []Record {
	pos := elementPos(i)
	b, err := obj.object("bike", true)
	if err != nil {
		return []Record{malformed(pos, err, raw)}
	}
	bike, loc, err := bikeFields(pos, b)
	if err != nil {
		return []Record{malformed(pos, err.in("bike"), raw)}
	}
	return []Record{bike, loc}
}

func bikeFields(pos Position, b object) (BikeRecord, BikeLocationRecord, *fieldError) {
	bike := BikeRecord{Position: pos}
	var err *fieldError
	if bike.BikeID, err = b.requiredID("bikeName"); err != nil {
		return bike, BikeLocationRecord{}, err
	}
	if bike.Electric, err = b.flag("bikeElectric"); err != nil {
		return bike, BikeLocationRecord{}, err
	}
	if bike.Status, _, err = b.string("bikeStatus", false); err != nil {
		return bike, BikeLocationRecord{}, err
	}
	loc := BikeLocationRecord{Position: pos, BikeID: bike.BikeID, Status: bike.Status}
	return bike, loc, nil
}

func malformed(pos Position, err *fieldError, raw json.RawMessage) MalformedRecord {
	return MalformedRecord{Position: pos, Reason: err.Reason, Field: err.Field, Fragment: fragment(raw)}
}

// fragment returns at most maxFragment bytes of raw as valid UTF-8. A rune
// split by the limit is dropped and invalid bytes become U+FFFD, since the
// error sinks store text.
func fragment(raw json.RawMessage) string {
	frag := bytes.TrimSpace(raw)
	if len(frag) > maxFragment {
		frag = frag[:maxFragment]
		for i := len(frag) - 1; i >= 0 && i >= len(frag)-utf8.UTFMax; i-- {
			if utf8.RuneStart(frag[i]) {
				if !utf8.FullRune(frag[i:]) {
					frag = frag[:i]
				}
				break
			}
		}
	}
	return strings.ToValidUTF8(string(frag), string(utf8.RuneError))
}

type fieldError struct {
	Reason Reason
	Field  string
}

func (e *fieldError) in(parent string) *fieldError {
	if e.Field == "" {
		e.Field = parent
	} else {
		e.Field = parent + "." + e.Field
	}
	return e
}

type object map[string]json.RawMessage

func asObject(raw json.RawMessage, field string) (object, *fieldError) {
	var o object
	if err := json.Unmarshal(raw, &o); err != nil || o == nil {
		return nil, &fieldError{Reason: ReasonWrongType, Field: field}
	}
	return o, nil
}

func isNull(raw json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(raw), []byte("null")) }

func (o object) lookup(key string) (json.RawMessage, bool) {
	raw, ok := o[key]
	if !ok || isNull(raw) {
		return nil, false
	}
	return raw, true
}

func (o object) object(key string, required bool) (object, *fieldError) {
	raw, ok := o.lookup(key)
	if !ok {
		if required {
			return nil, &fieldError{Reason: ReasonMissingField, Field: key}
		}
		return nil, nil
	}
	return asObject(raw, key)
}

func (o object) array(key string) ([]json.RawMessage, *fieldError) {
	raw, ok := o.lookup(key)
	if !ok {
		return nil, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &fieldError{Reason: ReasonWrongType, Field: key}
	}
	return out, nil
}

func (o object) string(key string, required bool) (string, bool, *fieldError) {
	raw, ok := o.lookup(key)
	if !ok {
		if required {
			return "", false, &fieldError{Reason: ReasonMissingField, Field: key}
		}
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, &fieldError{Reason: ReasonWrongType, Field: key}
	}
	return s, true, nil
}

// requiredID reads a required identifier that the feed may encode as a string or
// as an integer.
func (o object) requiredID(key string) (string, *fieldError) {
	s, ok, err := o.optionalID(key)
	if err != nil {
		return "", err
	}
	if !ok || s == "" {
		return "", &fieldError{Reason: ReasonMissingField, Field: key}
	}
	return s, nil
}

func (o object) optionalID(key string) (string, bool, *fieldError) {
	raw, ok := o.lookup(key)
	if !ok {
		return "", false, nil
	}
	var v any
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	if err := d.Decode(&v); err != nil {
		return "", false, &fieldError{Reason: ReasonWrongType, Field: key}
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case json.Number:
		if _, err := t.Int64(); err != nil {
			return "", false, &fieldError{Reason: ReasonWrongType, Field: key}
		}
		return t.String(), true, nil
	}
	return "", false, &fieldError{Reason: ReasonWrongType, Field: key}
}

// flag reads yes/no style values, which the feed encodes as strings or booleans.
func (o object) flag(key string) (string, *fieldError) {
	raw, ok := o.lookup(key)
	if !ok {
		return "", nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &fieldError{Reason: ReasonWrongType, Field: key}
	}
	return s, nil
}

func (o object) number(key string) (float64, bool, *fieldError) {
	raw, ok := o.lookup(key)
	if !ok {
		return 0, false, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false, &fieldError{Reason: ReasonWrongType, Field: key}
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false, &fieldError{Reason: ReasonWrongType, Field: key}
	}
	return f, true, nil
}

func (o object) float(key string, lo, hi float64) (float64, *fieldError) {
	f, ok, err := o.number(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &fieldError{Reason: ReasonMissingField, Field: key}
	}
	if math.IsNaN(f) || f < lo || f > hi {
		return 0, &fieldError{Reason: ReasonOutOfRange, Field: key}
	}
	return f, nil
}

func (o object) count(key string, required bool) (int, bool, *fieldError) {
	f, ok, err := o.number(key)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		if required {
			return 0, false, &fieldError{Reason: ReasonMissingField, Field: key}
		}
		return 0, false, nil
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false, &fieldError{Reason: ReasonOutOfRange, Field: key}
	}
	return int(f), true, nil
}
