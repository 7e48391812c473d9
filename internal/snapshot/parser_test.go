package snapshot

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"bikeshare-etl/internal/domain"
)

const sampleFile = `[
  {"station": {"code": "16107", "name": "Benjamin Godard", "type": "yes",
               "gps": {"latitude": 48.865983, "longitude": 2.275725}, "state": "Operative"},
   "nbBike": 1, "nbEbike": 1, "nbFreeDock": 30, "nbFreeEDock": 0, "nbDock": 0, "nbEDock": 35,
   "bikes": [
     {"bikeName": "B1", "bikeElectric": "no", "bikeStatus": "disponible", "dockPosition": "12"},
     {"bikeName": "B2", "bikeElectric": "yes", "bikeStatus": "disponible", "dockPosition": 3}
   ]},
  {"station": {"code": 6015, "gps": {"latitude": 48.85, "longitude": 2.33}},
   "state": "Close", "nbBike": 0, "nbEbike": 0, "nbFreeDock": 20},
  {"bike": {"bikeName": "B3", "bikeElectric": true}}
]`

func parseAll(t *testing.T, doc string) ([]Record, error) {
	t.Helper()
	var out []Record
	for rec, err := range Parse(strings.NewReader(doc)) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestParseValidFile(t *testing.T) {
	recs, err := parseAll(t, sampleFile)
	require.NoError(t, err)
	require.Len(t, recs, 10)

	st := recs[0].(StationRecord)
	require.Equal(t, "16107", st.Code)
	require.Equal(t, "Benjamin Godard", st.Name)
	require.Equal(t, 35, st.Capacity)
	require.InDelta(t, 48.865983, st.Latitude, 1e-9)

	state := recs[1].(StationStateRecord)
	require.Equal(t, "16107", state.StationCode)
	require.Equal(t, 1, state.MechanicalBikes)
	require.Equal(t, 1, state.ElectricBikes)
	require.Equal(t, 30, state.FreeDocks)
	require.Equal(t, "Operative", state.State)

	require.Equal(t, BikeRecord{Position: bikePos(0, 0), BikeID: "B1", Electric: "no", Status: "disponible"}, recs[2])
	loc := recs[5].(BikeLocationRecord)
	require.Equal(t, "B2", loc.BikeID)
	require.Equal(t, "16107", loc.StationCode)
	require.Equal(t, "3", loc.DockPosition)
	require.Equal(t, "0.bikes[1]", loc.Pos().Path)

	second := recs[6].(StationRecord)
	require.Equal(t, "6015", second.Code)
	require.Equal(t, 20, second.Capacity)
	require.Equal(t, "Close", recs[7].(StationStateRecord).State)

	require.Equal(t, "B3", recs[8].(BikeRecord).BikeID)
	free := recs[9].(BikeLocationRecord)
	require.Equal(t, "B3", free.BikeID)
	require.Empty(t, free.StationCode)
}

func TestParseFreeBikeEmitsBikeFirst(t *testing.T) {
	recs, err := parseAll(t, `[{"bike": {"bikeName": "B9", "bikeElectric": true}}]`)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "true", recs[0].(BikeRecord).Electric)
	require.IsType(t, BikeLocationRecord{}, recs[1])
}

func TestParseMalformedRecordsAreIsolated(t *testing.T) {
	doc := `[
	  42,
	  {"station": {"gps": {"latitude": 1, "longitude": 2}}, "nbBike": 0, "nbEbike": 0, "nbFreeDock": 0},
	  {"station": {"code": "A", "gps": {"latitude": 91, "longitude": 2}}, "nbBike": 0, "nbEbike": 0, "nbFreeDock": 0},
	  {"station": {"code": "B", "gps": {"latitude": 1, "longitude": 2}}, "nbBike": "many", "nbEbike": 0, "nbFreeDock": 0},
	  {"station": {"code": "C", "gps": {"latitude": 1, "longitude": 2}}, "nbBike": -1, "nbEbike": 0, "nbFreeDock": 0},
	  {"station": {"code": "D", "gps": {"latitude": 1, "longitude": 2}}, "nbBike": 1, "nbEbike": 0, "nbFreeDock": 0,
	   "bikes": [{"bikeElectric": "no"}, {"bikeName": "OK1"}]},
	  {"something": "else"}
	]`
	recs, err := parseAll(t, doc)
	require.NoError(t, err)

	var bad []MalformedRecord
	var good []Record
	for _, r := range recs {
		if m, ok := r.(MalformedRecord); ok {
			bad = append(bad, m)
			continue
		}
		good = append(good, r)
	}

	require.Len(t, bad, 7)
	require.Equal(t, ReasonNotAnObject, bad[0].Reason)
	require.Equal(t, 0, bad[0].Index)
	require.Equal(t, ReasonMissingField, bad[1].Reason)
	require.Equal(t, "station.code", bad[1].Field)
	require.Equal(t, ReasonOutOfRange, bad[2].Reason)
	require.Equal(t, "station.gps.latitude", bad[2].Field)
	require.Equal(t, ReasonWrongType, bad[3].Reason)
	require.Equal(t, "nbBike", bad[3].Field)
	require.Equal(t, ReasonOutOfRange, bad[4].Reason)
	require.Equal(t, ReasonMissingField, bad[5].Reason)
	require.Equal(t, "5.bikes[0]", bad[5].Path)
	require.Contains(t, bad[5].Fragment, "bikeElectric")
	require.Equal(t, "station", bad[6].Field)

	// station D survives with its second bike
	require.Len(t, good, 4)
	require.Equal(t, "D", good[0].(StationRecord).Code)
	require.Equal(t, "OK1", good[3].(BikeLocationRecord).BikeID)
}

func TestParseUnknownElementShape(t *testing.T) {
	recs, err := parseAll(t, `[{"something": "else"}]`)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, ReasonMissingField, recs[0].(MalformedRecord).Reason)
}

func TestParseCorruptContainer(t *testing.T) {
	for name, doc := range map[string]string{
		"not an array":  `{"station": {}}`,
		"truncated":     `[{"station": {"code": "1"`,
		"garbage":       `\x00\x01binary`,
		"empty":         ``,
		"torn tail":     `[{"bike": {"bikeName": "B1"}}] {"oops": `,
		"two arrays":    `[{"bike": {"bikeName": "B1"}}][{"bike": {"bikeName": "B2"}}]`,
		"trailing junk": `[] x`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseAll(t, doc)
			require.ErrorIs(t, err, domain.ErrFileCorrupt)
		})
	}
}

func TestParseEmptyArray(t *testing.T) {
	recs, err := parseAll(t, "[]\n\t ")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestParseFragmentIsValidUTF8(t *testing.T) {
	head := `{"station": {"code": "X", "gps": {"latitude": 91, "longitude": 2}, "name": "`
	// "é" occupies bytes 511 and 512, straddling the fragment limit.
	elem := head + strings.Repeat("a", maxFragment-1-len(head)) + "é" + strings.Repeat("b", 40) +
		`"}, "nbBike": 0, "nbEbike": 0, "nbFreeDock": 0}`
	bad := `{"station": {"code": "Y", "gps": {"latitude": 91, "longitude": 2}, "name": "Gare de l` + "\xff" +
		`Est"}, "nbBike": 0, "nbEbike": 0, "nbFreeDock": 0}`

	recs, err := parseAll(t, "["+elem+","+bad+"]")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	cut := recs[0].(MalformedRecord).Fragment
	require.True(t, utf8.ValidString(cut))
	require.Len(t, cut, maxFragment-1)
	require.True(t, strings.HasSuffix(cut, "a"))

	replaced := recs[1].(MalformedRecord).Fragment
	require.True(t, utf8.ValidString(replaced))
	require.Contains(t, replaced, "Gare de l\uFFFDEst")
}
