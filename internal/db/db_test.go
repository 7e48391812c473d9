package db

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bikeshare-etl/internal/domain"
)

func TestWithDBName(t *testing.T) {
	tests := []struct {
		dsn, name, want string
	}{
		{"postgres://u:p@db:5432/bikes?sslmode=disable", "postgres", "postgres://u:p@db:5432/postgres?sslmode=disable"},
		{"postgresql://db/bikes", "/other", "postgresql://db/other"},
	}
	for _, tt := range tests {
		got, err := WithDBName(tt.dsn, tt.name)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}

	_, err := WithDBName("", "postgres")
	require.Error(t, err)
}

func TestDBName(t *testing.T) {
	name, err := DBName("postgres://u:p@db:5432/bikes?sslmode=disable")
	require.NoError(t, err)
	require.Equal(t, "bikes", name)

	name, err = DBName("host=db user=u dbname='velib' sslmode=disable")
	require.NoError(t, err)
	require.Equal(t, "velib", name)

	_, err = DBName("postgres://db:5432/")
	require.Error(t, err)
}

func TestSchemaDeclaresTables(t *testing.T) {
	for _, table := range []string{
		"station", "bike", "snapshot", "station_state", "bike_location",
		"trip", "ingest_progress", "snapshot_sequence", "ingest_error",
	} {
		require.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	require.NotContains(t, strings.ToUpper(schema), "DROP ")
}

func TestRowEncoding(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	row := bikeLocationRow(domain.BikeLocation{SnapshotID: 1709283600000, BikeID: "B1", ObservedAt: at, Status: domain.BikeAvailable})
	require.Equal(t, []any{int64(1709283600000), "B1", nil, at, "available", ""}, row)

	row = stationStateRow(domain.StationState{SnapshotID: 7, StationCode: "S1", MechanicalBikes: 1, ElectricBikes: 2, DocksAvailable: 3, Status: domain.StationClosed})
	require.Equal(t, []any{int64(7), "S1", 1, 2, 3, "closed"}, row)

	row = tripRow(domain.Trip{BikeID: "B1", Origin: "S1", Destination: "S2", StartTime: at, EndTime: at.Add(90 * time.Second)})
	require.Equal(t, 90, row[5])

	require.Equal(t, int64(-1), signatureColumn(^uint64(0)))
}
