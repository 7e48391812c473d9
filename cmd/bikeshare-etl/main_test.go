package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"bikeshare-etl/internal/domain"
)

func TestExitCode(t *testing.T) {
	require.Equal(t, exitOK, exitCode(nil))
	require.Equal(t, exitFatal, exitCode(fmt.Errorf("scan: %w", domain.ErrFatalIO)))
	require.Equal(t, exitFatal, exitCode(fmt.Errorf("%w: db ping: %w", domain.ErrLedgerUnavailable, errors.New("refused"))))
	require.Equal(t, exitIncomplete, exitCode(fmt.Errorf("%w: 2 file(s) not committed", domain.ErrRunIncomplete)))
	require.Equal(t, exitError, exitCode(errors.New("config: invalid ARCHIVE_TZ")))
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"ingest", "trips", "migrate", "status"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, c.Name())
	}

	ingest, _, err := root.Find([]string{"ingest"})
	require.NoError(t, err)
	for _, flag := range []string{"archive", "json", "trips", "rehash"} {
		require.NotNil(t, ingest.Flags().Lookup(flag), flag)
	}

	trips, _, err := root.Find([]string{"trips"})
	require.NoError(t, err)
	require.NoError(t, trips.Flags().Parse([]string{"--bike", "B1", "--bike", "B2,B3"}))
	got, err := trips.Flags().GetStringSlice("bike")
	require.NoError(t, err)
	require.Equal(t, []string{"B1", "B2", "B3"}, got)
}
