package main

import (
	"github.com/spf13/cobra"

	"bikeshare-etl/internal/ledger"
	"bikeshare-etl/internal/loader"
)

func newTripsCommand() *cobra.Command {
	var bikes []string
	cmd := &cobra.Command{
		Use:   "trips",
		Short: "Rebuild trips from committed bike locations",
		Long: `
Reconstructs station-to-station trips from the committed location history and
replaces the stored trips of every bike, or only of the bikes given with --bike.
`,
		RunE: func(c *cobra.Command, _ []string) error {
			e, err := newEnv(c.Context(), envOptions{metrics: true, events: true})
			if err != nil {
				return err
			}
			defer e.Close()

			ld := loader.New(e.store, ledger.New(e.store), e.cfg.BatchSize, e.log)
			var ids []string
			if len(bikes) > 0 {
				ids = bikes
			}
			return rebuildTrips(c, e, ld, ids)
		},
	}
	cmd.Flags().StringSliceVar(&bikes, "bike", nil, "bike id to rebuild (repeatable); default all bikes")
	return cmd
}
