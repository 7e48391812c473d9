package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"bikeshare-etl/internal/ledger"
)

type statusJSON struct {
	Attempted      int   `json:"attempted"`
	Committed      int   `json:"committed"`
	Pending        int   `json:"pending"`
	LastSnapshotID int64 `json:"last_snapshot_id,omitempty"`
}

func newStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show progress ledger totals",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			e, err := newEnv(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			sum, err := ledger.New(e.store).Summary(ctx)
			if err != nil {
				return err
			}
			out := statusJSON{Attempted: sum.Attempted, Committed: sum.Committed, Pending: sum.Pending()}
			if sum.HasSnapshot {
				out.LastSnapshotID = int64(sum.LastSnapshotID)
			}
			if asJSON {
				b, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), string(b))
				return nil
			}
			fmt.Fprintf(c.OutOrStdout(), "files attempted: %d\nfiles committed: %d\nfiles pending:   %d\n",
				out.Attempted, out.Committed, out.Pending)
			if sum.HasSnapshot {
				fmt.Fprintf(c.OutOrStdout(), "last snapshot:   %d\n", out.LastSnapshotID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
