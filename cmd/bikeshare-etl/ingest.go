package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"bikeshare-etl/internal/archive"
	"bikeshare-etl/internal/db"
	"bikeshare-etl/internal/errsink"
	"bikeshare-etl/internal/ledger"
	"bikeshare-etl/internal/loader"
	"bikeshare-etl/internal/pipeline"
	"bikeshare-etl/internal/trips"
)

func newIngestCommand() *cobra.Command {
	var (
		root       string
		asJSON     bool
		buildTrips bool
		rehash     bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load every uncommitted snapshot file of the archive",
		Long: `
Walks the archive root in path order and loads each file not yet recorded as
committed in the progress ledger, one transaction per file. Interrupted runs
resume where they stopped. The exit status is non-zero when any file was left
uncommitted.
`,
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			e, err := newEnv(ctx, envOptions{metrics: true, events: true})
			if err != nil {
				return err
			}
			defer e.Close()

			if root == "" {
				root = e.cfg.ArchiveRoot
			}
			if root == "" {
				return errors.New("archive root not set: use --archive or ARCHIVE_ROOT")
			}

			jsonl, err := errsink.OpenFile(e.cfg.ErrorLogPath)
			if err != nil {
				return fmt.Errorf("open error log: %w", err)
			}
			var sink errsink.Sink = jsonl
			if e.cfg.ErrorSinkDB {
				sink = errsink.Multi(jsonl, db.NewErrorSink(e.store.Pool()))
			}
			defer func() {
				if err := sink.Close(); err != nil {
					e.log.Error("close error sink", "err", err)
				}
			}()

			led := ledger.New(e.store)
			ld := loader.New(e.store, led, e.cfg.BatchSize, e.log)
			observers := []pipeline.Observer{}
			if e.metrics != nil {
				if err := e.metrics.SeedLastSnapshotID(ctx, led); err != nil {
					return err
				}
				observers = append(observers, e.metrics)
			}
			if e.pub != nil {
				observers = append(observers, e.pub)
			}
			scanner := archive.NewScanner(root, e.cfg.Location, e.log)
			if !rehash {
				scanner = scanner.WithFingerprints(led)
			}
			p := pipeline.New(
				scanner,
				led, ld, sink,
				pipeline.Options{
					ParseWorkers:  e.cfg.ParseWorkers,
					LoaderWorkers: e.cfg.LoaderWorkers,
					QueueSize:     e.cfg.QueueSize,
					RunID:         e.runID,
					Observer:      pipeline.Observers(observers...),
				},
				e.log,
			)

			stats, runErr := p.Run(ctx)
			if asJSON {
				out, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), string(out))
			} else {
				fmt.Fprintf(c.OutOrStdout(), "scanned=%d skipped=%d committed=%d failed=%d malformed=%d fact_rows=%d\n",
					stats.Scanned(), stats.Skipped(), stats.Committed(), stats.Failed(), stats.Malformed(), stats.FactRows())
			}
			if runErr != nil || !buildTrips {
				return runErr
			}
			return rebuildTrips(c, e, ld, nil)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&root, "archive", "", "archive root directory (overrides ARCHIVE_ROOT)")
	flags.BoolVar(&asJSON, "json", false, "print the run summary as JSON")
	flags.BoolVar(&buildTrips, "trips", false, "rebuild all trips after a complete run")
	flags.BoolVar(&rehash, "rehash", false, "hash every file even when its size and mtime match a committed load")
	return cmd
}

// rebuildTrips runs a trip rebuild and reports it to metrics and NATS.
func rebuildTrips(c *cobra.Command, e *env, w trips.Writer, bikeIDs []string) error {
	rb := trips.NewRebuilder(e.store, w, e.cfg.TripBikesPerTx, e.log)
	stats, err := rb.Rebuild(c.Context(), bikeIDs)
	if err != nil {
		return fmt.Errorf("rebuild trips: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TripsRebuilt(stats.Trips, stats.Elapsed)
	}
	if e.pub != nil {
		e.pub.TripsRebuilt(int64(stats.Bikes), stats.Trips, stats.Elapsed)
	}
	fmt.Fprintf(c.OutOrStdout(), "bikes=%d observations=%d trips=%d batches=%d elapsed=%s\n",
		stats.Bikes, stats.Observations, stats.Trips, stats.Batches, stats.Elapsed)
	return nil
}
