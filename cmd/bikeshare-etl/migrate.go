package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bikeshare-etl/internal/config"
	"bikeshare-etl/internal/db"
	"bikeshare-etl/internal/logging"
)

func newMigrateCommand() *cobra.Command {
	var createDB bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `
Applies the embedded schema. Every statement is idempotent, so migrate can run
before each ingest. With --create-database the target database is created
first through the cluster's postgres database.
`,
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			if createDB {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("config: %w", err)
				}
				log, err := logging.New(cfg.LogLevel, cfg.LogFormat, c.ErrOrStderr())
				if err != nil {
					return err
				}
				created, err := db.EnsureDatabase(ctx, cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("ensure database: %w", err)
				}
				if created {
					log.Info("database created")
				}
			}

			e, err := newEnv(ctx, envOptions{})
			if err != nil {
				return err
			}
			defer e.Close()
			if err := db.Migrate(ctx, e.store.Pool()); err != nil {
				return err
			}
			e.log.Info("schema up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&createDB, "create-database", false, "create the target database when missing")
	return cmd
}
