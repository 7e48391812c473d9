package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bikeshare-etl/internal/domain"
)

// Exit statuses.
const (
	exitOK         = 0
	exitError      = 1 // configuration, connection or usage problems
	exitFatal      = 2 // archive root or progress ledger unavailable
	exitIncomplete = 3 // run finished with files left uncommitted
)

func main() {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := newRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	cancel()
	os.Exit(exitCode(err))
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "bikeshare-etl",
		Short: "Load bike-share snapshot archives into PostgreSQL",
		Long: `
Scans an archive of periodic bike-share snapshots, loads each file atomically
into a relational schema and reconstructs bike trips from the loaded locations.
Configuration comes from .env, an optional YAML file named by CONFIG_FILE and
the environment.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newIngestCommand(),
		newTripsCommand(),
		newMigrateCommand(),
		newStatusCommand(),
	)
	return root
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case domain.Fatal(err):
		return exitFatal
	case errors.Is(err, domain.ErrRunIncomplete):
		return exitIncomplete
	default:
		return exitError
	}
}
