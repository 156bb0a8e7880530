// Command searchctl runs one-off operator tasks against the search stack:
// schema migration, index setup, suggestion seeding, reindexing and the
// scheduled jobs on demand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketplace-search/internal/config"

	"github.com/spf13/cobra"

	_ "github.com/lib/pq"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "searchctl",
	Short:         "Operator commands for the marketplace search stack",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
	},
}

func init() {
	rootCmd.AddCommand(
		migrateCmd,
		initIndicesCmd,
		seedSuggestionsCmd,
		reindexCmd,
		refreshStatsCmd,
		decayCmd,
		checkAlertsCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "component", "searchctl", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
