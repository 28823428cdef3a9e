package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// defaultConfigPath is the --config default of every command.
const defaultConfigPath = "cafeyard.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cy",
		Short: "Cafeyard: multi-account community activity scheduler",
		Long: `Cafeyard schedules posts, comments and replies across a set of community
accounts. Each account has its own durable queue, activity window and daily
post quota; a worker per account executes jobs one at a time.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newAccountCmd())
	cmd.AddCommand(newCafeCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newSettingsCmd())
	cmd.AddCommand(newDashboardCmd())
	cmd.AddCommand(newSessionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cy %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
