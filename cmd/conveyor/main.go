package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Feeds labeled issues to a coding agent one pull request at a time",
		Long: `Conveyor picks the oldest labeled issue, hands it to a coding agent,
turns the finished session into a pull request, waits for CI, merges it and
moves on to the next issue. At most one agent-authored pull request is open
at any time.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.conveyor/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(),
		newCycleCmd(),
		newPollCmd(),
		newEvaluateCmd(),
		newReconcileCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show Conveyor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Conveyor v%s\n", version)
		},
	}
}
