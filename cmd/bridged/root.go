package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bridged",
	Short: "Per-worker bridge daemon between a task store and an AI CLI",
	Long: `bridged is a long-lived per-worker process that polls a filesystem
task store, builds a sanitized prompt from the claimed task plus any pending
inbox messages, drives an external AI CLI (codex or gemini) to work it, and
reports progress back through the worker's outbox.

Running 'bridged' without a subcommand is equivalent to 'bridged run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the worker's structured config document (required)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
