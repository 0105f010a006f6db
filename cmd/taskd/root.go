package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./taskd.yaml"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "taskd - background task scheduler daemon",
	Long: `taskd runs configured commands once after a delay, at a fixed period,
or on a cron schedule, and keeps a history of every run.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(nextCmd)
}
