package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"taskd/internal/config"
	"taskd/internal/jobs"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate a configuration file",
	Long:  `Parse the configuration file, check every section, and build every enabled job without running anything.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := defaultConfigPath
		if len(args) > 0 {
			path = args[0]
		}
		m := config.NewManager(path, config.WithValidator(func(_ context.Context, cfg *config.Config) error {
			return jobs.Validate(cfg.Jobs)
		}))
		cfg, err := m.Load(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok\n", path)
		for _, c := range cfg.Jobs {
			if !c.IsEnabled() {
				fmt.Fprintf(out, "  %-20s disabled\n", c.Name)
				continue
			}
			j, err := jobs.Build(c)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  %-20s %s\n", j.Name, j.Describe())
		}
		return nil
	},
}
