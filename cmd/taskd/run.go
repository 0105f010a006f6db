package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/app"
)

// Upper bound for the whole shutdown; each stop step has its own budget.
const stopTimeout = 30 * time.Second

var runConfigPath string

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler daemon",
	Long: `Load the configuration, schedule every enabled job, and run until
SIGINT or SIGTERM. The configuration file is watched and reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: runHandler,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", defaultConfigPath, "path to config file (json, yaml or toml)")
}

func runHandler(cmd *cobra.Command, _ []string) error {
	a, err := app.NewApp(runConfigPath)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = stopReasonFor(sig)
	case <-a.Done():
		reason = app.StopFatalError
	case <-ctx.Done():
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func stopReasonFor(sig os.Signal) app.StopReason {
	switch sig {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	default:
		return app.StopUnknown
	}
}
