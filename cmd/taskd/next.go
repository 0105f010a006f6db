package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/task/scheduler"
)

var (
	nextCount    int
	nextTimezone string
)

// nextCmd prints the upcoming activations of a schedule string.
var nextCmd = &cobra.Command{
	Use:   "next <schedule>",
	Short: "Show the next activations of a schedule",
	Example: `  taskd next "*/15 * * * *"
  taskd next -n 3 @daily
  taskd next 02:30`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if nextCount <= 0 {
			return fmt.Errorf("--count must be > 0")
		}
		loc := time.Local
		if nextTimezone != "" {
			l, err := time.LoadLocation(nextTimezone)
			if err != nil {
				return fmt.Errorf("--tz: %w", err)
			}
			loc = l
		}
		times, err := nextActivations(args[0], time.Now().In(loc), nextCount)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, at := range times {
			fmt.Fprintln(out, at.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "number of activations to print")
	nextCmd.Flags().StringVar(&nextTimezone, "tz", "", "IANA time zone (default: local)")
}

// nextActivations lists the first n activations after from. Interval
// schedules first fire one interval after they are scheduled.
func nextActivations(raw string, from time.Time, n int) ([]time.Time, error) {
	spec, err := scheduler.ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	if spec.Kind == scheduler.SpecInterval {
		at := from
		for len(out) < n {
			at = at.Add(spec.Every)
			out = append(out, at)
		}
		return out, nil
	}
	sched, err := scheduler.ParseCron(spec.Cron)
	if err != nil {
		return nil, err
	}
	at := from
	for len(out) < n {
		at = sched.Next(at)
		if at.IsZero() {
			break
		}
		out = append(out, at)
	}
	return out, nil
}
