// Package jobs turns configured commands and systemd unit actions into
// scheduler tasks and keeps the running set in line with the config across
// reloads.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
	"taskd/pkg/systemd"
)

// outputTail bounds how much command output is kept for logs and errors.
const outputTail = 4 << 10

// Job is a validated job definition.
type Job struct {
	Name    string
	Spec    scheduler.ParsedSpec // zero when the job runs once
	Once    bool
	Delay   time.Duration
	Command []string
	Unit    string
	Action  systemd.Action
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Build validates c and converts it into a Job.
func Build(c config.JobConfig) (Job, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	j := Job{
		Name: name,
		Dir:  c.Dir,
		Env:  append([]string(nil), c.Env...),
	}

	var err error
	hasCommand := len(c.Command) > 0 && strings.TrimSpace(c.Command[0]) != ""
	unit := strings.TrimSpace(c.Unit)
	switch {
	case hasCommand && unit != "":
		return Job{}, fmt.Errorf("job %s: command and unit are mutually exclusive", name)
	case unit != "":
		j.Unit = systemd.UnitName(unit)
		if j.Action, err = systemd.ParseAction(c.Action); err != nil {
			return Job{}, fmt.Errorf("job %s: %w", name, err)
		}
	case hasCommand:
		j.Command = append([]string(nil), c.Command...)
	default:
		return Job{}, fmt.Errorf("job %s: command is required", name)
	}

	if j.Timeout, err = config.ParseDurationField("jobs["+name+"].timeout", c.Timeout); err != nil {
		return Job{}, err
	}

	schedule, delay := strings.TrimSpace(c.Schedule), strings.TrimSpace(c.Delay)
	switch {
	case schedule != "" && delay != "":
		return Job{}, fmt.Errorf("job %s: schedule and delay are mutually exclusive", name)
	case schedule != "":
		if err := scheduler.ValidateSchedule(schedule); err != nil {
			return Job{}, fmt.Errorf("job %s: %w", name, err)
		}
		if j.Spec, err = scheduler.ParseSchedule(schedule); err != nil {
			return Job{}, fmt.Errorf("job %s: %w", name, err)
		}
	case delay != "":
		j.Once = true
		if j.Delay, err = config.ParseDurationField("jobs["+name+"].delay", delay); err != nil {
			return Job{}, err
		}
	default:
		return Job{}, fmt.Errorf("job %s: schedule or delay is required", name)
	}
	return j, nil
}

// Describe is a short human-readable form of the job's trigger.
func (j Job) Describe() string {
	if j.Once {
		return "once after " + j.Delay.String()
	}
	return j.Spec.String()
}

// Target describes what the job runs.
func (j Job) Target() string {
	if j.Unit != "" {
		return string(j.Action) + " " + j.Unit
	}
	return strings.Join(j.Command, " ")
}

// UnitWork returns the scheduler work that applies the job's unit action
// through ctrl once.
func (j Job) UnitWork(ctrl systemd.Controller, log logx.Logger) func(ctx context.Context) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("job", j.Name), logx.String("unit", j.Unit))

	return func(ctx context.Context) error {
		if ctrl == nil {
			return fmt.Errorf("no systemd controller for unit %s", j.Unit)
		}
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		start := time.Now()
		if err := ctrl.Do(ctx, j.Action, j.Unit); err != nil {
			return err
		}
		log.Debug("unit action finished", logx.String("action", string(j.Action)), logx.Duration("took", time.Since(start)))
		return nil
	}
}

// Work returns the scheduler work that runs the job's command once.
//
// The command is killed when ctx ends (task cancel or scheduler shutdown) or
// the job timeout elapses. A non-zero exit is a work failure carrying the
// tail of the combined output.
func (j Job) Work(log logx.Logger) func(ctx context.Context) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("job", j.Name))

	return func(ctx context.Context) error {
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, j.Command[0], j.Command[1:]...)
		cmd.Dir = j.Dir
		cmd.Env = append(os.Environ(), "TASKD_JOB="+j.Name)
		cmd.Env = append(cmd.Env, j.Env...)
		cmd.WaitDelay = 5 * time.Second
		out := &tailBuffer{max: outputTail}
		cmd.Stdout = out
		cmd.Stderr = out

		start := time.Now()
		err := cmd.Run()
		took := time.Since(start)

		if err != nil {
			if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("timed out after %s: %w", j.Timeout, err)
			}
			if tail := strings.TrimSpace(out.String()); tail != "" {
				return fmt.Errorf("%w: %s", err, tail)
			}
			return err
		}
		log.Debug("job finished",
			logx.Duration("took", took),
			logx.Int("exit", cmd.ProcessState.ExitCode()),
			logx.String("output", strings.TrimSpace(out.String())),
		)
		return nil
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
	cut bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.cut = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	if b.cut {
		return "..." + string(b.buf)
	}
	return string(b.buf)
}
