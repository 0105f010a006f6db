package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation reports invalid scheduling parameters (negative delay or
	// period, nil work, malformed schedule). No task is created.
	ErrValidation = errors.New("scheduler: invalid argument")

	// ErrIllegalState reports an operation that the current lifecycle state
	// does not allow: scheduling on a terminated scheduler, starting a task
	// twice, or awaiting a task that was never started or is not one-shot.
	ErrIllegalState = errors.New("scheduler: illegal state")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func illegalStatef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrIllegalState}, args...)...)
}

// WorkFailure describes one failed execution of a task's work.
//
// It is delivered to the failure handler and the log; it is never returned
// from the scheduling API.
type WorkFailure struct {
	TaskID   string
	TaskName string
	Kind     Kind
	Run      uint64
	Started  time.Time
	Duration time.Duration
	Err      error
	Panicked bool
	Stack    string
}

func (f WorkFailure) Error() string {
	return fmt.Sprintf("task %s (%s) run %d failed: %v", f.TaskName, f.TaskID, f.Run, f.Err)
}

func (f WorkFailure) Unwrap() error { return f.Err }
