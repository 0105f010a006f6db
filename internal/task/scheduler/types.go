package scheduler

import (
	"context"
	"fmt"
	"time"

	"taskd/internal/runtime/pool"
)

// Func is the unit of work run by a task. ctx is cancelled when the task is
// cancelled or its scheduler terminates; work that ignores ctx simply runs to
// completion before the task observes the cancellation.
type Func[T any] func(ctx context.Context) (T, error)

// Kind is the scheduling protocol of a task.
type Kind int

const (
	// KindOneShot runs work exactly once after a delay.
	KindOneShot Kind = iota
	// KindRepeating runs work after an initial delay, then after every period.
	KindRepeating
	// KindCron runs work repeatedly at the times produced by a cron schedule.
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindOneShot:
		return "oneshot"
	case KindRepeating:
		return "repeating"
	case KindCron:
		return "cron"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State is the lifecycle state of a task.
//
//	Created --Run--> Running --(completion | Cancel)--> Done | Cancelled
//
// Done and Cancelled are terminal.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCancelled
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateCancelled || s == StateDone }

// Observer receives task lifecycle signals, e.g. for metrics.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	TaskScheduled(kind Kind)
	TaskRun(kind Kind, took time.Duration, err error)
	TaskCancelled(kind Kind)
	TaskFinished(kind Kind)
	LiveTasks(n int)
}

// Event types published on the event bus.
const (
	EventScheduled = "task.scheduled"
	EventRun       = "task.run"
	EventFailed    = "task.failed"
	EventCancelled = "task.cancelled"
	EventDone      = "task.done"
)

// TaskEvent is the payload of every task.* bus event.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Run      uint64        `json:"run,omitempty"`
	Started  time.Time     `json:"started,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
}

// HistoryItem records one execution of a task's work.
type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Run      uint64        `json:"run"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// TaskInfo is a point-in-time view of a live task.
type TaskInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Created   time.Time `json:"created"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Terminated bool          `json:"terminated"`
	Live       int           `json:"live"`
	Tasks      []TaskInfo    `json:"tasks"`
	Pool       pool.Snapshot `json:"pool"`
	History    []HistoryItem `json:"history"`

	// SuppressedFailureLogs counts work failures not logged due to rate limiting.
	SuppressedFailureLogs uint64 `json:"suppressed_failure_logs"`
}

// handle is the type-erased view of a Task kept in the registry.
type handle interface {
	ID() string
	Cancel() bool
	info() TaskInfo
}
