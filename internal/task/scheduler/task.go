package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is one schedulable unit of work owned by a Scheduler.
//
// All methods are safe for concurrent use.
type Task[T any] struct {
	id    string
	name  string
	kind  Kind
	owner *Scheduler

	work         Func[T]
	initialDelay time.Duration
	period       time.Duration
	// next computes the wait before the next cron run; ok=false ends the task.
	next func(now time.Time) (time.Duration, bool)

	created time.Time
	state   atomic.Int32
	started atomic.Bool

	// ctx is cancelled by Cancel, scheduler termination, or pool shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	resolveOnce sync.Once
	done        chan struct{}
	value       T
	ok          bool

	runs     atomic.Uint64
	failures atomic.Uint64
	lastErr  atomic.Pointer[error]
}

// TaskOption customizes a task at scheduling time.
type TaskOption func(*taskConfig)

type taskConfig struct {
	name string
}

// WithName sets the task name used in logs, events, and pool stats.
// The default name is the task kind.
func WithName(name string) TaskOption {
	return func(c *taskConfig) { c.name = name }
}

func newTask[T any](owner *Scheduler, kind Kind, work Func[T], initialDelay, period time.Duration, opts []TaskOption) (*Task[T], error) {
	if owner == nil {
		return nil, illegalStatef("nil scheduler")
	}
	if work == nil {
		return nil, validationf("work is nil")
	}
	if initialDelay < 0 {
		return nil, validationf("initial delay must be >= 0, got %s", initialDelay)
	}
	if period < 0 {
		return nil, validationf("period must be >= 0, got %s", period)
	}

	cfg := taskConfig{}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	if cfg.name == "" {
		cfg.name = kind.String()
	}

	ctx, cancel := context.WithCancel(owner.ctx)
	t := &Task[T]{
		id:           uuid.NewString(),
		name:         cfg.name,
		kind:         kind,
		owner:        owner,
		work:         work,
		initialDelay: initialDelay,
		period:       period,
		created:      time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if err := owner.register(t); err != nil {
		cancel()
		return nil, err
	}
	return t, nil
}

func (t *Task[T]) ID() string   { return t.id }
func (t *Task[T]) Name() string { return t.name }
func (t *Task[T]) Kind() Kind   { return t.kind }

func (t *Task[T]) State() State { return State(t.state.Load()) }

func (t *Task[T]) IsRunning() bool { return t.State() == StateRunning }

func (t *Task[T]) IsCancelled() bool { return t.State() == StateCancelled }

// IsDone reports whether the task reached a terminal state. A cancelled task
// is also done.
func (t *Task[T]) IsDone() bool { return t.State().Terminal() }

// Done is closed when the task's result resolves.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Runs returns how many times work has been invoked.
func (t *Task[T]) Runs() uint64 { return t.runs.Load() }

// Err returns the error of the most recent failed execution, if any.
func (t *Task[T]) Err() error {
	if p := t.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Run starts asynchronous execution and returns the task for chaining.
//
// It fails with ErrIllegalState if the owning scheduler is terminated or the
// task has already been started.
func (t *Task[T]) Run() (*Task[T], error) {
	if t.owner.IsTerminated() {
		return t, illegalStatef("scheduler is terminated")
	}
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return t, illegalStatef("task %s already started (%s)", t.id, t.State())
	}

	t.started.Store(true)
	t.owner.noteScheduled(t)
	if err := t.owner.pool.Submit(t.name, t.execute); err != nil {
		t.rejected()
		return t, illegalStatef("submit task %s: %v", t.id, err)
	}
	return t, nil
}

// Cancel stops the task. It is idempotent: cancelling a task that is already
// cancelled or done reports true without side effects.
//
// Cancellation is cooperative. A sleeping task wakes up and exits without
// invoking work again; work that is already executing runs to completion.
// The return value reports whether a started execution unit was interrupted
// and is informational only.
func (t *Task[T]) Cancel() bool {
	for {
		cur := t.State()
		if cur.Terminal() {
			return true
		}
		if !t.state.CompareAndSwap(int32(cur), int32(StateCancelled)) {
			continue
		}
		t.owner.deregister(t.id)
		t.cancel()
		var zero T
		t.resolve(zero, false)
		t.owner.noteCancelled(t)
		return cur == StateRunning
	}
}

// Await blocks until a one-shot task resolves and returns its value.
//
// ok is false when work failed or the task was cancelled. Await fails with
// ErrIllegalState for repeating and cron tasks and for tasks that were never
// started; it returns ctx.Err() if ctx ends first.
func (t *Task[T]) Await(ctx context.Context) (value T, ok bool, err error) {
	if !t.started.Load() {
		return value, false, illegalStatef("task %s was never started", t.id)
	}
	if t.kind != KindOneShot {
		return value, false, illegalStatef("cannot await a %s task", t.kind)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.done:
		return t.value, t.ok, nil
	case <-ctx.Done():
		return value, false, ctx.Err()
	}
}

func (t *Task[T]) info() TaskInfo {
	ti := TaskInfo{
		ID:       t.id,
		Name:     t.name,
		Kind:     t.kind.String(),
		State:    t.State().String(),
		Created:  t.created,
		Runs:     t.runs.Load(),
		Failures: t.failures.Load(),
	}
	if err := t.Err(); err != nil {
		ti.LastError = err.Error()
	}
	return ti
}

func (t *Task[T]) resolve(v T, ok bool) {
	t.resolveOnce.Do(func() {
		t.value = v
		t.ok = ok
		close(t.done)
	})
}

// complete moves a running task to Done. It loses silently to a concurrent
// Cancel, which has already resolved the result.
func (t *Task[T]) complete(v T, ok bool) {
	if !t.state.CompareAndSwap(int32(StateRunning), int32(StateDone)) {
		return
	}
	t.owner.deregister(t.id)
	t.resolve(v, ok)
	t.cancel()
	t.owner.noteFinished(t)
}

// rejected finalizes a task whose work never got a worker to run on.
func (t *Task[T]) rejected() {
	if t.state.CompareAndSwap(int32(StateRunning), int32(StateCancelled)) {
		t.owner.deregister(t.id)
		t.cancel()
		var zero T
		t.resolve(zero, false)
		t.owner.noteCancelled(t)
	}
}

// execute is the task's execution unit. It runs on one pool goroutine for the
// task's whole lifetime but holds a worker slot only while work runs.
func (t *Task[T]) execute(poolCtx context.Context) {
	stop := context.AfterFunc(poolCtx, t.cancel)
	defer stop()

	var zero T
	if t.kind == KindOneShot {
		if !t.sleep(t.initialDelay) {
			t.complete(zero, false)
			return
		}
		v, ok, ran := t.runSlot()
		if !ran {
			t.rejected()
			return
		}
		t.complete(v, ok)
		return
	}

	for i := 0; !t.stopped(); i++ {
		wait, more := t.wait(i)
		if !more || !t.sleep(wait) {
			break
		}
		if _, _, ran := t.runSlot(); !ran {
			t.rejected()
			return
		}
	}
	t.complete(zero, false)
}

// runSlot invokes work while holding a pool slot. ran is false when the task
// stopped before a slot became free.
func (t *Task[T]) runSlot() (v T, ok, ran bool) {
	p := t.owner.pool
	if !p.Acquire(t.ctx) {
		return v, false, false
	}
	defer p.Release()
	if t.stopped() {
		return v, false, false
	}
	v, ok = t.invoke()
	return v, ok, true
}

func (t *Task[T]) wait(i int) (time.Duration, bool) {
	if t.next != nil {
		return t.next(time.Now())
	}
	if i == 0 {
		return t.initialDelay, true
	}
	return t.period, true
}

func (t *Task[T]) stopped() bool {
	return t.ctx.Err() != nil || t.owner.IsTerminated() || t.State() != StateRunning
}

// sleep waits for d and reports whether the task may proceed.
func (t *Task[T]) sleep(d time.Duration) bool {
	if t.ctx.Err() != nil {
		return false
	}
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-t.ctx.Done():
			return false
		case <-timer.C:
		}
	}
	return !t.stopped()
}

// invoke runs work once under failure containment.
func (t *Task[T]) invoke() (v T, ok bool) {
	run := t.runs.Add(1)
	started := time.Now()

	var (
		err      error
		panicked bool
		stack    string
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				stack = string(debug.Stack())
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		v, err = t.work(t.ctx)
	}()
	took := time.Since(started)

	t.owner.noteRun(t, run, started, took, err)
	if err != nil {
		t.failures.Add(1)
		t.lastErr.Store(&err)
		t.owner.reportFailure(WorkFailure{
			TaskID:   t.id,
			TaskName: t.name,
			Kind:     t.kind,
			Run:      run,
			Started:  started,
			Duration: took,
			Err:      err,
			Panicked: panicked,
			Stack:    stack,
		})
		var zero T
		return zero, false
	}
	return v, true
}
