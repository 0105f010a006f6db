package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s := New(opts...)
	t.Cleanup(s.Terminate)
	return s
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func constant[T any](v T) Func[T] {
	return func(context.Context) (T, error) { return v, nil }
}

func TestScheduleDelay_ResolvesValueAfterDelay(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	start := time.Now()
	task, err := ScheduleDelay(s, constant(42), 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, task.IsRunning())

	v, ok, err := task.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	assert.True(t, task.IsDone())
	assert.False(t, task.IsCancelled())
	assert.False(t, task.IsRunning())
	assert.Equal(t, StateDone, task.State())
	assert.Equal(t, uint64(1), task.Runs())
	assert.Zero(t, s.Len())

	// Awaiting a resolved task returns immediately with the same result.
	v, ok, err = task.Await(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestScheduleDelayUnit(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	start := time.Now()
	task, err := ScheduleDelayUnit(s, constant("hi"), 50, time.Millisecond)
	require.NoError(t, err)

	v, ok, err := task.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hi", v)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAwait_FailedWorkResolvesWithoutValue(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	failures := make(chan WorkFailure, 1)
	s := newTestScheduler(t, WithFailureHandler(func(f WorkFailure) { failures <- f }))

	task, err := ScheduleDelay(s, func(context.Context) (int, error) { return 7, boom }, 0, WithName("fails"))
	require.NoError(t, err)

	v, ok, err := task.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, v)
	assert.True(t, task.IsDone())
	assert.ErrorIs(t, task.Err(), boom)

	select {
	case f := <-failures:
		assert.Equal(t, task.ID(), f.TaskID)
		assert.Equal(t, "fails", f.TaskName)
		assert.Equal(t, KindOneShot, f.Kind)
		assert.Equal(t, uint64(1), f.Run)
		assert.False(t, f.Panicked)
		assert.ErrorIs(t, f, boom)
	default:
		t.Fatal("failure handler was not called")
	}
}

func TestAwait_PanicIsContained(t *testing.T) {
	t.Parallel()
	failures := make(chan WorkFailure, 1)
	s := newTestScheduler(t, WithFailureHandler(func(f WorkFailure) {
		failures <- f
		panic("handler panics too")
	}))

	task, err := ScheduleDelay(s, func(context.Context) (int, error) { panic("kaboom") }, 0)
	require.NoError(t, err)

	_, ok, err := task.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.False(t, ok)

	f := <-failures
	assert.True(t, f.Panicked)
	assert.Contains(t, f.Err.Error(), "kaboom")
	assert.NotEmpty(t, f.Stack)

	// The scheduler keeps working.
	next, err := ScheduleDelay(s, constant(1), 0)
	require.NoError(t, err)
	v, ok, err := next.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestAwait_IllegalStates(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	rep, err := ScheduleRepeating(s, func(context.Context) error { return nil }, time.Hour, time.Hour)
	require.NoError(t, err)
	_, _, err = rep.Await(context.Background())
	assert.ErrorIs(t, err, ErrIllegalState)

	created, err := newTask(s, KindOneShot, constant(1), 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, created.State())
	assert.Equal(t, 2, s.Len())
	_, _, err = created.Await(context.Background())
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestAwait_ContextEnds(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	task, err := ScheduleDelay(s, constant(1), time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := task.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ok)
	assert.True(t, task.IsRunning())
}

func TestRun_Twice(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	task, err := ScheduleDelay(s, constant(1), time.Hour)
	require.NoError(t, err)
	_, err = task.Run()
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestCancel_IsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	var calls atomic.Int32
	task, err := ScheduleDelay(s, func(context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	}, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	assert.True(t, task.Cancel())
	assert.True(t, task.Cancel())

	assert.True(t, task.IsCancelled())
	assert.True(t, task.IsDone())
	assert.False(t, task.IsRunning())
	assert.Zero(t, s.Len())

	v, ok, err := task.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, v)

	waitIdle(t, s)
	assert.Zero(t, calls.Load())
}

// waitIdle waits until no execution unit is active.
func waitIdle(t *testing.T, s *Scheduler) bool {
	t.Helper()
	return assert.Eventually(t, func() bool { return s.pool.Counters().Active == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCancel_CreatedTask(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	task, err := newTask(s, KindOneShot, constant(1), 0, 0, nil)
	require.NoError(t, err)

	assert.False(t, task.Cancel(), "no execution unit to interrupt")
	assert.True(t, task.IsCancelled())
	assert.Zero(t, s.Len())

	_, _, err = task.Await(context.Background())
	assert.ErrorIs(t, err, ErrIllegalState, "a task that never started has no result")

	_, err = task.Run()
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestCancel_ByID(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	task, err := ScheduleDelay(s, constant(1), time.Hour)
	require.NoError(t, err)

	assert.False(t, s.Cancel("missing"))
	assert.True(t, s.Cancel(task.ID()))
	assert.True(t, task.IsCancelled())
}

func TestScheduleRepeating_CadenceAndCancel(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	task, err := ScheduleRepeating(s, func(context.Context) error { return nil }, 0, 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(220 * time.Millisecond)
	assert.True(t, task.Cancel())
	runs := task.Runs()

	// Runs at ~0, 50, 100, 150, 200ms.
	assert.GreaterOrEqual(t, runs, uint64(4))
	assert.LessOrEqual(t, runs, uint64(5))

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, runs, task.Runs(), "no run after cancel")
	assert.True(t, task.IsCancelled())
	assert.True(t, task.IsDone())
}

func TestScheduleRepeating_FailuresDoNotStopLoop(t *testing.T) {
	t.Parallel()
	var failures atomic.Int32
	s := newTestScheduler(t, WithFailureHandler(func(WorkFailure) { failures.Add(1) }))

	var n atomic.Int32
	task, err := ScheduleRepeating(s, func(context.Context) error {
		if n.Add(1)%2 == 1 {
			return errors.New("odd run")
		}
		return nil
	}, 0, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return task.Runs() >= 6 }, 3*time.Second, 5*time.Millisecond)
	assert.True(t, task.IsRunning())
	assert.GreaterOrEqual(t, failures.Load(), int32(3))
	assert.Error(t, task.Err())
}

func TestScheduleRepeating_ZeroPeriodRunsBackToBack(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	task, err := ScheduleRepeating(s, func(context.Context) error { return nil }, 0, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return task.Runs() >= 100 }, 3*time.Second, time.Millisecond)
	task.Cancel()
}

func TestCancel_InterruptsWorkContext(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	entered := make(chan struct{})
	exited := make(chan struct{})
	task, err := ScheduleRepeating(s, func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		close(exited)
		return ctx.Err()
	}, 0, time.Hour)
	require.NoError(t, err)

	<-entered
	assert.True(t, task.Cancel())
	select {
	case <-task.Done():
	default:
		t.Fatal("result not resolved by cancel")
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("work context was not cancelled")
	}
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	s := New()

	one, err := ScheduleDelay(s, constant(1), time.Hour)
	require.NoError(t, err)
	rep, err := ScheduleRepeating(s, func(context.Context) error { return nil }, time.Hour, time.Hour)
	require.NoError(t, err)
	created, err := newTask(s, KindOneShot, constant(1), 0, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 3, s.Len())

	s.Terminate()
	s.Terminate()

	assert.True(t, s.IsTerminated())
	assert.Zero(t, s.Len())
	for _, task := range []interface{ IsCancelled() bool }{one, rep, created} {
		assert.True(t, task.IsCancelled())
	}

	_, err = ScheduleDelay(s, constant(1), 0)
	assert.ErrorIs(t, err, ErrIllegalState)
	_, err = ScheduleRepeating(s, func(context.Context) error { return nil }, 0, time.Second)
	assert.ErrorIs(t, err, ErrIllegalState)
	_, err = created.Run()
	assert.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, s.Wait(awaitCtx(t)))
	assert.NoError(t, s.Close())
}

func TestTerminate_WaitsForBusyWork(t *testing.T) {
	t.Parallel()
	s := New()

	entered := make(chan struct{})
	release := make(chan struct{})
	task, err := ScheduleRepeating(s, func(context.Context) error {
		close(entered)
		<-release
		return nil
	}, 0, time.Millisecond)
	require.NoError(t, err)
	<-entered

	s.Terminate()
	assert.True(t, task.IsCancelled())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Wait(awaitCtx(t)))
	assert.Equal(t, uint64(1), task.Runs())
}

func TestValidation(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	noop := func(context.Context) error { return nil }

	cases := []struct {
		name string
		run  func() error
	}{
		{"negative delay", func() error { _, err := ScheduleDelay(s, constant(1), -time.Millisecond); return err }},
		{"nil work", func() error { _, err := ScheduleDelay[int](s, nil, 0); return err }},
		{"nil repeating work", func() error { _, err := ScheduleRepeating(s, nil, 0, time.Second); return err }},
		{"negative initial delay", func() error { _, err := ScheduleRepeating(s, noop, -1, time.Second); return err }},
		{"negative period", func() error { _, err := ScheduleRepeating(s, noop, 0, -time.Second); return err }},
		{"negative unit count", func() error { _, err := ScheduleDelayUnit(s, constant(1), -5, time.Second); return err }},
		{"zero unit", func() error { _, err := ScheduleDelayUnit(s, constant(1), 5, 0); return err }},
		{"overflow", func() error { _, err := ScheduleDelayUnit(s, constant(1), 1<<62, time.Hour); return err }},
		{"negative unit period", func() error { _, err := ScheduleRepeatingUnit(s, noop, 0, -1, time.Second); return err }},
		{"bad cron", func() error { _, err := ScheduleCron(s, "not a cron", noop); return err }},
		{"bad spec", func() error { _, err := ScheduleSpec(s, "soon", noop); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.run(), ErrValidation)
		})
	}
	assert.Zero(t, s.Len(), "no task may be registered on validation failure")
}

func TestScheduleRepeatingUnit(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	task, err := ScheduleRepeatingUnit(s, func(context.Context) error { return nil }, 0, 10, time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return task.Runs() >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, KindRepeating, task.Kind())
}

func TestScheduleCron(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, WithLocation(time.UTC))

	task, err := ScheduleCron(s, "* * * * * *", func(context.Context) error { return nil }, WithName("every-second"))
	require.NoError(t, err)
	assert.Equal(t, KindCron, task.Kind())
	assert.Equal(t, "every-second", task.Name())

	require.Eventually(t, func() bool { return task.Runs() >= 1 }, 3*time.Second, 10*time.Millisecond)
	_, _, err = task.Await(context.Background())
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestScheduleSpec_Interval(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	task, err := ScheduleSpec(s, "every:20ms", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, KindRepeating, task.Kind())
	require.Eventually(t, func() bool { return task.Runs() >= 2 }, 3*time.Second, 5*time.Millisecond)
}

func TestEvents_OneShotLifecycle(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := newTestScheduler(t, WithEventBus(bus))

	task, err := ScheduleDelay(s, constant(1), 0)
	require.NoError(t, err)
	_, _, err = task.Await(awaitCtx(t))
	require.NoError(t, err)

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-ch:
			te, ok := ev.Data.(TaskEvent)
			require.True(t, ok)
			assert.Equal(t, task.ID(), te.ID)
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{EventScheduled, EventRun, EventDone}, types)
}

type recordingObserver struct {
	mu        sync.Mutex
	scheduled map[Kind]int
	runs      int
	failed    int
	cancelled int
	finished  int
	live      []int
}

func (o *recordingObserver) TaskScheduled(k Kind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.scheduled == nil {
		o.scheduled = map[Kind]int{}
	}
	o.scheduled[k]++
}

func (o *recordingObserver) TaskRun(_ Kind, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs++
	if err != nil {
		o.failed++
	}
}

func (o *recordingObserver) TaskCancelled(Kind) { o.mu.Lock(); o.cancelled++; o.mu.Unlock() }
func (o *recordingObserver) TaskFinished(Kind)  { o.mu.Lock(); o.finished++; o.mu.Unlock() }
func (o *recordingObserver) LiveTasks(n int)    { o.mu.Lock(); o.live = append(o.live, n); o.mu.Unlock() }

func TestObserverAndSnapshot(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := newTestScheduler(t, WithObserver(obs), WithHistorySize(2))

	for i := 0; i < 3; i++ {
		task, err := ScheduleDelay(s, func(context.Context) (int, error) { return 0, errors.New("x") }, 0)
		require.NoError(t, err)
		_, _, err = task.Await(awaitCtx(t))
		require.NoError(t, err)
	}
	long, err := ScheduleDelay(s, constant(1), time.Hour, WithName("long"))
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.False(t, snap.Terminated)
	assert.Equal(t, 1, snap.Live)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "long", snap.Tasks[0].Name)
	assert.Equal(t, StateRunning.String(), snap.Tasks[0].State)
	assert.Len(t, snap.History, 2)
	assert.Equal(t, "x", snap.History[1].Error)

	long.Cancel()

	// TaskFinished fires after the result resolves.
	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.finished == 3
	}, 2*time.Second, 5*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 4, obs.scheduled[KindOneShot])
	assert.Equal(t, 3, obs.runs)
	assert.Equal(t, 3, obs.failed)
	assert.Equal(t, 1, obs.cancelled)
	require.NotEmpty(t, obs.live)
	assert.Equal(t, 0, obs.live[len(obs.live)-1])
}

func TestFailureLogsAreRateLimited(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	s := newTestScheduler(t,
		WithLogger(logx.NewWriter(&buf, "warn")),
		WithFailureLogRate(0.001, 1),
	)

	for i := 0; i < 3; i++ {
		task, err := ScheduleDelay(s, func(context.Context) (int, error) { return 0, errors.New("nope") }, 0)
		require.NoError(t, err)
		_, _, err = task.Await(awaitCtx(t))
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(2), s.Snapshot().SuppressedFailureLogs)
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("task work failed")))
}

func TestFailureLogsDisabledByZeroRate(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	var handled atomic.Int32
	s := newTestScheduler(t,
		WithLogger(logx.NewWriter(&buf, "warn")),
		WithFailureLogRate(0, 1),
		WithFailureHandler(func(WorkFailure) { handled.Add(1) }),
	)

	task, err := ScheduleDelay(s, func(context.Context) (int, error) { return 0, errors.New("nope") }, 0)
	require.NoError(t, err)
	_, ok, err := task.Await(awaitCtx(t))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int32(1), handled.Load())
	assert.Zero(t, bytes.Count(buf.Bytes(), []byte("task work failed")))
	assert.Zero(t, s.Snapshot().SuppressedFailureLogs)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestMaxWorkers_QueuedWorkRejectedOnTerminate(t *testing.T) {
	t.Parallel()
	s := New(WithMaxWorkers(1))

	working := make(chan struct{})
	busy, err := ScheduleDelay(s, func(ctx context.Context) (int, error) {
		close(working)
		<-ctx.Done()
		return 1, nil
	}, 0)
	require.NoError(t, err)
	<-working

	queued, err := ScheduleDelay(s, constant(2), 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.pool.Counters().Waiting == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, queued.Runs())
	assert.True(t, queued.IsRunning())

	s.Terminate()
	assert.True(t, busy.IsCancelled())
	assert.True(t, queued.IsCancelled())
	require.NoError(t, s.Wait(awaitCtx(t)))
	assert.Zero(t, queued.Runs())
	assert.Zero(t, s.pool.Counters().Busy)
}

func TestMaxWorkers_SleepingTasksHoldNoWorker(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, WithMaxWorkers(1))

	idle, err := ScheduleRepeating(s, func(context.Context) error { return nil }, time.Hour, time.Hour)
	require.NoError(t, err)
	_, err = ScheduleDelay(s, constant(0), time.Hour)
	require.NoError(t, err)

	task, err := ScheduleDelay(s, constant(42), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, ok, err := task.Await(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, v)
	assert.True(t, idle.IsRunning())
}

func TestMaxWorkers_BoundsConcurrentWork(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, WithMaxWorkers(2))

	var cur, peak atomic.Int32
	work := func(context.Context) (int, error) {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return 1, nil
	}

	tasks := make([]*Task[int], 0, 6)
	for i := 0; i < 6; i++ {
		task, err := ScheduleDelay(s, work, 0)
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		_, ok, err := task.Await(awaitCtx(t))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
