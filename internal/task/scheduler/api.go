package scheduler

import (
	"context"
	"math"
	"time"
)

// ScheduleDelay runs work once after delay and returns the running task.
// Use Await to obtain the result.
func ScheduleDelay[T any](s *Scheduler, work Func[T], delay time.Duration, opts ...TaskOption) (*Task[T], error) {
	t, err := newTask(s, KindOneShot, work, delay, 0, opts)
	if err != nil {
		return nil, err
	}
	return t.Run()
}

// ScheduleDelayUnit is ScheduleDelay with the delay given as a count of unit,
// e.g. ScheduleDelayUnit(s, work, 100, time.Millisecond).
func ScheduleDelayUnit[T any](s *Scheduler, work Func[T], delay int64, unit time.Duration, opts ...TaskOption) (*Task[T], error) {
	d, err := unitDuration("delay", delay, unit)
	if err != nil {
		return nil, err
	}
	return ScheduleDelay(s, work, d, opts...)
}

// ScheduleRepeating runs work after initialDelay and then again period after
// each execution finishes, until the task is cancelled or the scheduler
// terminates. A failed execution does not stop the loop.
func ScheduleRepeating(s *Scheduler, work func(ctx context.Context) error, initialDelay, period time.Duration, opts ...TaskOption) (*Task[struct{}], error) {
	t, err := newTask(s, KindRepeating, discardValue(work), initialDelay, period, opts)
	if err != nil {
		return nil, err
	}
	return t.Run()
}

// ScheduleRepeatingUnit is ScheduleRepeating with both durations given as a
// count of unit.
func ScheduleRepeatingUnit(s *Scheduler, work func(ctx context.Context) error, initialDelay, period int64, unit time.Duration, opts ...TaskOption) (*Task[struct{}], error) {
	d, err := unitDuration("initial delay", initialDelay, unit)
	if err != nil {
		return nil, err
	}
	p, err := unitDuration("period", period, unit)
	if err != nil {
		return nil, err
	}
	return ScheduleRepeating(s, work, d, p, opts...)
}

// ScheduleCron runs work at every activation of the cron expression expr,
// evaluated in the scheduler's location. Seconds are optional and
// descriptors such as "@hourly" or "@every 5m" are accepted.
//
// Activations missed while work was still executing are skipped.
func ScheduleCron(s *Scheduler, expr string, work func(ctx context.Context) error, opts ...TaskOption) (*Task[struct{}], error) {
	if s == nil {
		return nil, illegalStatef("nil scheduler")
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}

	t, err := newTask(s, KindCron, discardValue(work), 0, 0, opts)
	if err != nil {
		return nil, err
	}
	loc := s.loc
	t.next = func(now time.Time) (time.Duration, bool) {
		at := sched.Next(now.In(loc))
		if at.IsZero() {
			return 0, false
		}
		return at.Sub(now), true
	}
	return t.Run()
}

// ScheduleSpec schedules work according to a schedule string accepted by
// ParseSchedule. Interval specs first run one interval after scheduling.
func ScheduleSpec(s *Scheduler, raw string, work func(ctx context.Context) error, opts ...TaskOption) (*Task[struct{}], error) {
	spec, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	if spec.Kind == SpecCron {
		return ScheduleCron(s, spec.Cron, work, opts...)
	}
	return ScheduleRepeating(s, work, spec.Every, spec.Every, opts...)
}

func discardValue(work func(ctx context.Context) error) Func[struct{}] {
	if work == nil {
		return nil
	}
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	}
}

func unitDuration(what string, n int64, unit time.Duration) (time.Duration, error) {
	if n < 0 {
		return 0, validationf("%s must be >= 0, got %d", what, n)
	}
	if unit <= 0 {
		return 0, validationf("time unit must be > 0, got %s", unit)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, validationf("%s %d x %s overflows", what, n, unit)
	}
	return time.Duration(n) * unit, nil
}
