package jobs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"taskd/internal/config"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
	"taskd/pkg/systemd"
)

// Manager owns the scheduler tasks created for configured jobs.
type Manager struct {
	s   *scheduler.Scheduler
	log logx.Logger

	// units is connected on first use unless injected.
	unitsMu sync.Mutex
	units   systemd.Controller
	connect func(context.Context) (systemd.Controller, bool)

	mu      sync.Mutex
	running map[string]entry
}

type ManagerOption func(*Manager)

// WithUnitController sets the controller used by unit jobs.
func WithUnitController(c systemd.Controller) ManagerOption {
	return func(m *Manager) { m.units = c }
}

type entry struct {
	job  Job
	task *scheduler.Task[struct{}]
}

func NewManager(s *scheduler.Scheduler, log logx.Logger, opts ...ManagerOption) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		s:       s,
		log:     log.With(logx.Component("jobs")),
		connect: systemd.Connect,
		running: map[string]entry{},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	return m
}

func (m *Manager) unitController() systemd.Controller {
	m.unitsMu.Lock()
	defer m.unitsMu.Unlock()
	if m.units == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl, viaBus := m.connect(ctx)
		m.units = ctrl
		m.log.Info("systemd controller ready", logx.Bool("dbus", viaBus))
	}
	return m.units
}

// Close releases the systemd connection, if one was opened.
func (m *Manager) Close() error {
	m.unitsMu.Lock()
	defer m.unitsMu.Unlock()
	if m.units == nil {
		return nil
	}
	err := m.units.Close()
	m.units = nil
	return err
}

// Validate builds every enabled job without scheduling anything.
func Validate(cfgs []config.JobConfig) error {
	var errs []error
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		if _, err := Build(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Apply reconciles the scheduled jobs with cfgs: jobs that disappeared,
// were disabled, or changed are cancelled; new and changed jobs are
// scheduled. Unchanged jobs keep their task, including finished one-shot
// jobs, which therefore do not run again. An unchanged recurring job whose
// task was cancelled elsewhere (e.g. through the admin API) is scheduled
// afresh.
func (m *Manager) Apply(cfgs []config.JobConfig) error {
	want := make(map[string]Job, len(cfgs))
	var errs []error
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		j, err := Build(c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		want[j.Name] = j
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for name, e := range m.running {
		j, ok := want[name]
		if ok && reflect.DeepEqual(j, e.job) {
			if e.job.Once || !e.task.IsCancelled() {
				continue
			}
			delete(m.running, name)
			m.log.Info("job task was cancelled; rescheduling", logx.String("job", name), logx.String("task", e.task.ID()))
			continue
		}
		e.task.Cancel()
		delete(m.running, name)
		m.log.Info("job unscheduled", logx.String("job", name))
	}

	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := m.running[name]; ok {
			continue
		}
		j := want[name]
		t, err := m.schedule(j)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule job %s: %w", name, err))
			continue
		}
		m.running[name] = entry{job: j, task: t}
		m.log.Info("job scheduled",
			logx.String("job", name),
			logx.String("trigger", j.Describe()),
			logx.String("target", j.Target()),
			logx.String("task", t.ID()),
		)
	}
	return errors.Join(errs...)
}

func (m *Manager) schedule(j Job) (*scheduler.Task[struct{}], error) {
	var work func(ctx context.Context) error
	if j.Unit != "" {
		work = j.UnitWork(m.unitController(), m.log)
	} else {
		work = j.Work(m.log)
	}
	opt := scheduler.WithName("job:" + j.Name)
	if j.Once {
		return scheduler.ScheduleDelay(m.s, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, work(ctx)
		}, j.Delay, opt)
	}
	if j.Spec.Kind == scheduler.SpecCron {
		return scheduler.ScheduleCron(m.s, j.Spec.Cron, work, opt)
	}
	return scheduler.ScheduleRepeating(m.s, work, j.Spec.Every, j.Spec.Every, opt)
}

// Task returns the task currently scheduled for the named job.
func (m *Manager) Task(name string) (*scheduler.Task[struct{}], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.running[name]
	return e.task, ok
}

// Names returns the scheduled job names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for name := range m.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CancelAll cancels every job task.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.running {
		e.task.Cancel()
		delete(m.running, name)
	}
}
