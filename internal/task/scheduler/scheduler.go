package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	"taskd/internal/runtime/pool"
	logx "taskd/pkg/logx"
)

const (
	defaultHistorySize    = 200
	defaultFailureLogRate = 1.0 // failure logs per second
	defaultFailureBurst   = 10
)

// Scheduler owns a worker pool and the registry of live tasks.
//
// It is created once by the host, used to schedule any number of tasks, and
// terminated exactly once at shutdown.
type Scheduler struct {
	log  logx.Logger
	pool *pool.Pool
	bus  eventbus.Bus
	obs  Observer

	ctx    context.Context
	cancel context.CancelFunc

	terminated atomic.Bool

	// mu guards the registry only; it is never held while work runs.
	mu    sync.Mutex
	tasks map[string]handle

	loc *time.Location

	onFailure   func(WorkFailure)
	failLimiter *rate.Limiter
	suppressed  atomic.Uint64

	hmu         sync.Mutex
	history     []HistoryItem
	historySize int
}

type Option func(*options)

type options struct {
	log          logx.Logger
	maxWorkers   int
	bus          eventbus.Bus
	obs          Observer
	onFailure    func(WorkFailure)
	failureRate  rate.Limit
	failureBurst int
	historySize  int
	loc          *time.Location
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithMaxWorkers bounds how many executions of work run at once. A task
// holds a worker only while its work runs, never while it sleeps, so the
// bound does not limit the number of live tasks. Executions beyond the bound
// wait for a free worker. n <= 0 (the default) leaves the pool unbounded.
func WithMaxWorkers(n int) Option { return func(o *options) { o.maxWorkers = n } }

// WithEventBus publishes task lifecycle events (task.*) on bus.
func WithEventBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

func WithObserver(obs Observer) Option { return func(o *options) { o.obs = obs } }

// WithFailureHandler installs a callback invoked for every failed execution of
// work. It runs on the task's goroutine; panics in fn are recovered.
func WithFailureHandler(fn func(WorkFailure)) Option {
	return func(o *options) { o.onFailure = fn }
}

// WithFailureLogRate limits how many work failures are logged per second.
// perSec <= 0 disables failure logging.
func WithFailureLogRate(perSec float64, burst int) Option {
	return func(o *options) {
		o.failureRate = rate.Limit(perSec)
		o.failureBurst = burst
	}
}

// WithHistorySize sets how many executions Snapshot keeps. n < 0 disables history.
func WithHistorySize(n int) Option { return func(o *options) { o.historySize = n } }

// WithLocation sets the time zone used to evaluate cron schedules.
func WithLocation(loc *time.Location) Option { return func(o *options) { o.loc = loc } }

func New(opts ...Option) *Scheduler {
	o := options{
		failureRate:  defaultFailureLogRate,
		failureBurst: defaultFailureBurst,
		historySize:  defaultHistorySize,
	}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.loc == nil {
		o.loc = time.Local
	}
	if o.failureBurst <= 0 {
		o.failureBurst = 1
	}
	log := o.log.With(logx.Component("scheduler"))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:         log,
		pool:        pool.New(pool.WithLogger(log), pool.WithMaxWorkers(o.maxWorkers)),
		bus:         o.bus,
		obs:         o.obs,
		ctx:         ctx,
		cancel:      cancel,
		tasks:       make(map[string]handle),
		loc:         o.loc,
		onFailure:   o.onFailure,
		historySize: o.historySize,
	}
	if s.historySize == 0 {
		s.historySize = defaultHistorySize
	}
	if o.failureRate > 0 {
		s.failLimiter = rate.NewLimiter(o.failureRate, o.failureBurst)
	}
	return s
}

// IsTerminated reports whether Terminate has been called. Once true it stays true.
func (s *Scheduler) IsTerminated() bool { return s.terminated.Load() }

// Terminate cancels every live task, clears the registry, and shuts the
// worker pool down. Executions still waiting for a worker are rejected.
// Later calls are no-ops.
func (s *Scheduler) Terminate() {
	if !s.terminated.CompareAndSwap(false, true) {
		return
	}
	start := time.Now()

	s.mu.Lock()
	live := make([]handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		live = append(live, h)
	}
	s.tasks = make(map[string]handle)
	s.mu.Unlock()

	cancelled := 0
	for _, h := range live {
		if s.cancelQuietly(h) {
			cancelled++
		}
	}

	s.cancel()
	s.pool.Shutdown()
	if s.obs != nil {
		s.obs.LiveTasks(0)
	}

	s.log.Info("scheduler terminated",
		logx.Int("cancelled", cancelled),
		logx.Duration("took", time.Since(start)),
	)
}

// cancelQuietly cancels h; a panic must not leave the remaining tasks orphaned.
func (s *Scheduler) cancelQuietly(h handle) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("task cancel panicked during terminate", logx.String("task", h.ID()), logx.Any("panic", r))
			ok = false
		}
	}()
	h.Cancel()
	return true
}

// Close terminates the scheduler. It always returns nil.
func (s *Scheduler) Close() error {
	s.Terminate()
	return nil
}

// Wait blocks until every task execution unit has exited or ctx ends.
// Call it after Terminate for a graceful shutdown.
func (s *Scheduler) Wait(ctx context.Context) error {
	return s.pool.Wait(ctx)
}

// Len returns the number of live (created or running) tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tasks returns a view of the live tasks, oldest first.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	hs := make([]handle, 0, len(s.tasks))
	for _, h := range s.tasks {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	out := make([]TaskInfo, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel cancels the live task with the given id. It reports whether such a
// task was found.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	h, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

func (s *Scheduler) register(h handle) error {
	s.mu.Lock()
	if s.terminated.Load() {
		s.mu.Unlock()
		return illegalStatef("scheduler is terminated")
	}
	s.tasks[h.ID()] = h
	n := len(s.tasks)
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.LiveTasks(n)
	}
	return nil
}

func (s *Scheduler) deregister(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	n := len(s.tasks)
	s.mu.Unlock()

	if s.obs != nil {
		s.obs.LiveTasks(n)
	}
}
