// Package pool runs named execution units on goroutines owned by a single Pool.
//
// A Pool is created by its owner, receives units through Submit, and is shut
// down exactly once. Units are panic-safe; a panic is logged and recorded in
// the per-name stats but never crashes the process.
//
// A bounded pool limits how many units hold a worker slot at once. Units take
// a slot with Acquire around the part that does work and give it back with
// Release, so a unit that is merely waiting holds no slot.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "taskd/pkg/logx"
)

var ErrClosed = errors.New("pool closed")

// Pool manages goroutines tied to a shared context.
//   - Named units (for logging/debug)
//   - Panic recovery
//   - Optional bound on busy slots (Acquire waits for a free permit)
//   - Shutdown rejects units still waiting for a permit
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	// nil when the pool is unbounded.
	permits    chan struct{}
	maxWorkers int

	// Counters are best-effort operational metrics.
	started  uint64
	active   int64
	busy     int64
	waiting  int64
	rejected uint64
	panics   uint64

	mu     sync.Mutex
	closed bool
	stats  map[string]*unitStats

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}
}

type Option func(*Pool)

func WithLogger(log logx.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// WithMaxWorkers bounds the number of slots held through Acquire at once.
// n <= 0 keeps the pool unbounded.
func WithMaxWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxWorkers = n
		}
	}
}

// Counters exposes best-effort unit counters.
type Counters struct {
	Active   int64  `json:"active"`
	Busy     int64  `json:"busy"`
	Waiting  int64  `json:"waiting"`
	Started  uint64 `json:"started"`
	Rejected uint64 `json:"rejected"`
	Panics   uint64 `json:"panics"`
}

// UnitStats is an aggregated view of units submitted under the same name.
type UnitStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// Snapshot is a point-in-time view of a pool.
type Snapshot struct {
	MaxWorkers int         `json:"max_workers"`
	Closed     bool        `json:"closed"`
	Counters   Counters    `json:"counters"`
	Units      []UnitStats `json:"units"`
}

type unitStats struct {
	active       int64
	started      uint64
	panics       uint64
	lastStartAt  time.Time
	lastStopAt   time.Time
	lastPanic    string
	totalRuntime time.Duration
}

func New(opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*unitStats{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.maxWorkers > 0 {
		p.permits = make(chan struct{}, p.maxWorkers)
		for i := 0; i < p.maxWorkers; i++ {
			p.permits <- struct{}{}
		}
	}
	return p
}

// Context is cancelled by Shutdown.
func (p *Pool) Context() context.Context { return p.ctx }

func (p *Pool) MaxWorkers() int { return p.maxWorkers }

func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Submit starts fn on its own goroutine.
//
// fn receives the pool context, which is cancelled on Shutdown.
func (p *Pool) Submit(name string, fn func(ctx context.Context)) error {
	if fn == nil {
		return errors.New("pool: nil unit")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		p.run(name, fn)
	}()
	return nil
}

// Acquire takes a worker slot, waiting for one if the pool is bounded.
//
// It reports false, holding nothing, when ctx ends or the pool shuts down
// first. Every successful Acquire must be paired with Release.
func (p *Pool) Acquire(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.permits == nil {
		if p.ctx.Err() != nil || ctx.Err() != nil {
			atomic.AddUint64(&p.rejected, 1)
			return false
		}
		atomic.AddInt64(&p.busy, 1)
		return true
	}

	atomic.AddInt64(&p.waiting, 1)
	defer atomic.AddInt64(&p.waiting, -1)
	select {
	case <-p.ctx.Done():
	case <-ctx.Done():
	case <-p.permits:
		// A permit and shutdown may be ready at the same time; shutdown wins.
		if p.ctx.Err() == nil && ctx.Err() == nil {
			atomic.AddInt64(&p.busy, 1)
			return true
		}
		p.permits <- struct{}{}
	}
	atomic.AddUint64(&p.rejected, 1)
	return false
}

// Release returns a slot taken by Acquire.
func (p *Pool) Release() {
	atomic.AddInt64(&p.busy, -1)
	if p.permits != nil {
		p.permits <- struct{}{}
	}
}

func (p *Pool) run(name string, fn func(ctx context.Context)) {
	atomic.AddUint64(&p.started, 1)
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	startedAt := p.noteStart(name)

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.panics, 1)
			p.notePanic(name, r)
			if !p.log.IsZero() {
				p.log.Error("unit panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}
		p.noteStop(name, startedAt)
	}()

	fn(p.ctx)
}

// Shutdown cancels the pool context and rejects further submissions.
// Acquire calls still waiting for a permit fail; running units observe
// ctx.Done().
// It is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}

// Wait blocks until every submitted unit has returned or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	p.doneOnce.Do(func() {
		go func() {
			p.wg.Wait()
			close(p.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.doneCh:
		return nil
	}
}

// Stop is Shutdown followed by Wait.
func (p *Pool) Stop(ctx context.Context) error {
	p.Shutdown()
	if err := p.Wait(ctx); err != nil {
		return fmt.Errorf("pool stop: %w", err)
	}
	return nil
}

func (p *Pool) Counters() Counters {
	if p == nil {
		return Counters{}
	}
	return Counters{
		Active:   atomic.LoadInt64(&p.active),
		Busy:     atomic.LoadInt64(&p.busy),
		Waiting:  atomic.LoadInt64(&p.waiting),
		Started:  atomic.LoadUint64(&p.started),
		Rejected: atomic.LoadUint64(&p.rejected),
		Panics:   atomic.LoadUint64(&p.panics),
	}
}

// Snapshot is intended for observability/debug output, not for synchronization.
func (p *Pool) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	snap := Snapshot{MaxWorkers: p.maxWorkers, Counters: p.Counters()}

	p.mu.Lock()
	snap.Closed = p.closed
	us := make([]UnitStats, 0, len(p.stats))
	for name, st := range p.stats {
		us = append(us, UnitStats{
			Name:         name,
			Active:       st.active,
			Started:      st.started,
			Panics:       st.panics,
			LastStartAt:  st.lastStartAt,
			LastStopAt:   st.lastStopAt,
			LastPanic:    st.lastPanic,
			TotalRuntime: st.totalRuntime,
		})
	}
	p.mu.Unlock()

	sort.Slice(us, func(i, j int) bool {
		// Active first, then most recently started, then name.
		if us[i].Active != us[j].Active {
			return us[i].Active > us[j].Active
		}
		if !us[i].LastStartAt.Equal(us[j].LastStartAt) {
			return us[i].LastStartAt.After(us[j].LastStartAt)
		}
		return us[i].Name < us[j].Name
	})
	snap.Units = us
	return snap
}

func (p *Pool) statsLocked(name string) *unitStats {
	st := p.stats[name]
	if st == nil {
		st = &unitStats{}
		p.stats[name] = st
	}
	return st
}

func (p *Pool) noteStart(name string) time.Time {
	now := time.Now()
	p.mu.Lock()
	st := p.statsLocked(name)
	st.started++
	st.active++
	st.lastStartAt = now
	p.mu.Unlock()
	return now
}

func (p *Pool) noteStop(name string, startedAt time.Time) {
	now := time.Now()
	p.mu.Lock()
	st := p.statsLocked(name)
	if st.active > 0 {
		st.active--
	}
	st.lastStopAt = now
	st.totalRuntime += now.Sub(startedAt)
	p.mu.Unlock()
}

func (p *Pool) notePanic(name string, r any) {
	p.mu.Lock()
	st := p.statsLocked(name)
	st.panics++
	st.lastPanic = fmt.Sprint(r)
	p.mu.Unlock()
}
