package scheduler

import (
	"time"

	"taskd/internal/eventbus"
	logx "taskd/pkg/logx"
)

// taskMeta is the part of a task every lifecycle note needs.
type taskMeta interface {
	ID() string
	Name() string
	Kind() Kind
}

func eventOf(t taskMeta) TaskEvent {
	return TaskEvent{ID: t.ID(), Name: t.Name(), Kind: t.Kind().String()}
}

func (s *Scheduler) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Scheduler) noteScheduled(t taskMeta) {
	s.log.Debug("task scheduled", logx.String("task", t.ID()), logx.String("name", t.Name()), logx.String("kind", t.Kind().String()))
	if s.obs != nil {
		s.obs.TaskScheduled(t.Kind())
	}
	s.publish(EventScheduled, eventOf(t))
}

func (s *Scheduler) noteRun(t taskMeta, run uint64, started time.Time, took time.Duration, err error) {
	if s.obs != nil {
		s.obs.TaskRun(t.Kind(), took, err)
	}

	ev := eventOf(t)
	ev.Run = run
	ev.Started = started
	ev.Duration = took
	if err != nil {
		ev.Error = err.Error()
	}
	s.appendHistory(HistoryItem{
		ID:       ev.ID,
		Name:     ev.Name,
		Kind:     ev.Kind,
		Run:      run,
		Started:  started,
		Duration: took,
		Error:    ev.Error,
	})
	s.publish(EventRun, ev)
}

func (s *Scheduler) noteCancelled(t taskMeta) {
	s.log.Debug("task cancelled", logx.String("task", t.ID()), logx.String("name", t.Name()))
	if s.obs != nil {
		s.obs.TaskCancelled(t.Kind())
	}
	s.publish(EventCancelled, eventOf(t))
}

func (s *Scheduler) noteFinished(t taskMeta) {
	s.log.Debug("task done", logx.String("task", t.ID()), logx.String("name", t.Name()))
	if s.obs != nil {
		s.obs.TaskFinished(t.Kind())
	}
	s.publish(EventDone, eventOf(t))
}

// reportFailure is the side channel for contained work failures.
// Nothing here may propagate into the task loop.
func (s *Scheduler) reportFailure(f WorkFailure) {
	if s.onFailure != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("failure handler panicked", logx.String("task", f.TaskID), logx.Any("panic", r))
				}
			}()
			s.onFailure(f)
		}()
	}

	s.publish(EventFailed, TaskEvent{
		ID:       f.TaskID,
		Name:     f.TaskName,
		Kind:     f.Kind.String(),
		Run:      f.Run,
		Started:  f.Started,
		Duration: f.Duration,
		Error:    f.Err.Error(),
		Panicked: f.Panicked,
	})

	if s.failLimiter == nil {
		return
	}
	if !s.failLimiter.Allow() {
		s.suppressed.Add(1)
		return
	}
	fields := []logx.Field{
		logx.String("task", f.TaskID),
		logx.String("name", f.TaskName),
		logx.String("kind", f.Kind.String()),
		logx.Uint64("run", f.Run),
		logx.Duration("took", f.Duration),
		logx.Err(f.Err),
	}
	if f.Panicked {
		fields = append(fields, logx.Stack(f.Stack))
	}
	if n := s.suppressed.Swap(0); n > 0 {
		fields = append(fields, logx.Uint64("suppressed", n))
	}
	s.log.Warn("task work failed", fields...)
}

func (s *Scheduler) appendHistory(it HistoryItem) {
	if s.historySize <= 0 {
		return
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if over := len(s.history) - s.historySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.hmu.Unlock()
}

// Snapshot is intended for observability/debug output, not for synchronization.
func (s *Scheduler) Snapshot() Snapshot {
	tasks := s.Tasks()

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Terminated:            s.IsTerminated(),
		Live:                  len(tasks),
		Tasks:                 tasks,
		Pool:                  s.pool.Snapshot(),
		History:               hist,
		SuppressedFailureLogs: s.suppressed.Load(),
	}
}
