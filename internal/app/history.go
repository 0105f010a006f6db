package app

import (
	"context"
	"strings"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/storage"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

// Internal maintenance tasks carry this name prefix and are not recorded.
const sysTaskPrefix = "sys:"

var (
	pruneInitialDelay = time.Minute
	pruneEvery        = time.Hour
)

// recordRuns copies task.run events from the bus into store until ctx ends,
// then drains whatever is still buffered.
func recordRuns(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	write := func(e eventbus.Event) {
		rec, ok := runRecord(e)
		if !ok {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.AppendRun(wctx, rec); err != nil {
			log.Warn("run history write failed", logx.String("name", rec.Name), logx.Err(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					write(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			write(e)
		}
	}
}

func runRecord(e eventbus.Event) (storage.RunRecord, bool) {
	if e.Type != scheduler.EventRun {
		return storage.RunRecord{}, false
	}
	ev, ok := e.Data.(scheduler.TaskEvent)
	if !ok || strings.HasPrefix(ev.Name, sysTaskPrefix) {
		return storage.RunRecord{}, false
	}
	at := ev.Started
	if at.IsZero() {
		at = e.Time
	}
	return storage.RunRecord{
		At:         at,
		TaskID:     ev.ID,
		Name:       ev.Name,
		Kind:       ev.Kind,
		Run:        ev.Run,
		DurationMS: ev.Duration.Milliseconds(),
		OK:         ev.Error == "",
		Error:      ev.Error,
	}, true
}

// schedulePrune drops run records older than retention on a fixed cadence.
func schedulePrune(s *scheduler.Scheduler, store storage.Store, retention time.Duration, log logx.Logger) (*scheduler.Task[struct{}], error) {
	return scheduler.ScheduleRepeating(s, func(ctx context.Context) error {
		n, err := store.PruneRuns(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("run history pruned", logx.Int64("removed", n), logx.Duration("retention", retention))
		}
		return nil
	}, pruneInitialDelay, pruneEvery, scheduler.WithName(sysTaskPrefix+"prune"))
}
