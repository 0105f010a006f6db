package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
)

// sdNotify sends state to the service manager. It is a no-op when
// NOTIFY_SOCKET is unset.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// scheduleWatchdog pings the systemd watchdog at half of WatchdogSec.
// It returns (nil, nil) when the unit has no watchdog configured.
func scheduleWatchdog(s *scheduler.Scheduler, log logx.Logger) (*scheduler.Task[struct{}], error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, nil
	}
	every := interval / 2
	if every < 100*time.Millisecond {
		every = 100 * time.Millisecond
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	return scheduler.ScheduleRepeating(s, func(context.Context) error {
		_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		return err
	}, 0, every, scheduler.WithName(sysTaskPrefix+"watchdog"))
}
