package app

import (
	"context"
	"slices"
	"strings"

	"taskd/internal/config"
	logx "taskd/pkg/logx"
)

// Sections that are read once at startup.
var restartOnlySections = []string{"scheduler", "storage", "systemd"}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range restartOnlySections {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if slices.Contains(sections, "admin") {
		acfg, err := mapAdminConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
		} else {
			a.admin.Reconfigure(ctx, acfg)
		}
	}

	if len(jobsChanged) > 0 {
		a.log.Debug("job changes detected", logx.Any("jobs", jobsChanged))
		if err := a.jobs.Apply(newCfg.Jobs); err != nil {
			a.log.Warn("some jobs could not be scheduled", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}
