package app

import (
	"strings"
	"time"

	"taskd/internal/config"
	"taskd/internal/observability/admin"
	"taskd/internal/storage"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns enabled=false when the storage block is absent or
// names the "none" driver.
func mapStorageConfig(cfg *config.Config) (storage.Config, time.Duration, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, 0, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, 0, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, 0, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, retention, true, nil
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("admin.write_timeout", a.WriteTimeout, 30*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = admin.DefaultAddr
	}
	return admin.Config{
		Enabled:       a.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// schedulerOptions maps the startup-only scheduler settings.
func schedulerOptions(cfg *config.Config) ([]scheduler.Option, error) {
	sc := cfg.Scheduler
	loc, err := sc.Location()
	if err != nil {
		return nil, err
	}
	opts := []scheduler.Option{
		scheduler.WithMaxWorkers(sc.MaxWorkers),
		scheduler.WithLocation(loc),
	}
	if sc.HistorySize != 0 {
		opts = append(opts, scheduler.WithHistorySize(sc.HistorySize))
	}
	if sc.FailureLogRate != nil || sc.FailureLogBurst != 0 {
		rate := 1.0
		if sc.FailureLogRate != nil {
			rate = *sc.FailureLogRate
		}
		opts = append(opts, scheduler.WithFailureLogRate(rate, sc.FailureLogBurst))
	}
	return opts, nil
}
