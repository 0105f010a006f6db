package config

// Config is the daemon configuration. Files may be JSON, YAML, or TOML; all
// formats decode through the same strict JSON decoder.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Admin     AdminConfig     `json:"admin,omitempty"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the task scheduler.
//
// Defaults (when fields are omitted/zero):
//   - max_workers: 0 (no limit on concurrent work executions)
//   - history_size: 200
//   - failure_log_rate: 1 per second, burst 10; an explicit 0 turns
//     failure logging off
//   - shutdown_timeout: "10s"
//   - timezone: local time
//
// Pool settings and the timezone apply at startup only.
type SchedulerConfig struct {
	MaxWorkers      int      `json:"max_workers,omitempty"`
	HistorySize     int      `json:"history_size,omitempty"`
	FailureLogRate  *float64 `json:"failure_log_rate,omitempty"`
	FailureLogBurst int      `json:"failure_log_burst,omitempty"`
	// ShutdownTimeout is a Go duration string (e.g. "10s").
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// StorageConfig controls run-history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskd.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	// Retention drops run records older than this duration. "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
}

// AdminConfig controls the admin HTTP server (/metrics, /tasks, /debug/pprof/).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SystemdConfig controls sd_notify integration. Both are no-ops when the
// process is not started by systemd.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// JobConfig declares one scheduled command or systemd unit action.
//
// Exactly one of Schedule (cron or interval, see the scheduler's
// ParseSchedule) and Delay (run once) must be set, and exactly one of
// Command and Unit.
type JobConfig struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule,omitempty"`
	Delay    string   `json:"delay,omitempty"`
	Command  []string `json:"command,omitempty"`
	// Unit is a systemd unit ("nginx" means "nginx.service"); Action is
	// start, stop, or restart (default).
	Unit    string   `json:"unit,omitempty"`
	Action  string   `json:"action,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
	// Enabled is a pointer so we can distinguish "omitted" (enabled) from an explicit false.
	Enabled *bool `json:"enabled,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }
