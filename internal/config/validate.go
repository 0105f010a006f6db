package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	logx "taskd/pkg/logx"
)

const DefaultAdminAddr = "127.0.0.1:9464"

// Validate checks the structural rules of cfg. Job schedules are validated
// by the jobs package, which knows the schedule grammar.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	sc := cfg.Scheduler
	if sc.MaxWorkers < 0 {
		add(errors.New("scheduler.max_workers must be >= 0"))
	}
	if sc.FailureLogRate != nil && *sc.FailureLogRate < 0 {
		add(errors.New("scheduler.failure_log_rate must be >= 0"))
	}
	if sc.FailureLogBurst < 0 {
		add(errors.New("scheduler.failure_log_burst must be >= 0"))
	}
	_, err := ParseDurationField("scheduler.shutdown_timeout", sc.ShutdownTimeout)
	add(err)
	_, err = sc.Location()
	add(err)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path is required for driver %q", st.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
		_, err = ParseDurationField("storage.retention", st.Retention)
		add(err)
	}

	add(validateAdmin(cfg.Admin))

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("%s.name is required", path))
		} else {
			if _, dup := seen[name]; dup {
				add(fmt.Errorf("%s.name: duplicate job %q", path, name))
			}
			seen[name] = struct{}{}
			path = fmt.Sprintf("jobs[%s]", name)
		}
		hasSchedule := strings.TrimSpace(j.Schedule) != ""
		hasDelay := strings.TrimSpace(j.Delay) != ""
		if hasSchedule == hasDelay {
			add(fmt.Errorf("%s: exactly one of schedule or delay must be set", path))
		}
		hasCommand := len(j.Command) > 0 && strings.TrimSpace(j.Command[0]) != ""
		hasUnit := strings.TrimSpace(j.Unit) != ""
		switch {
		case hasCommand && hasUnit:
			add(fmt.Errorf("%s: command and unit are mutually exclusive", path))
		case !hasCommand && !hasUnit:
			add(fmt.Errorf("%s.command is required unless unit is set", path))
		case len(j.Command) > 0 && !hasCommand:
			add(fmt.Errorf("%s.command is required", path))
		}
		if strings.TrimSpace(j.Action) != "" && !hasUnit {
			add(fmt.Errorf("%s.action requires unit", path))
		}
		_, err = ParseDurationField(path+".delay", j.Delay)
		add(err)
		_, err = ParseDurationField(path+".timeout", j.Timeout)
		add(err)
	}

	return errors.Join(errs...)
}

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []error
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = DefaultAdminAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		errs = append(errs, fmt.Errorf("admin.addr: %w", err))
	} else if !isLoopback(host) && strings.TrimSpace(a.Token) == "" && !a.AllowInsecure {
		errs = append(errs, fmt.Errorf("admin.addr %q is not loopback: set admin.token or admin.allow_insecure", addr))
	}
	for _, f := range []struct{ path, raw string }{
		{"admin.read_timeout", a.ReadTimeout},
		{"admin.write_timeout", a.WriteTimeout},
		{"admin.idle_timeout", a.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
