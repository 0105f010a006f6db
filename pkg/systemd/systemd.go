// Package systemd starts, stops, and restarts systemd units, over D-Bus when
// the system bus is reachable and through systemctl otherwise.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Action is an operation on a unit.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

var ErrClosed = errors.New("systemd connection is closed")

// ParseAction accepts start, stop, and restart (case-insensitive). Empty
// means restart.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionRestart, nil
	case ActionStart, ActionStop, ActionRestart:
		return a, nil
	default:
		return "", fmt.Errorf("unknown unit action %q (use start, stop or restart)", s)
	}
}

// UnitName appends ".service" to names without a unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// Controller runs unit actions. Do blocks until systemd reports the job
// result or ctx ends.
type Controller interface {
	Do(ctx context.Context, action Action, unit string) error
	Close() error
}

// Systemctl runs actions through the systemctl binary.
type Systemctl struct {
	// Path defaults to "systemctl".
	Path string
}

func (s Systemctl) Do(ctx context.Context, action Action, unit string) error {
	bin := s.Path
	if bin == "" {
		bin = "systemctl"
	}
	unit = UnitName(unit)
	out, err := exec.CommandContext(ctx, bin, string(action), unit).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("failed to %s %s: %w: %s", action, unit, err, msg)
		}
		return fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}
	return nil
}

func (Systemctl) Close() error { return nil }
