//go:build linux

package systemd

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Connect opens a D-Bus connection to the system manager. When the bus is
// unreachable it falls back to systemctl and reports which one it chose.
func Connect(ctx context.Context) (Controller, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return Systemctl{}, false
	}
	return &busController{conn: conn}, true
}

type busController struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

func (c *busController) Do(ctx context.Context, action Action, unit string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ErrClosed
	}

	unit = UnitName(unit)
	result := make(chan string, 1)
	var err error
	switch action {
	case ActionStart:
		_, err = c.conn.StartUnitContext(ctx, unit, "replace", result)
	case ActionStop:
		_, err = c.conn.StopUnitContext(ctx, unit, "replace", result)
	case ActionRestart:
		_, err = c.conn.RestartUnitContext(ctx, unit, "replace", result)
	default:
		return fmt.Errorf("unknown unit action %q", action)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-result:
		if r != "done" {
			return fmt.Errorf("failed to %s %s: job %s", action, unit, r)
		}
		return nil
	}
}

func (c *busController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}
