//go:build !linux

package systemd

import "context"

// Connect returns the systemctl controller; D-Bus is only used on Linux.
func Connect(context.Context) (Controller, bool) { return Systemctl{}, false }
