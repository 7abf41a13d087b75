package main

import (
	"log/slog"

	"github.com/coreos/go-systemd/v22/daemon"
)

// sdNotify is a hook for tests.
var sdNotify = daemon.SdNotify

// notifySystemd reports state to the service manager. It is a no-op outside systemd.
func notifySystemd(state string, l *slog.Logger) {
	sent, err := sdNotify(false, state)
	if err != nil {
		l.Warn("sd_notify_error", "state", state, "error", err)
		return
	}
	if sent {
		l.Debug("sd_notify", "state", state)
	}
}
