package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/events"
	"github.com/kstaniek/go-apa102-server/internal/link"
	"github.com/kstaniek/go-apa102-server/internal/radio"
)

// initSupervisor builds the radio backend and the link supervisor around it.
func initSupervisor(cfg *appConfig, bus *events.Bus, l *slog.Logger) (*link.Supervisor, error) {
	auth, err := link.ParseAuthMode(cfg.auth)
	if err != nil {
		return nil, err
	}
	var r link.Radio
	switch cfg.radio {
	case "nmcli":
		n := &radio.NMCLI{Iface: cfg.iface, Logger: l}
		if cfg.probeTarget != "" {
			n.Probe = radio.PingProbe{Target: cfg.probeTarget, Timeout: 2 * time.Second}
		}
		r = n
	case "sim":
		r = &radio.Sim{}
	default:
		return nil, fmt.Errorf("unknown radio %q (use nmcli|sim)", cfg.radio)
	}
	l.Info("link_config", "radio", cfg.radio, "iface", cfg.iface, "ssid", cfg.ssid, "auth", auth,
		"attempts", cfg.joinAttempts, "backoff", cfg.joinBackoff, "timeout", cfg.joinTimeout, "health", cfg.healthInterval)
	return link.NewSupervisor(r,
		link.WithRetryPolicy(cfg.retryPolicy()),
		link.WithCredentials(cfg.ssid, cfg.credential, auth),
		link.WithHealthInterval(cfg.healthInterval),
		link.WithEvents(bus),
		link.WithLogger(l),
	), nil
}
