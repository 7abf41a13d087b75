package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-apa102-server/internal/events"
)

const mdnsServiceType = "_apa102._tcp"

// registerMDNS is a hook for tests.
var registerMDNS = func(instance string, port int, meta []string) (func(), error) {
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return svc.Shutdown, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("apa102-%s", host)
}

func mdnsMeta(cfg *appConfig) []string {
	return []string{
		"strip_length=" + strconv.Itoa(cfg.stripLength),
		"backend=" + cfg.backend,
		"version=" + version,
		"commit=" + commit,
	}
}

// advertiser keeps the mDNS registration in step with the link: it registers
// on link_joined (the address may have changed) and withdraws on link_lost.
type advertiser struct {
	mu       sync.Mutex
	cfg      *appConfig
	port     int
	shutdown func()
	l        *slog.Logger
}

func (a *advertiser) onLink(e events.Link) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch e.Kind {
	case events.LinkJoined:
		a.stopLocked()
		stop, err := registerMDNS(mdnsInstance(a.cfg), a.port, mdnsMeta(a.cfg))
		if err != nil {
			a.l.Warn("mdns_start_failed", "error", err)
			return
		}
		a.shutdown = stop
		a.l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(a.cfg), "port", a.port, "addr", e.Addr)
	case events.LinkLost:
		if a.shutdown != nil {
			a.l.Info("mdns_withdrawn")
		}
		a.stopLocked()
	}
}

func (a *advertiser) stopLocked() {
	if a.shutdown != nil {
		a.shutdown()
		a.shutdown = nil
	}
}

// startMDNS advertises port while the link is joined. The caller must invoke
// it only once the listener is bound, which implies the link is up.
func startMDNS(ctx context.Context, cfg *appConfig, port int, bus *events.Bus, addr string, l *slog.Logger) func() {
	if !cfg.mdnsEnable {
		return func() {}
	}
	a := &advertiser{cfg: cfg, port: port, l: l}
	a.onLink(events.Link{Kind: events.LinkJoined, Addr: addr})
	unsub := bus.Subscribe(a.onLink)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsub()
			a.mu.Lock()
			a.stopLocked()
			a.mu.Unlock()
		})
	}
	go func() { <-ctx.Done(); stop() }()
	return stop
}
