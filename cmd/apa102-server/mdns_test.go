package main

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/kstaniek/go-apa102-server/internal/events"
)

type mdnsRecorder struct {
	mu         sync.Mutex
	registered int
	withdrawn  int
	lastPort   int
	lastMeta   []string
}

func (r *mdnsRecorder) install(t *testing.T) {
	orig := registerMDNS
	registerMDNS = func(instance string, port int, meta []string) (func(), error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.registered++
		r.lastPort = port
		r.lastMeta = meta
		return func() {
			r.mu.Lock()
			r.withdrawn++
			r.mu.Unlock()
		}, nil
	}
	t.Cleanup(func() { registerMDNS = orig })
}

func TestAdvertiserFollowsLink(t *testing.T) {
	rec := &mdnsRecorder{}
	rec.install(t)
	cfg := validConfig()
	cfg.mdnsName = "bench"
	a := &advertiser{cfg: cfg, port: 4242, l: quietLogger()}

	a.onLink(events.Link{Kind: events.LinkJoined, Addr: "10.0.0.5"})
	a.onLink(events.Link{Kind: events.LinkLost})
	a.onLink(events.Link{Kind: events.LinkLost})
	a.onLink(events.Link{Kind: events.LinkJoined, Addr: "10.0.0.6"})
	a.onLink(events.Link{Kind: events.LinkJoined, Addr: "10.0.0.7"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.registered != 3 {
		t.Fatalf("expected 3 registrations, got %d", rec.registered)
	}
	// lost once, then re-registration replaces the previous entry
	if rec.withdrawn != 2 {
		t.Fatalf("expected 2 withdrawals, got %d", rec.withdrawn)
	}
	if rec.lastPort != 4242 || !slices.Contains(rec.lastMeta, "strip_length=60") {
		t.Fatalf("unexpected registration port=%d meta=%v", rec.lastPort, rec.lastMeta)
	}
}

func TestAdvertiserIgnoresRadioReady(t *testing.T) {
	rec := &mdnsRecorder{}
	rec.install(t)
	a := &advertiser{cfg: validConfig(), port: 1, l: quietLogger()}
	a.onLink(events.Link{Kind: events.RadioReady})
	if rec.registered != 0 || rec.withdrawn != 0 {
		t.Fatalf("radio_ready should not touch the registration")
	}
}

func TestMDNSInstanceName(t *testing.T) {
	cfg := validConfig()
	cfg.mdnsName = "porch"
	if got := mdnsInstance(cfg); got != "porch" {
		t.Fatalf("expected explicit name, got %q", got)
	}
	cfg.mdnsName = ""
	if got := mdnsInstance(cfg); len(got) < len("apa102-") || got[:7] != "apa102-" {
		t.Fatalf("expected apa102- prefix, got %q", got)
	}
}

func TestStartMDNSDisabled(t *testing.T) {
	rec := &mdnsRecorder{}
	rec.install(t)
	stop := startMDNS(testContext(t), validConfig(), 4242, events.New(), "", quietLogger())
	stop()
	if rec.registered != 0 {
		t.Fatalf("disabled mdns should not register")
	}
}

func TestStartMDNSStop(t *testing.T) {
	rec := &mdnsRecorder{}
	rec.install(t)
	cfg := validConfig()
	cfg.mdnsEnable = true
	stop := startMDNS(testContext(t), cfg, 4242, events.New(), "10.0.0.5", quietLogger())
	stop()
	stop()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.registered != 1 || rec.withdrawn != 1 {
		t.Fatalf("expected one register and one withdraw, got %d/%d", rec.registered, rec.withdrawn)
	}
}

// testContext returns a context cancelled when the test finishes
// (equivalent to testing.T.Context, which requires Go 1.24).
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
