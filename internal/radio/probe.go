package radio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ping/ping"
)

var ErrProbe = errors.New("probe unanswered")

// Prober checks end-to-end reachability beyond the interface flags.
type Prober interface {
	Probe(ctx context.Context) error
}

// PingProbe sends a single ICMP echo to Target (usually the gateway).
type PingProbe struct {
	Target     string
	Timeout    time.Duration
	Privileged bool // raw ICMP needs CAP_NET_RAW; unprivileged uses UDP ping sockets
}

func (p PingProbe) Probe(ctx context.Context) error {
	pinger, err := ping.NewPinger(p.Target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbe, err)
	}
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	if pinger.Timeout <= 0 {
		pinger.Timeout = 2 * time.Second
	}
	stop := context.AfterFunc(ctx, pinger.Stop)
	defer stop()
	if err := pinger.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrProbe, err)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("%w: %s", ErrProbe, p.Target)
	}
	return nil
}
