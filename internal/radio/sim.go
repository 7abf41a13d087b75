package radio

import (
	"context"
	"sync"

	"github.com/kstaniek/go-apa102-server/internal/link"
)

// Sim is an in-memory radio that joins immediately. Drop simulates a lost
// association until the next Connect.
type Sim struct {
	mu     sync.Mutex
	Addr   string
	joined bool
	ssid   string
}

var _ link.Radio = (*Sim)(nil)

func (s *Sim) BringUp(context.Context) error           { return nil }
func (s *Sim) EnableStationMode(context.Context) error { return nil }

func (s *Sim) Connect(ctx context.Context, ssid, _ string, _ link.AuthMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.joined = true
	s.ssid = ssid
	s.mu.Unlock()
	return nil
}

func (s *Sim) LinkStatus(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined, nil
}

func (s *Sim) LocalAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined {
		return ""
	}
	if s.Addr == "" {
		return "127.0.0.1"
	}
	return s.Addr
}

// Drop forgets the association.
func (s *Sim) Drop() {
	s.mu.Lock()
	s.joined = false
	s.mu.Unlock()
}
