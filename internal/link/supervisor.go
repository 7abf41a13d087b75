package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/events"
	"github.com/kstaniek/go-apa102-server/internal/logging"
	"github.com/kstaniek/go-apa102-server/internal/metrics"
)

const defaultHealthInterval = 5 * time.Second

// sleepFn waits d or until ctx is done. Tests replace it to observe backoff.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supervisor owns the wireless link lifecycle and the two readiness gates.
// Only the supervisor mutates the gates; everyone else waits or queries.
type Supervisor struct {
	radio  Radio
	policy RetryPolicy
	health time.Duration

	ssid       string
	credential string
	auth       AuthMode

	radioReady *Gate
	linkJoined *Gate

	// mu orders gate transitions with their events.
	mu     sync.Mutex
	bus    *events.Bus
	logger *slog.Logger
}

type SupervisorOption func(*Supervisor)

// NewSupervisor builds a supervisor around radio with default policy and WPA2-PSK auth.
func NewSupervisor(radio Radio, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		radio:      radio,
		policy:     DefaultRetryPolicy(),
		health:     defaultHealthInterval,
		auth:       AuthWPA2PSK,
		radioReady: NewGate(),
		linkJoined: NewGate(),
		logger:     logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	s.policy = s.policy.normalized()
	return s
}

func WithRetryPolicy(p RetryPolicy) SupervisorOption {
	return func(s *Supervisor) { s.policy = p }
}

// WithCredentials sets the network joined by Run.
func WithCredentials(ssid, credential string, auth AuthMode) SupervisorOption {
	return func(s *Supervisor) {
		s.ssid = ssid
		s.credential = credential
		if auth != "" {
			s.auth = auth
		}
	}
}

func WithHealthInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.health = d
		}
	}
}

func WithEvents(b *events.Bus) SupervisorOption { return func(s *Supervisor) { s.bus = b } }

func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// Policy returns the effective retry policy.
func (s *Supervisor) Policy() RetryPolicy { return s.policy }

// BringUpRadio initializes the radio and enables station mode. It is meant to
// be called once; a failure is fatal for the process and is never retried.
func (s *Supervisor) BringUpRadio(ctx context.Context) error {
	if s.radioReady.IsSet() {
		return nil
	}
	if err := s.radio.BringUp(ctx); err != nil {
		metrics.IncError(metrics.ErrRadio)
		return fmt.Errorf("%w: %v", ErrRadioBringUp, err)
	}
	if err := s.radio.EnableStationMode(ctx); err != nil {
		metrics.IncError(metrics.ErrRadio)
		return fmt.Errorf("%w: station mode: %v", ErrRadioBringUp, err)
	}
	s.mu.Lock()
	if s.radioReady.Set() {
		metrics.SetRadioReady(true)
		s.bus.Publish(events.Link{Kind: events.RadioReady, At: time.Now()})
	}
	s.mu.Unlock()
	s.logger.Info("radio_ready")
	return nil
}

// Join runs one join cycle: station mode, then up to MaxAttempts association
// attempts, each bounded by Timeout, with Backoff between failed attempts. It
// never loops beyond that.
func (s *Supervisor) Join(ctx context.Context, ssid, credential string) error {
	if !s.radioReady.IsSet() {
		return ErrRadioNotReady
	}
	// re-asserted every cycle; a dropped link may leave the radio out of station mode
	if err := s.radio.EnableStationMode(ctx); err != nil {
		metrics.IncError(metrics.ErrRadio)
		metrics.IncJoinFailure()
		return fmt.Errorf("%w: station mode: %v", ErrJoinAttempt, err)
	}
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		metrics.IncJoinAttempt()
		actx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
		err := s.radio.Connect(actx, ssid, credential, s.auth)
		cancel()
		if err == nil {
			s.markJoined()
			return nil
		}
		lastErr = fmt.Errorf("%w: attempt %d: %v", ErrJoinAttempt, attempt, err)
		metrics.IncError(metrics.ErrJoin)
		s.logger.Warn("join_attempt_failed", "ssid", ssid, "attempt", attempt, "max", s.policy.MaxAttempts, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < s.policy.MaxAttempts {
			if err := sleepFn(ctx, s.policy.Backoff); err != nil {
				return err
			}
		}
	}
	metrics.IncJoinFailure()
	return fmt.Errorf("%w after %d: %w", ErrJoinExhausted, s.policy.MaxAttempts, lastErr)
}

// IsLinkUp queries the radio and syncs the joined gate to the answer. A status
// error counts as down. The joined gate is never raised before radio ready.
func (s *Supervisor) IsLinkUp(ctx context.Context) bool {
	if !s.radioReady.IsSet() {
		return false
	}
	up, err := s.radio.LinkStatus(ctx)
	if err != nil {
		metrics.IncError(metrics.ErrLinkStatus)
		s.logger.Warn("link_status_error", "error", err)
		up = false
	}
	if up {
		s.markJoined()
	} else {
		s.markLost()
	}
	return up
}

func (s *Supervisor) markJoined() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.radioReady.IsSet() || !s.linkJoined.Set() {
		return
	}
	addr := s.radio.LocalAddress()
	metrics.SetLinkUp(true)
	s.bus.Publish(events.Link{Kind: events.LinkJoined, Addr: addr, At: time.Now()})
	s.logger.Info("link_joined", "ssid", s.ssid, "addr", addr)
}

func (s *Supervisor) markLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.linkJoined.Clear() {
		return
	}
	metrics.SetLinkUp(false)
	metrics.IncLinkLost()
	s.bus.Publish(events.Link{Kind: events.LinkLost, At: time.Now()})
	s.logger.Warn("link_lost")
}

// WaitForRadioReady blocks until the radio is up or ctx is done.
func (s *Supervisor) WaitForRadioReady(ctx context.Context) error { return s.radioReady.Wait(ctx) }

// WaitForLinkJoined blocks until the link is joined or ctx is done.
func (s *Supervisor) WaitForLinkJoined(ctx context.Context) error { return s.linkJoined.Wait(ctx) }

func (s *Supervisor) RadioReady() bool { return s.radioReady.IsSet() }
func (s *Supervisor) LinkJoined() bool { return s.linkJoined.IsSet() }

// Run brings the radio up, joins, then checks link health forever, rejoining
// whenever the link drops. A failed join cycle is logged and retried after the
// health interval. Run returns only on bring-up failure or ctx cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.BringUpRadio(ctx); err != nil {
		s.logger.Error("radio_bring_up_failed", "error", err)
		return err
	}
	if err := s.joinCycle(ctx); err != nil {
		if err := sleepFn(ctx, s.health); err != nil {
			return err
		}
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.IsLinkUp(ctx) {
			if err := sleepFn(ctx, s.health); err != nil {
				return err
			}
			continue
		}
		s.logger.Info("link_down_rejoin", "ssid", s.ssid)
		if err := s.joinCycle(ctx); err != nil {
			if err := sleepFn(ctx, s.health); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) joinCycle(ctx context.Context) error {
	err := s.Join(ctx, s.ssid, s.credential)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("join_failed", "ssid", s.ssid, "error", err)
	}
	return err
}
