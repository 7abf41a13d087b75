// Package statusled mirrors the link_joined state on a GPIO-driven LED.
package statusled

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/kstaniek/go-apa102-server/internal/events"
	"github.com/kstaniek/go-apa102-server/internal/logging"
)

var ErrPinNotFound = errors.New("status led pin not found")

// Pin is the part of gpio.PinOut the LED needs.
type Pin interface {
	Out(l gpio.Level) error
}

// hostInit loads the periph host drivers; safe to call repeatedly.
var hostInit = func() error { _, err := host.Init(); return err }

// byName resolves a pin from the periph registry. Replaced in tests.
var byName = func(name string) Pin {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil
	}
	return p
}

// LED drives a single status pin.
type LED struct {
	mu        sync.Mutex
	pin       Pin
	activeLow bool
	on        bool
}

// Open resolves name (e.g. "GPIO17") and switches the LED off.
func Open(name string, activeLow bool) (*LED, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("status led: host init: %w", err)
	}
	p := byName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPinNotFound, name)
	}
	l := &LED{pin: p, activeLow: activeLow}
	if err := l.Set(false); err != nil {
		return nil, err
	}
	return l, nil
}

// Set switches the LED.
func (l *LED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	level := gpio.Level(on != l.activeLow)
	if err := l.pin.Out(level); err != nil {
		return fmt.Errorf("status led: %w", err)
	}
	l.on = on
	return nil
}

// On reports the last state written.
func (l *LED) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Follow subscribes the LED to link transitions: on when joined, off when
// lost. Returns the unsubscribe function.
func (l *LED) Follow(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.Link) {
		var err error
		switch e.Kind {
		case events.LinkJoined:
			err = l.Set(true)
		case events.LinkLost:
			err = l.Set(false)
		}
		if err != nil {
			logging.L().Warn("status_led_error", "error", err)
		}
	})
}
