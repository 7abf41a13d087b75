package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher. Each subscriber receives events on
// its own goroutine, in publish order.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish delivers ev to all subscribers of its type. A nil bus drops events.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case Link:
		event.Publish(b.dispatcher, e)
	case Session:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler; its parameter type selects the events it
// receives. Returns an unsubscribe function.
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(Link):
		return event.Subscribe(b.dispatcher, h)
	case func(Session):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
