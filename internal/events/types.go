package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeLink uint32 = iota + 1
	TypeSession
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// LinkKind names a readiness transition.
type LinkKind string

const (
	RadioReady LinkKind = "radio_ready"
	LinkJoined LinkKind = "link_joined"
	LinkLost   LinkKind = "link_lost"
)

// Link reports a readiness transition. A single event type carries every kind
// so subscribers observe transitions in publish order.
type Link struct {
	Kind LinkKind
	Addr string // local address, set for LinkJoined
	At   time.Time
}

// Type returns the event type identifier for Link.
func (e Link) Type() uint32 { return TypeLink }

// Session reports an ingest connection being bound or released.
type Session struct {
	Remote string
	Open   bool
	Frames uint64 // frames committed, set on close
	At     time.Time
}

// Type returns the event type identifier for Session.
func (e Session) Type() uint32 { return TypeSession }
