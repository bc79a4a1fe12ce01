// Package overlay lets several consoles share the single rover channel.
//
// Exactly one console runs the Broker: it owns the rover channel, keeps the authoritative
// application state and accepts stream connections from Peers. A Peer keeps a replica of
// the state fed by the broker and sends user intents to the broker only.
package overlay

import (
	"time"

	"github.com/roverlink/roverlink/internal/appstate"
	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/protocol"
)

// ChannelName is announced on every broker/peer connection
const ChannelName = "overlay"

const (
	DefaultPeerRate  = 200
	DefaultPeerBurst = 400
)

type EventKind string

const (
	// EventMessage is a message applied to or relayed through this node
	EventMessage EventKind = "message"
	// EventUpstream is a state change of the node's own channel (rover or broker)
	EventUpstream EventKind = "upstream"
	EventPeerJoined EventKind = "peer_joined"
	EventPeerLeft   EventKind = "peer_left"
	// EventDropped is a message refused by routing or rate limiting
	EventDropped EventKind = "dropped"
)

// Event is emitted on the loop for observers such as the API hub, metrics and storage
type Event struct {
	Kind    EventKind
	Time    time.Time
	PeerID  string
	Message protocol.Message
	State   channel.State
	Reason  string
}

// Node is what a console does with the overlay, whichever role it holds
type Node interface {
	State() *appstate.State
	Submit(m protocol.Message) error
	OnEvent(fn func(Event))
	Close()
}

type emitter struct {
	handlers []func(Event)
}

func (e *emitter) OnEvent(fn func(Event)) {
	e.handlers = append(e.handlers, fn)
}

func (e *emitter) emit(ev Event) {
	for _, fn := range e.handlers {
		fn(ev)
	}
}
