package overlay

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/roverlink/roverlink/internal/appstate"
	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/protocol"
)

// Upstream is the broker's view of the rover channel
type Upstream interface {
	Send(payload []byte) error
	State() channel.State
	OnMessage(fn func([]byte))
	OnStateChange(fn func(channel.State))
}

type BrokerConfig struct {
	Listen            channel.Endpoint
	HeartbeatInterval time.Duration
	// PeerRate and PeerBurst bound inbound messages per peer
	PeerRate   float64
	PeerBurst  int
	GPSHistory int
}

type peerConn struct {
	id      string
	ch      *channel.Channel
	limiter *rate.Limiter
	joined  time.Time
}

// PeerInfo describes a connected peer
type PeerInfo struct {
	ID      string           `json:"id"`
	Remote  channel.Endpoint `json:"remote"`
	Joined  time.Time        `json:"joined"`
	RTT     time.Duration    `json:"rtt"`
	UpBps   int64            `json:"up_bps"`
	DownBps int64            `json:"down_bps"`
}

// Broker owns the rover channel and fans it out to the peers. Methods must run on the loop.
type Broker struct {
	emitter

	cfg    BrokerConfig
	loop   *eventloop.Loop
	logger *slog.Logger

	rover Upstream
	state *appstate.State

	ln    net.Listener
	gen   uint64
	peers map[string]*peerConn
}

// NewBroker wires the broker to the rover channel. Peers are accepted after Start.
func NewBroker(loop *eventloop.Loop, rover Upstream, cfg BrokerConfig, logger *slog.Logger) *Broker {
	if cfg.PeerRate <= 0 {
		cfg.PeerRate = DefaultPeerRate
	}
	if cfg.PeerBurst <= 0 {
		cfg.PeerBurst = DefaultPeerBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		cfg:    cfg,
		loop:   loop,
		logger: logger.With("component", "broker"),
		rover:  rover,
		state:  appstate.New(cfg.GPSHistory),
		peers:  make(map[string]*peerConn),
	}
	b.state.RoverChannel = rover.State()
	rover.OnMessage(b.fromRover)
	rover.OnStateChange(b.roverStateChanged)
	return b
}

func (b *Broker) State() *appstate.State { return b.state }

// Addr returns the peer listener address, or nil before Start
func (b *Broker) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Start listens for peers
func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.cfg.Listen.String())
	if err != nil {
		return fmt.Errorf("broker listen %s: %w", b.cfg.Listen, err)
	}
	b.gen++
	b.ln = ln
	go b.acceptLoop(b.gen, ln)
	b.logger.Info("Broker accepting peers", "addr", ln.Addr())
	return nil
}

// Close disconnects every peer and stops listening
func (b *Broker) Close() {
	b.gen++
	if b.ln != nil {
		b.ln.Close()
		b.ln = nil
	}
	for id, p := range b.peers {
		p.ch.Close()
		delete(b.peers, id)
	}
}

// Peers lists connected peers ordered by join time
func (b *Broker) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(b.peers))
	for _, p := range b.peers {
		remote, _ := p.ch.PeerEndpoint()
		out = append(out, PeerInfo{
			ID:      p.id,
			Remote:  remote,
			Joined:  p.joined,
			RTT:     p.ch.RTT(),
			UpBps:   p.ch.UpBps(),
			DownBps: p.ch.DownBps(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Joined.Before(out[j].Joined) })
	return out
}

// Submit routes an intent of the broker's own operator like one from a peer
func (b *Broker) Submit(m protocol.Message) error {
	tag := m.Tag()
	switch {
	case tag.RoverDestined():
		return b.rover.Send(protocol.Encode(m))
	case tag.ConsoleLocal():
		b.state.Apply(m)
		b.broadcast(protocol.Encode(m), "")
		b.emit(Event{Kind: EventMessage, Time: b.loop.Now(), Message: m})
		return nil
	default:
		return errs.Newf(errs.ProtocolError, "submit", "%s is not an operator intent", tag)
	}
}

// Publish applies a message originated by the broker console and sends it to every peer
func (b *Broker) Publish(m protocol.Message) {
	b.state.Apply(m)
	b.broadcast(protocol.Encode(m), "")
	b.emit(Event{Kind: EventMessage, Time: b.loop.Now(), Message: m})
}

func (b *Broker) fromRover(payload []byte) {
	m, err := protocol.Decode(payload)
	if err != nil {
		b.drop("", err)
		return
	}
	b.state.Apply(m)
	b.broadcast(payload, "")
	b.emit(Event{Kind: EventMessage, Time: b.loop.Now(), Message: m})
}

func (b *Broker) roverStateChanged(s channel.State) {
	b.logger.Info("Rover channel state changed", "state", s)
	b.emit(Event{Kind: EventUpstream, Time: b.loop.Now(), State: s})
	b.Publish(protocol.RoverSharedChannelStateChanged{State: int32(s)})
}

func (b *Broker) broadcast(payload []byte, except string) {
	for id, p := range b.peers {
		if id == except {
			continue
		}
		if err := p.ch.Send(payload); err != nil {
			b.logger.Warn("Relay to peer failed", "peer", id, "error", err)
		}
	}
}

func (b *Broker) drop(peerID string, err error) {
	b.logger.Warn("Dropping message", "peer", peerID, "error", err)
	b.emit(Event{Kind: EventDropped, Time: b.loop.Now(), PeerID: peerID, Reason: err.Error()})
}

func (b *Broker) acceptLoop(gen uint64, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		b.loop.Post(func() {
			if gen != b.gen {
				conn.Close()
				return
			}
			b.join(conn)
		})
	}
}

func (b *Broker) join(conn net.Conn) {
	p := &peerConn{
		id:      uuid.NewString(),
		limiter: rate.NewLimiter(rate.Limit(b.cfg.PeerRate), b.cfg.PeerBurst),
		joined:  b.loop.Now(),
	}
	p.ch = channel.Accept(b.loop, conn, channel.Config{
		Name:              ChannelName,
		HeartbeatInterval: b.cfg.HeartbeatInterval,
	}, b.logger.With("peer", p.id))
	p.ch.OnMessage(func(payload []byte) { b.fromPeer(p, payload) })
	p.ch.OnStateChange(func(s channel.State) {
		if s == channel.Error {
			b.leave(p)
		}
	})

	for _, m := range b.state.SnapshotMessages() {
		if err := p.ch.Send(protocol.Encode(m)); err != nil {
			b.logger.Warn("Snapshot send failed", "peer", p.id, "error", err)
			p.ch.Close()
			return
		}
	}

	b.broadcast(protocol.Encode(protocol.MissionControlConnected{PeerID: p.id}), "")
	b.peers[p.id] = p
	b.logger.Info("Peer joined", "peer", p.id, "remote", conn.RemoteAddr(), "peers", len(b.peers))
	b.emit(Event{Kind: EventPeerJoined, Time: b.loop.Now(), PeerID: p.id})
}

func (b *Broker) leave(p *peerConn) {
	if _, ok := b.peers[p.id]; !ok {
		return
	}
	delete(b.peers, p.id)
	p.ch.Close()
	b.logger.Info("Peer left", "peer", p.id, "reason", p.ch.LastError(), "peers", len(b.peers))
	b.broadcast(protocol.Encode(protocol.MissionControlDisconnected{PeerID: p.id}), "")
	b.emit(Event{Kind: EventPeerLeft, Time: b.loop.Now(), PeerID: p.id, Reason: p.ch.LastError()})
}

func (b *Broker) fromPeer(p *peerConn, payload []byte) {
	if !p.limiter.Allow() {
		b.drop(p.id, fmt.Errorf("peer exceeded %.0f messages/s", b.cfg.PeerRate))
		return
	}
	m, err := protocol.Decode(payload)
	if err != nil {
		b.drop(p.id, err)
		return
	}

	tag := m.Tag()
	switch {
	case tag.RoverDestined():
		if b.rover.State() != channel.Connected {
			b.logger.Debug("Rover not connected, intent discarded", "peer", p.id, "tag", tag)
		}
		if err := b.rover.Send(payload); err != nil {
			b.drop(p.id, err)
			return
		}
	case tag.ConsoleLocal():
		b.state.Apply(m)
		b.broadcast(payload, p.id)
	default:
		b.drop(p.id, errs.Newf(errs.ProtocolError, "route", "peer may not send %s", tag))
		return
	}
	b.emit(Event{Kind: EventMessage, Time: b.loop.Now(), PeerID: p.id, Message: m})
}
