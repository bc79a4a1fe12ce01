package overlay

import (
	"log/slog"
	"time"

	"github.com/roverlink/roverlink/internal/appstate"
	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/protocol"
)

type PeerConfig struct {
	Broker            channel.Endpoint
	HeartbeatInterval time.Duration
	GPSHistory        int
}

// Peer is a console that reaches the rover through the broker. Methods must run on the loop.
type Peer struct {
	emitter

	cfg    PeerConfig
	loop   *eventloop.Loop
	logger *slog.Logger
	ch     *channel.Channel
	state  *appstate.State
}

func NewPeer(loop *eventloop.Loop, cfg PeerConfig, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Peer{
		cfg:    cfg,
		loop:   loop,
		logger: logger.With("component", "peer"),
		state:  appstate.New(cfg.GPSHistory),
	}
	p.ch = channel.New(loop, channel.Config{
		Name:              ChannelName,
		Transport:         channel.Stream,
		Role:              channel.Client,
		Remote:            cfg.Broker,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)
	p.ch.OnMessage(p.fromBroker)
	p.ch.OnStateChange(func(s channel.State) {
		p.logger.Info("Broker channel state changed", "state", s, "reason", p.ch.LastError())
		p.emit(Event{Kind: EventUpstream, Time: p.loop.Now(), State: s, Reason: p.ch.LastError()})
	})
	return p
}

func (p *Peer) State() *appstate.State    { return p.state }
func (p *Peer) Channel() *channel.Channel { return p.ch }

// Open connects to the broker. The replica starts empty and converges from the join
// snapshot.
func (p *Peer) Open() error {
	p.state = appstate.New(p.cfg.GPSHistory)
	return p.ch.Open()
}

func (p *Peer) Close() {
	p.ch.Close()
}

// Submit sends an operator intent to the broker. Console-local intents are applied to
// the replica at once since the broker does not echo them back.
func (p *Peer) Submit(m protocol.Message) error {
	tag := m.Tag()
	if !tag.RoverDestined() && !tag.ConsoleLocal() {
		return errs.Newf(errs.ProtocolError, "submit", "%s is not an operator intent", tag)
	}
	if tag.ConsoleLocal() {
		p.state.Apply(m)
		p.emit(Event{Kind: EventMessage, Time: p.loop.Now(), Message: m})
	}
	return p.ch.Send(protocol.Encode(m))
}

func (p *Peer) fromBroker(payload []byte) {
	m, err := protocol.Decode(payload)
	if err != nil {
		p.logger.Warn("Dropping message", "error", err)
		p.emit(Event{Kind: EventDropped, Time: p.loop.Now(), Reason: err.Error()})
		return
	}
	p.state.Apply(m)
	p.emit(Event{Kind: EventMessage, Time: p.loop.Now(), Message: m})
}
