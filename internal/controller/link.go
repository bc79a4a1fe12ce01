// Package controller talks to the embedded motor controllers.
//
// A Link is a datagram server waiting for exactly one controller id. Every datagram is
// [kind][id][payload]. Losing the controller returns the link to Connecting: firmware
// resets and rejoins on its own, so there is no terminal error state.
package controller

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/pkg/errs"
)

// State of a controller link
type State int32

const (
	Connecting State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "connecting"
}

const (
	DefaultTimeout   = 300 * time.Millisecond
	DefaultKeepAlive = 100 * time.Millisecond
)

// Config describes one controller link
type Config struct {
	Name      string
	ID        byte
	Local     channel.Endpoint
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Link is the rover side of one controller connection. Methods must run on the loop.
type Link struct {
	cfg    Config
	loop   *eventloop.Loop
	logger *slog.Logger

	state    State
	conn     net.PacketConn
	peer     net.Addr
	lastSeen time.Time
	gen      uint64
	out      *outbox

	watchdog  *eventloop.Timer
	keepalive *eventloop.Timer

	messageHandlers []func(Kind, []byte)
	stateHandlers   []func(State)
}

// New creates a link; it listens once Open is called
func New(loop *eventloop.Loop, cfg Config, logger *slog.Logger) *Link {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		cfg:    cfg,
		loop:   loop,
		logger: logger.With("component", "controller", "controller", cfg.Name, "id", cfg.ID),
	}
}

func (l *Link) Name() string        { return l.cfg.Name }
func (l *Link) ID() byte            { return l.cfg.ID }
func (l *Link) State() State        { return l.state }
func (l *Link) LastSeen() time.Time { return l.lastSeen }

// LocalAddr returns the bound socket address, or nil before Open
func (l *Link) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// OnMessage registers a handler for controller messages other than heartbeats and logs
func (l *Link) OnMessage(fn func(Kind, []byte)) {
	l.messageHandlers = append(l.messageHandlers, fn)
}

// OnStateChange registers a handler for liveness transitions
func (l *Link) OnStateChange(fn func(State)) {
	l.stateHandlers = append(l.stateHandlers, fn)
}

// Open binds the socket and starts the liveness timers
func (l *Link) Open() error {
	l.Close()

	pc, err := net.ListenPacket("udp", l.cfg.Local.String())
	if err != nil {
		return fmt.Errorf("controller %s: bind %s: %w", l.cfg.Name, l.cfg.Local, err)
	}
	l.conn = pc
	l.out = newOutbox()
	go l.out.run(pc, l.logger)
	go l.read(l.gen, pc)

	l.watchdog = l.loop.Every(l.cfg.Timeout/3, l.checkLiveness)
	l.keepalive = l.loop.Every(l.cfg.KeepAlive, l.sendKeepAlive)
	l.logger.Info("Controller link listening", "local", pc.LocalAddr())
	return nil
}

// Close stops the timers and releases the socket
func (l *Link) Close() {
	l.gen++
	l.watchdog.Stop()
	l.keepalive.Stop()
	if l.out != nil {
		l.out.close()
		l.out = nil
	}
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.setState(Connecting)
	l.peer = nil
}

// SendMessage queues msg ([kind][payload]) for the controller. It is fire-and-forget and
// discards the message while the controller is not connected.
func (l *Link) SendMessage(msg []byte) {
	if l.state != Connected || l.out == nil || len(msg) == 0 {
		return
	}
	l.out.push(l.frame(Kind(msg[0]), msg[1:]), l.peer)
}

func (l *Link) frame(k Kind, payload []byte) []byte {
	b := make([]byte, 0, 2+len(payload))
	b = append(b, byte(k), l.cfg.ID)
	return append(b, payload...)
}

func (l *Link) setState(s State) {
	if l.state == s {
		return
	}
	l.state = s
	for _, fn := range l.stateHandlers {
		fn(s)
	}
}

func (l *Link) read(gen uint64, pc net.PacketConn) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		l.loop.Post(func() { l.handle(gen, addr, data) })
	}
}

func (l *Link) handle(gen uint64, from net.Addr, data []byte) {
	if gen != l.gen {
		return
	}
	if len(data) < 2 {
		return
	}
	kind, id := Kind(data[0]), data[1]
	if id != l.cfg.ID {
		l.logger.Debug("Ignoring datagram for another controller", "got_id", id, "from", from)
		return
	}
	if !kind.Valid() {
		l.logger.Debug("Ignoring unknown controller message", "kind", kind)
		return
	}

	l.lastSeen = l.loop.Now()
	if l.state == Connecting || l.peer == nil || l.peer.String() != from.String() {
		l.peer = from
		l.logger.Info("Controller connected", "peer", from)
		l.setState(Connected)
	}

	payload := data[2:]
	switch kind {
	case KindHeartbeat:
	case KindLog:
		l.logger.Info("Controller log", "text", string(payload))
	default:
		for _, fn := range l.messageHandlers {
			fn(kind, payload)
		}
	}
}

func (l *Link) checkLiveness() {
	if l.state != Connected {
		return
	}
	silent := l.loop.Now().Sub(l.lastSeen)
	if silent <= l.cfg.Timeout {
		return
	}
	l.logger.Warn("Controller lost",
		"error", errs.Newf(errs.ControllerLinkTimeout, l.cfg.Name, "silent for %s", silent.Round(time.Millisecond)),
	)
	l.peer = nil
	l.setState(Connecting)
}

func (l *Link) sendKeepAlive() {
	if l.state == Connected && l.out != nil {
		l.out.push(l.frame(KindHeartbeat, nil), l.peer)
	}
}

type packet struct {
	data []byte
	to   net.Addr
}

// outbox is an unbounded queue drained by one writer goroutine
type outbox struct {
	mu     sync.Mutex
	items  []packet
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (o *outbox) push(b []byte, to net.Addr) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.items = append(o.items, packet{data: b, to: to})
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
}

func (o *outbox) run(pc net.PacketConn, logger *slog.Logger) {
	for {
		select {
		case <-o.done:
			return
		case <-o.notify:
		}
		o.mu.Lock()
		batch := o.items
		o.items = nil
		o.mu.Unlock()

		for _, p := range batch {
			if _, err := pc.WriteTo(p.data, p.to); err != nil {
				logger.Debug("Controller write failed", "error", err)
			}
		}
	}
}
