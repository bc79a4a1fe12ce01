// Package channel implements the reconnecting, instrumented point-to-point link used for
// every rover/console connection.
//
// A Channel belongs to one event loop. All methods must be called from loop tasks; socket
// I/O runs on helper goroutines that post results back to the loop and are fenced off by
// a generation counter so a stale socket can never touch a reopened channel.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/stats"
)

// Channel is one logical link to a single peer
type Channel struct {
	cfg    Config
	loop   *eventloop.Loop
	logger *slog.Logger

	accepted bool

	state     State
	lastError string
	gen       uint64

	packet   net.PacketConn
	remote   net.Addr
	peer     net.Addr
	listener net.Listener
	conn     net.Conn
	writes   chan []byte
	stop     chan struct{}

	seq       uint32
	lastRecv  time.Time
	heartbeat *eventloop.Timer

	rtt  *stats.RTT
	loss *stats.LossWindow
	rx   *stats.ByteWindow
	tx   *stats.ByteWindow

	messageHandlers []func([]byte)
	stateHandlers   []func(State)
}

// New creates a channel in Connecting state. Nothing happens until Open.
func New(loop *eventloop.Loop, cfg Config, logger *slog.Logger) *Channel {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		loop:   loop,
		logger: logger.With("component", "channel", "channel", cfg.Name),
		rtt:    stats.NewRTT(stats.DefaultRTTAlpha),
		loss:   stats.NewLossWindow(stats.DefaultLossWindow),
		rx:     stats.NewByteWindow(loop.Clock(), stats.DefaultRateWindow),
		tx:     stats.NewByteWindow(loop.Clock(), stats.DefaultRateWindow),
	}
}

// Accept wraps a stream connection a listener already accepted. The channel starts
// Connected in the server role and cannot be reopened.
func Accept(loop *eventloop.Loop, conn net.Conn, cfg Config, logger *slog.Logger) *Channel {
	cfg.Transport = Stream
	cfg.Role = Server
	c := New(loop, cfg, logger)
	c.accepted = true
	c.gen = 1
	c.lastRecv = loop.Now()
	c.state = Connected
	c.attachStream(conn)
	c.peer = conn.RemoteAddr()
	c.heartbeat = loop.Every(c.cfg.HeartbeatInterval, c.tick)
	c.sendFrame(frameHandshake, []byte(c.cfg.Name))
	return c
}

// OnMessage registers a handler for every received payload
func (c *Channel) OnMessage(fn func([]byte)) {
	c.messageHandlers = append(c.messageHandlers, fn)
}

// OnStateChange registers a handler for every state transition
func (c *Channel) OnStateChange(fn func(State)) {
	c.stateHandlers = append(c.stateHandlers, fn)
}

func (c *Channel) Name() string      { return c.cfg.Name }
func (c *Channel) Config() Config    { return c.cfg }
func (c *Channel) State() State      { return c.state }
func (c *Channel) LastError() string { return c.lastError }

// PeerEndpoint returns the fixed peer once connected
func (c *Channel) PeerEndpoint() (Endpoint, bool) {
	if c.peer == nil {
		return Endpoint{}, false
	}
	return EndpointFromAddr(c.peer), true
}

// LocalAddr returns the bound socket address, or nil before Open
func (c *Channel) LocalAddr() net.Addr {
	switch {
	case c.packet != nil:
		return c.packet.LocalAddr()
	case c.listener != nil:
		return c.listener.Addr()
	case c.conn != nil:
		return c.conn.LocalAddr()
	}
	return nil
}

// Open resets every counter, enters Connecting and starts connection attempts.
// Bind failures are returned and leave the channel in Error.
func (c *Channel) Open() error {
	if c.accepted {
		return ErrNotReopenable
	}

	c.teardown()
	c.resetStats()
	c.lastError = ""
	c.lastRecv = c.loop.Now()
	c.setState(Connecting)

	var err error
	switch {
	case c.cfg.Transport == Datagram:
		err = c.openDatagram()
	case c.cfg.Role == Server:
		err = c.openStreamServer()
	default:
		c.openStreamClient()
	}
	if err != nil {
		c.fault(err.Error())
		return err
	}

	c.heartbeat = c.loop.Every(c.cfg.HeartbeatInterval, c.tick)
	c.logger.Info("Channel opened",
		"transport", c.cfg.Transport,
		"role", c.cfg.Role,
		"local", c.cfg.Local,
		"remote", c.cfg.Remote,
	)
	return nil
}

// Close releases the socket. The channel reports Error until reopened.
func (c *Channel) Close() {
	c.teardown()
	if c.state != Error {
		c.lastError = "closed"
		c.setState(Error)
	}
}

// Send enqueues one payload. It returns ErrMessageTooLarge for oversize payloads and
// silently drops the payload when the channel is not Connected.
func (c *Channel) Send(payload []byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	if c.state != Connected {
		return nil
	}
	return c.sendFrame(frameData, payload)
}

// RTT returns the moving-average round trip time
func (c *Channel) RTT() time.Duration { return c.rtt.Value() }

// DropPercent returns the datagram loss rate over the trailing window; always 0 for
// stream channels
func (c *Channel) DropPercent() float64 {
	if c.cfg.Transport != Datagram {
		return 0
	}
	return c.loss.DropPercent()
}

// UpBps returns bits per second sent over the last second
func (c *Channel) UpBps() int64 { return c.tx.BitsPerSecond() }

// DownBps returns bits per second received over the last second
func (c *Channel) DownBps() int64 { return c.rx.BitsPerSecond() }

// Stats snapshots every counter
func (c *Channel) Stats() Stats {
	s := Stats{
		State:       c.state.String(),
		RTTMillis:   float64(c.rtt.Value()) / float64(time.Millisecond),
		DropPercent: c.DropPercent(),
		UpBps:       c.UpBps(),
		DownBps:     c.DownBps(),
		BytesIn:     c.rx.Total(),
		BytesOut:    c.tx.Total(),
		LastError:   c.lastError,
	}
	if ep, ok := c.PeerEndpoint(); ok {
		s.Peer = ep.String()
	}
	return s
}

func (c *Channel) resetStats() {
	c.seq = 0
	c.rtt.Reset()
	c.loss.Reset()
	c.rx.Reset()
	c.tx.Reset()
}

func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.logger.Info("Channel state changed", "from", prev, "to", s)
	for _, fn := range c.stateHandlers {
		fn(s)
	}
}

func (c *Channel) fault(reason string) {
	if c.state == Error {
		return
	}
	c.teardown()
	c.lastError = reason
	c.logger.Warn("Channel fault", "reason", reason)
	c.setState(Error)
}

// teardown closes every socket and invalidates goroutines of the current generation
func (c *Channel) teardown() {
	c.gen++
	c.heartbeat.Stop()
	c.heartbeat = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.packet != nil {
		c.packet.Close()
		c.packet = nil
	}
	if c.listener != nil {
		c.listener.Close()
		c.listener = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.writes = nil
	c.peer = nil
	c.remote = nil
}

func (c *Channel) silenceLimit() time.Duration {
	return time.Duration(c.cfg.MissedHeartbeats) * c.cfg.HeartbeatInterval
}

func (c *Channel) tick() {
	silent := c.loop.Now().Sub(c.lastRecv)

	switch c.state {
	case Connected:
		if silent >= c.silenceLimit() {
			c.fault(fmt.Sprintf("no traffic for %s", silent.Round(time.Millisecond)))
			return
		}
		ts := make([]byte, 8)
		binary.BigEndian.PutUint64(ts, uint64(c.loop.Now().UnixNano()))
		c.sendFrame(frameHeartbeat, ts)
	case Connecting:
		if c.cfg.Role != Client {
			return
		}
		if silent >= c.silenceLimit() {
			c.fault(fmt.Sprintf("no response from %s for %s", c.cfg.Remote, silent.Round(time.Millisecond)))
			return
		}
		if c.cfg.Transport == Datagram {
			c.sendFrame(frameHandshake, []byte(c.cfg.Name))
		}
	}
}

var errQueueFull = errors.New("send queue overflow")

func (c *Channel) sendFrame(t byte, payload []byte) error {
	if c.cfg.Transport == Datagram {
		target := c.peer
		if target == nil {
			target = c.remote
		}
		if target == nil || c.packet == nil {
			return nil
		}
		c.seq++
		b := encodeDatagram(t, payload, c.seq)
		if _, err := c.packet.WriteTo(b, target); err != nil {
			c.fault(fmt.Sprintf("write: %v", err))
			return err
		}
		c.tx.Add(len(b))
		return nil
	}

	if c.writes == nil {
		return nil
	}
	b := encodeStream(t, payload)
	select {
	case c.writes <- b:
		c.tx.Add(len(b))
		return nil
	default:
		c.fault(errQueueFull.Error())
		return errQueueFull
	}
}

// receive handles one valid frame from the peer
func (c *Channel) receive(t byte, payload []byte, n int, from net.Addr) {
	now := c.loop.Now()
	c.lastRecv = now
	c.rx.Add(n)

	if c.state == Connecting {
		c.peer = from
		c.logger.Info("Peer connected", "peer", EndpointFromAddr(from))
		c.setState(Connected)
		if c.state != Connected {
			return
		}
	}

	switch t {
	case frameData:
		for _, fn := range c.messageHandlers {
			fn(payload)
			if c.state != Connected {
				return
			}
		}
	case frameHeartbeat:
		c.sendFrame(frameHeartbeatAck, payload)
	case frameHeartbeatAck:
		if len(payload) == 8 {
			sent := time.Unix(0, int64(binary.BigEndian.Uint64(payload)))
			c.rtt.Observe(now.Sub(sent))
		}
	case frameHandshake:
		if c.cfg.Transport == Datagram && c.cfg.Role == Server {
			c.sendFrame(frameHandshake, []byte(c.cfg.Name))
		}
	}
}

func (c *Channel) nameMatches(t byte, payload []byte) bool {
	if t != frameHandshake || string(payload) == c.cfg.Name {
		return true
	}
	c.logger.Warn("Peer announced a different channel", "announced", string(payload))
	return false
}

func (c *Channel) openDatagram() error {
	local := ":0"
	if !c.cfg.Local.IsZero() {
		local = c.cfg.Local.String()
	}
	pc, err := net.ListenPacket("udp", local)
	if err != nil {
		return fmt.Errorf("bind %s: %w", local, err)
	}

	if c.cfg.Role == Client {
		raddr, err := net.ResolveUDPAddr("udp", c.cfg.Remote.String())
		if err != nil {
			pc.Close()
			return fmt.Errorf("resolve %s: %w", c.cfg.Remote, err)
		}
		c.remote = raddr
	}
	c.packet = pc
	go c.readDatagrams(c.gen, pc)

	if c.cfg.Role == Client {
		c.sendFrame(frameHandshake, []byte(c.cfg.Name))
	}
	return nil
}

func (c *Channel) readDatagrams(gen uint64, pc net.PacketConn) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			c.loop.Post(func() {
				if gen == c.gen {
					c.fault(fmt.Sprintf("read: %v", err))
				}
			})
			return
		}
		data := append([]byte(nil), buf[:n]...)
		c.loop.Post(func() { c.handleDatagram(gen, addr, data) })
	}
}

func (c *Channel) handleDatagram(gen uint64, from net.Addr, data []byte) {
	if gen != c.gen || c.state == Error {
		return
	}
	t, payload, seq, err := decodeDatagram(data)
	if err != nil {
		c.logger.Debug("Dropping malformed datagram", "from", from, "size", len(data))
		return
	}

	switch {
	case c.peer != nil:
		if !sameAddr(from, c.peer) {
			return
		}
	case c.cfg.Role == Client:
		if !sameAddr(from, c.remote) {
			return
		}
	}
	if !c.nameMatches(t, payload) {
		return
	}

	if t == frameHandshake {
		// a handshake starts a new sequence run on the peer side
		c.loss.Reset()
	}
	c.loss.Observe(seq)
	c.receive(t, payload, len(data), from)
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	ua, okA := a.(*net.UDPAddr)
	ub, okB := b.(*net.UDPAddr)
	if okA && okB {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.String() == b.String()
}

func (c *Channel) openStreamServer() error {
	ln, err := net.Listen("tcp", c.cfg.Local.String())
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.Local, err)
	}
	c.listener = ln
	go c.acceptLoop(c.gen, ln)
	return nil
}

func (c *Channel) acceptLoop(gen uint64, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			c.loop.Post(func() {
				if gen == c.gen {
					c.fault(fmt.Sprintf("accept: %v", err))
				}
			})
			return
		}
		c.loop.Post(func() {
			if gen != c.gen || c.conn != nil || c.state != Connecting {
				c.logger.Debug("Rejecting extra peer", "peer", conn.RemoteAddr())
				conn.Close()
				return
			}
			c.attachStream(conn)
			c.peer = conn.RemoteAddr()
			c.lastRecv = c.loop.Now()
			c.logger.Info("Peer connected", "peer", EndpointFromAddr(c.peer))
			c.setState(Connected)
			c.sendFrame(frameHandshake, []byte(c.cfg.Name))
		})
	}
}

func (c *Channel) openStreamClient() {
	gen := c.gen
	remote := c.cfg.Remote.String()
	dialer := net.Dialer{Timeout: c.silenceLimit()}
	if !c.cfg.Local.IsZero() {
		if laddr, err := net.ResolveTCPAddr("tcp", c.cfg.Local.String()); err == nil {
			dialer.LocalAddr = laddr
		}
	}

	go func() {
		conn, err := dialer.Dial("tcp", remote)
		c.loop.Post(func() {
			if gen != c.gen {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				c.fault(fmt.Sprintf("dial %s: %v", remote, err))
				return
			}
			c.attachStream(conn)
			c.sendFrame(frameHandshake, []byte(c.cfg.Name))
		})
	}()
}

func (c *Channel) attachStream(conn net.Conn) {
	c.conn = conn
	c.writes = make(chan []byte, sendQueue)
	c.stop = make(chan struct{})
	go c.writeLoop(c.gen, conn, c.writes, c.stop)
	go c.readStream(c.gen, conn)
}

func (c *Channel) writeLoop(gen uint64, conn net.Conn, writes <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case b := <-writes:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := conn.Write(b); err != nil {
				c.loop.Post(func() {
					if gen == c.gen {
						c.fault(fmt.Sprintf("write: %v", err))
					}
				})
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Channel) readStream(gen uint64, conn net.Conn) {
	hdr := make([]byte, lengthSize)
	for {
		t, payload, err := readStreamFrame(conn, hdr)
		if err != nil {
			reason := fmt.Sprintf("read: %v", err)
			if errors.Is(err, io.EOF) {
				reason = "peer closed connection"
			}
			c.loop.Post(func() {
				if gen == c.gen {
					c.fault(reason)
				}
			})
			return
		}
		n := lengthSize + 1 + len(payload)
		c.loop.Post(func() { c.handleStream(gen, t, payload, n) })
	}
}

func (c *Channel) handleStream(gen uint64, t byte, payload []byte, n int) {
	if gen != c.gen || c.state == Error || c.conn == nil {
		return
	}
	if !c.nameMatches(t, payload) {
		c.fault(fmt.Sprintf("peer announced channel %q", payload))
		return
	}
	c.receive(t, payload, n, c.conn.RemoteAddr())
}
