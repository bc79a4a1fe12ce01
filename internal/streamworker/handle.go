// Package streamworker manages the out-of-process media workers.
//
// A Handle owns at most one worker process for one media id. The worker is linked to its
// parent over a loopback TCP control connection carrying newline-terminated text: the
// parent sends "stop", the worker reports "started", "streaming", "eos" or "error <text>".
// Losing the control link or the process without a stop request is a fault; faults are
// reported, never retried.
package streamworker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/pkg/procgroup"
	"github.com/roverlink/roverlink/internal/stats"
)

type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// kill ends the worker and whatever it spawned
func (p *process) kill() {
	if p.cmd.Process != nil {
		_ = procgroup.Kill(p.cmd.Process)
	}
}

// Handle is the parent side of one worker slot. Methods must run on the loop.
type Handle struct {
	cfg    Config
	caps   capability
	loop   *eventloop.Loop
	logger *slog.Logger

	state   State
	source  string
	format  media.Format
	lastErr string

	// set while Start stops the previous worker so source and format survive
	starting bool

	gen      uint64
	proc     *process
	ctrl     net.Conn
	ctrlLn   net.Listener
	relay    *relay
	forwards []channel.Endpoint
	// remote the running worker was launched with
	launched channel.Endpoint

	rx   *stats.ByteWindow
	loss *stats.LossWindow
	seq  seqUnwrapper

	handlers []func(*Handle)
}

// New creates an idle handle
func New(loop *eventloop.Loop, cfg Config, logger *slog.Logger) *Handle {
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	caps, ok := capabilities[cfg.Kind]
	if !ok {
		caps = capabilities[media.KindVideo]
	}
	h := &Handle{
		cfg:    cfg,
		caps:   caps,
		loop:   loop,
		logger: logger.With("component", "worker", "media_id", cfg.MediaID, "direction", cfg.Direction),
		rx:     stats.NewByteWindow(loop.Clock(), stats.DefaultRateWindow),
		loss:   stats.NewLossWindow(stats.DefaultLossWindow),
	}
	h.format = h.nullFormat()
	return h
}

func (h *Handle) MediaID() int32       { return h.cfg.MediaID }
func (h *Handle) Kind() media.Kind     { return h.cfg.Kind }
func (h *Handle) Direction() Direction { return h.cfg.Direction }
func (h *Handle) State() State         { return h.state }
func (h *Handle) Source() string       { return h.source }
func (h *Handle) Format() media.Format { return h.format }
func (h *Handle) Err() string          { return h.lastErr }
func (h *Handle) IsPlaying() bool      { return h.state == Streaming }
func (h *Handle) DropPercent() float64 { return h.loss.DropPercent() }

// OnStateChange registers fn to run after every state transition
func (h *Handle) OnStateChange(fn func(*Handle)) {
	h.handlers = append(h.handlers, fn)
}

// Bitrate is the received media rate over the trailing second. Producers never see
// their own media and report 0.
func (h *Handle) Bitrate() int64 {
	return h.rx.BitsPerSecond()
}

// LocalAddr returns the consumer's receive socket address while it is running
func (h *Handle) LocalAddr() net.Addr {
	if h.relay == nil {
		return nil
	}
	return h.relay.conn.LocalAddr()
}

// Info is a read-only view for status reporting
type Info struct {
	MediaID    int32        `json:"media_id"`
	Kind       string       `json:"kind"`
	Direction  string       `json:"direction"`
	State      string       `json:"state"`
	Source     string       `json:"source,omitempty"`
	Format     media.Format `json:"format"`
	Error      string       `json:"error,omitempty"`
	BitrateBps int64        `json:"bitrate_bps"`
}

func (h *Handle) Info() Info {
	return Info{
		MediaID:    h.cfg.MediaID,
		Kind:       h.cfg.Kind.String(),
		Direction:  h.cfg.Direction.String(),
		State:      h.state.String(),
		Source:     h.source,
		Format:     h.format,
		Error:      h.lastErr,
		BitrateBps: h.Bitrate(),
	}
}

// AddForwardingAddress adds a fan-out destination. It only takes effect for workers
// started afterwards.
func (h *Handle) AddForwardingAddress(ep channel.Endpoint) error {
	if h.proc != nil {
		return fmt.Errorf("stream worker %d: forwarding address %s added while running", h.cfg.MediaID, ep)
	}
	h.forwards = append(h.forwards, ep)
	return nil
}

// SetRemote changes where a producer sends media. It applies from the next Start.
func (h *Handle) SetRemote(ep channel.Endpoint) {
	h.cfg.Remote = ep
}

func (h *Handle) Remote() channel.Endpoint { return h.cfg.Remote }

// Start launches a worker for source and format. Restarting with the same arguments while
// starting or streaming does nothing; otherwise any running worker is stopped first.
func (h *Handle) Start(source string, f media.Format) error {
	if err := h.caps.check(source, f); err != nil {
		return fmt.Errorf("stream worker %d: %w", h.cfg.MediaID, err)
	}
	if (h.state == Starting || h.state == Streaming) && h.source == source && h.format == f &&
		h.launched == h.cfg.Remote {
		return nil
	}
	if h.proc != nil {
		h.starting = true
		h.Stop()
		h.starting = false
	}

	h.source, h.format, h.lastErr = source, f, ""
	h.launched = h.cfg.Remote
	h.gen++
	h.rx.Reset()
	h.loss.Reset()
	h.seq = seqUnwrapper{}
	h.setState(Starting)

	if err := h.launch(h.gen); err != nil {
		h.fail(fmt.Sprintf("launch: %v", err))
		return errs.New(errs.StreamWorkerFault, fmt.Sprintf("start worker %d", h.cfg.MediaID), err)
	}
	h.logger.Info("Stream worker starting", "source", source, "format", f.Serialize())
	return nil
}

// Stop asks the worker to exit and returns the handle to Idle. A worker without a control
// link yet is killed outright; one that ignores stop is killed after the grace period.
func (h *Handle) Stop() {
	h.gen++
	h.teardown(true)
	if !h.starting {
		h.source = ""
		h.format = h.nullFormat()
		h.lastErr = ""
	}
	h.setState(Idle)
}

func (h *Handle) nullFormat() media.Format {
	if h.cfg.Kind == media.KindAudio {
		return media.NullAudio()
	}
	return media.NullVideo()
}

func (h *Handle) setState(s State) {
	if h.state == s {
		return
	}
	h.state = s
	for _, fn := range h.handlers {
		fn(h)
	}
}

func (h *Handle) fail(reason string) {
	h.lastErr = reason
	h.logger.Warn("Stream worker fault",
		"error", errs.New(errs.StreamWorkerFault, fmt.Sprintf("worker %d", h.cfg.MediaID), errors.New(reason)))
	h.gen++
	h.teardown(false)
	h.setState(Error)
}

func (h *Handle) launch(gen uint64) error {
	var (
		ipcPort            int
		bindHost, bindPort string
		remote             = h.cfg.Remote
		extra              []string
		err                error
	)

	switch h.cfg.Direction {
	case Produce:
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("control listener: %w", err)
		}
		h.ctrlLn = ln
		ipcPort = ln.Addr().(*net.TCPAddr).Port
		bindHost, bindPort = h.cfg.Local.Host, strconv.Itoa(h.cfg.Local.Port)
		for _, fw := range h.forwards {
			extra = append(extra, fw.String())
		}

	case Consume:
		if ipcPort, err = freePort("tcp"); err != nil {
			return fmt.Errorf("control port: %w", err)
		}
		mediaPort, err := freePort("udp")
		if err != nil {
			return fmt.Errorf("media port: %w", err)
		}
		bindHost, bindPort = "127.0.0.1", strconv.Itoa(mediaPort)

		targets := []*net.UDPAddr{{IP: net.IPv4(127, 0, 0, 1), Port: mediaPort}}
		for _, fw := range h.forwards {
			addr, err := net.ResolveUDPAddr("udp", fw.String())
			if err != nil {
				return fmt.Errorf("forwarding address %s: %w", fw, err)
			}
			targets = append(targets, addr)
		}
		if h.relay, err = openRelay(h.cfg.Local, targets); err != nil {
			return err
		}
		go h.relay.run(func(n int, seq uint16, ok bool) {
			h.loop.Post(func() { h.observe(gen, n, seq, ok) })
		})
	}

	args := append([]string{}, h.cfg.Launcher.Args...)
	args = append(args,
		h.source,
		h.format.Serialize(),
		remote.Host,
		strconv.Itoa(remote.Port),
		bindHost,
		bindPort,
		strconv.Itoa(ipcPort),
	)
	args = append(args, extra...)

	cmd := procgroup.Command(h.cfg.Launcher.Path, args...)
	cmd.Env = append(os.Environ(), h.cfg.Launcher.Env...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec %s: %w", h.cfg.Launcher.Path, err)
	}
	p := &process{cmd: cmd, exited: make(chan struct{})}
	h.proc = p

	go func() {
		err := cmd.Wait()
		close(p.exited)
		h.loop.Post(func() { h.processExited(gen, err) })
	}()

	if h.ctrlLn != nil {
		go h.acceptControl(gen, h.ctrlLn)
	} else {
		go h.dialControl(gen, p, ipcPort)
	}
	return nil
}

func (h *Handle) acceptControl(gen uint64, ln net.Listener) {
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(h.cfg.ControlTimeout))
	}
	conn, err := ln.Accept()
	ln.Close()
	h.loop.Post(func() { h.controlReady(gen, conn, err) })
}

func (h *Handle) dialControl(gen uint64, p *process, port int) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(h.cfg.ControlTimeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil || time.Now().After(deadline) {
			h.loop.Post(func() { h.controlReady(gen, conn, err) })
			return
		}
		select {
		case <-p.exited:
			return
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (h *Handle) controlReady(gen uint64, conn net.Conn, err error) {
	if gen != h.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	h.ctrlLn = nil
	if err != nil {
		h.fail(fmt.Sprintf("control link: %v", err))
		return
	}
	h.ctrl = conn
	go h.readControl(gen, conn)
}

func (h *Handle) readControl(gen uint64, conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		h.loop.Post(func() { h.handleLine(gen, line) })
	}
	h.loop.Post(func() { h.controlClosed(gen) })
}

func (h *Handle) handleLine(gen uint64, line string) {
	if gen != h.gen {
		return
	}
	event, detail, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch event {
	case EventStarted:
		h.logger.Debug("Stream worker started pipeline")
	case EventStreaming:
		h.logger.Info("Stream worker streaming", "format", h.format.Serialize())
		h.setState(Streaming)
	case EventEOS:
		h.fail("end of stream")
	case EventError:
		if detail == "" {
			detail = "unspecified worker error"
		}
		h.fail(detail)
	default:
		h.logger.Debug("Unknown control line", "line", line)
	}
}

func (h *Handle) controlClosed(gen uint64) {
	if gen != h.gen {
		return
	}
	h.fail("control link closed")
}

func (h *Handle) processExited(gen uint64, err error) {
	if gen != h.gen {
		return
	}
	if err == nil {
		h.fail("worker exited")
		return
	}
	h.fail(fmt.Sprintf("worker exited: %v", err))
}

func (h *Handle) observe(gen uint64, n int, seq uint16, isRTP bool) {
	if gen != h.gen {
		return
	}
	h.rx.Add(n)
	if isRTP {
		h.loss.Observe(h.seq.extend(seq))
	}
}

// teardown releases everything the current worker holds. A graceful teardown sends stop
// and leaves the process the grace period to exit.
func (h *Handle) teardown(graceful bool) {
	if h.ctrlLn != nil {
		h.ctrlLn.Close()
		h.ctrlLn = nil
	}
	if h.relay != nil {
		h.relay.close()
		h.relay = nil
	}

	p, ctrl := h.proc, h.ctrl
	h.proc, h.ctrl = nil, nil
	if p == nil {
		if ctrl != nil {
			ctrl.Close()
		}
		return
	}
	if !graceful || ctrl == nil {
		p.kill()
		if ctrl != nil {
			ctrl.Close()
		}
		return
	}

	go func() {
		_ = ctrl.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = io.WriteString(ctrl, CmdStop+"\n")
	}()
	h.loop.AfterFunc(h.cfg.StopGrace, func() {
		select {
		case <-p.exited:
		default:
			h.logger.Warn("Stream worker ignored stop, killing", "pid", p.cmd.Process.Pid)
			p.kill()
		}
		ctrl.Close()
	})
}

func freePort(network string) (int, error) {
	if network == "udp" {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			return 0, err
		}
		defer pc.Close()
		return pc.LocalAddr().(*net.UDPAddr).Port, nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// seqUnwrapper extends 16-bit RTP sequence numbers to 32 bits
type seqUnwrapper struct {
	started bool
	last    uint32
}

func (u *seqUnwrapper) extend(seq uint16) uint32 {
	if !u.started {
		u.started = true
		u.last = uint32(seq)
		return u.last
	}
	delta := int16(seq - uint16(u.last))
	u.last = uint32(int64(u.last) + int64(delta))
	return u.last
}
