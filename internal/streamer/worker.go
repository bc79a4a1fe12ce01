package streamer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roverlink/roverlink/internal/pkg/procgroup"
	"github.com/roverlink/roverlink/internal/streamworker"
)

// Mode selects which end of a stream the worker runs
type Mode int

const (
	// Serve captures and sends; it connects back to the parent
	Serve Mode = iota
	// Play receives and renders; the parent connects to it
	Play
)

func (m Mode) String() string {
	if m == Play {
		return "play"
	}
	return "serve"
}

// Config tunes the worker runtime
type Config struct {
	// Launch is the pipeline runner command; pipeline tokens are appended
	Launch      []string
	Logger      *slog.Logger
	DialTimeout time.Duration
	StopGrace   time.Duration
}

func (c *Config) defaults() {
	if len(c.Launch) == 0 {
		c.Launch = []string{"gst-launch-1.0", "-q"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = streamworker.DefaultControlTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
}

// Run opens the control link, runs the pipeline and reports on it until the parent sends
// stop, the pipeline ends or ctx is cancelled
func Run(ctx context.Context, mode Mode, a Args, cfg Config) error {
	cfg.defaults()
	log := cfg.Logger.With("component", "streamer", "mode", mode, "source", a.Source)

	tokens, err := pipelineFor(mode, a)
	if err != nil {
		return err
	}

	ctrl, err := openControl(ctx, mode, a.IPCPort, cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("control link: %w", err)
	}
	defer ctrl.Close()

	report(ctrl, streamworker.EventStarted)

	tail := &lastLine{}
	cmd := procgroup.Command(cfg.Launch[0], append(append([]string{}, cfg.Launch[1:]...), tokens...)...)
	cmd.Stderr = tail
	cmd.Stdout = io.Discard
	// pipeline children may hold stderr past the runner's exit
	cmd.WaitDelay = cfg.StopGrace
	if err := cmd.Start(); err != nil {
		report(ctrl, streamworker.EventError+" "+err.Error())
		return fmt.Errorf("start pipeline: %w", err)
	}
	log.Info("Pipeline running", "format", a.Format.Serialize(), "pid", cmd.Process.Pid)
	report(ctrl, streamworker.EventStreaming)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	stop := make(chan struct{})
	go readCommands(ctrl, stop)

	select {
	case err := <-exited:
		if err == nil {
			report(ctrl, streamworker.EventEOS)
			log.Info("Pipeline reached end of stream")
			return nil
		}
		reason := tail.String()
		if reason == "" {
			reason = err.Error()
		}
		report(ctrl, streamworker.EventError+" "+reason)
		return fmt.Errorf("pipeline: %s", reason)

	case <-stop:
		log.Info("Stop requested")
	case <-ctx.Done():
		log.Info("Interrupted")
	}

	_ = procgroup.Signal(cmd.Process, os.Interrupt)
	select {
	case <-exited:
	case <-time.After(cfg.StopGrace):
		log.Warn("Pipeline ignored interrupt, killing")
		_ = procgroup.Kill(cmd.Process)
		<-exited
	}
	// the runner may exit on interrupt and leave elements behind
	_ = procgroup.Kill(cmd.Process)
	return nil
}

func pipelineFor(mode Mode, a Args) ([]string, error) {
	if mode == Play {
		return PlayPipeline(a)
	}
	return ServePipeline(a)
}

func openControl(ctx context.Context, mode Mode, port int, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	if mode == Serve {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(5 * timeout))
	}
	return ln.Accept()
}

// readCommands closes stop on a stop command or when the parent goes away
func readCommands(conn net.Conn, stop chan<- struct{}) {
	defer close(stop)
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == streamworker.CmdStop {
			return
		}
	}
}

func report(w io.Writer, line string) {
	_, _ = io.WriteString(w, strings.ReplaceAll(line, "\n", " ")+"\n")
}

// lastLine keeps the most recent non-empty line written to it
type lastLine struct {
	mu   sync.Mutex
	buf  []byte
	last string
}

func (l *lastLine) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := strings.IndexByte(string(l.buf), '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(l.buf[:i])); line != "" {
			l.last = line
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

func (l *lastLine) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rest := strings.TrimSpace(string(l.buf)); rest != "" {
		return rest
	}
	return l.last
}

// ErrUsage is returned for a malformed command line
var ErrUsage = errors.New("usage: streamer serve|play source format remoteHost remotePort bindHost bindPort ipcPort [forward...]")
