package streamworker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fakeModeEnv = "ROVERLINK_FAKE_WORKER"
	fakeLogEnv  = "ROVERLINK_FAKE_WORKER_LOG"
)

// TestMain lets the test binary double as a worker process
func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeModeEnv); mode != "" {
		os.Exit(runFakeWorker(mode, os.Args[len(os.Args)-7:]))
	}
	os.Exit(m.Run())
}

// runFakeWorker speaks the control protocol. args: source format rhost rport bhost bport ipc
func runFakeWorker(mode string, args []string) int {
	ipc := args[6]
	var conn net.Conn
	var err error
	switch mode {
	case "silent":
		time.Sleep(10 * time.Second)
		return 0
	case "spawn":
		// leaves a grandchild behind and never opens the control link
		child := exec.Command(os.Args[0], os.Args[1:]...)
		child.Env = append(os.Environ(), fakeModeEnv+"=silent")
		if child.Start() != nil {
			return 2
		}
		path := os.Getenv(fakeLogEnv)
		if os.WriteFile(path+".tmp", []byte(strconv.Itoa(child.Process.Pid)), 0o644) == nil {
			_ = os.Rename(path+".tmp", path)
		}
		_ = child.Wait()
		return 0
	case "play":
		ln, lerr := net.Listen("tcp", "127.0.0.1:"+ipc)
		if lerr != nil {
			return 2
		}
		conn, err = ln.Accept()
		ln.Close()
	default:
		conn, err = net.Dial("tcp", "127.0.0.1:"+ipc)
	}
	if err != nil {
		return 2
	}
	defer conn.Close()

	fmt.Fprintln(conn, EventStarted)
	if mode == "fail" {
		fmt.Fprintln(conn, "error encoder not found")
		time.Sleep(time.Second)
		return 1
	}
	if path := os.Getenv(fakeLogEnv); path != "" {
		f, ferr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr == nil {
			fmt.Fprintln(f, args[1])
			f.Close()
		}
	}
	fmt.Fprintln(conn, EventStreaming)
	if mode == "crash" {
		return 3
	}

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		if sc.Text() == CmdStop {
			return 0
		}
	}
	return 0
}

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(nil, logger.New(logger.Config{Level: "error"}).Logger)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func on(t *testing.T, l *eventloop.Loop, fn func()) {
	t.Helper()
	require.NoError(t, l.Do(context.Background(), fn))
}

func fakeLauncher(t *testing.T, mode string, extraEnv ...string) Launcher {
	exe, err := os.Executable()
	require.NoError(t, err)
	return Launcher{
		Path: exe,
		Args: []string{"-test.run=^$"},
		Env:  append([]string{fakeModeEnv + "=" + mode}, extraEnv...),
	}
}

func newHandle(t *testing.T, l *eventloop.Loop, cfg Config) *Handle {
	var h *Handle
	on(t, l, func() { h = New(l, cfg, logger.New(logger.Config{Level: "error"}).Logger) })
	t.Cleanup(func() { _ = l.Do(context.Background(), h.Stop) })
	return h
}

func stateOf(t *testing.T, l *eventloop.Loop, h *Handle) State {
	var s State
	on(t, l, func() { s = h.State() })
	return s
}

func waitState(t *testing.T, l *eventloop.Loop, h *Handle, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return stateOf(t, l, h) == want }, 5*time.Second, 10*time.Millisecond,
		"worker never reached %s", want)
}

var (
	audioA = media.Format{Kind: media.KindAudio, Encoding: media.EncodingAC3, Bitrate: 32_000}
	audioB = media.Format{Kind: media.KindAudio, Encoding: media.EncodingOpus, Bitrate: 64_000}
)

func TestHandle_StartStreamsAndStops(t *testing.T) {
	l := newTestLoop(t)
	h := newHandle(t, l, Config{
		MediaID:   1,
		Kind:      media.KindVideo,
		Direction: Produce,
		Launcher:  fakeLauncher(t, "serve"),
		Remote:    channel.Endpoint{Host: "127.0.0.1", Port: 5000},
		Local:     channel.Endpoint{Host: "0.0.0.0", Port: 0},
	})

	var seen []State
	on(t, l, func() {
		h.OnStateChange(func(h *Handle) { seen = append(seen, h.State()) })
		require.NoError(t, h.Start("/dev/video0", media.VideoPresets()[2]))
		assert.Equal(t, Starting, h.State())
	})
	waitState(t, l, h, Streaming)

	on(t, l, func() {
		assert.True(t, h.IsPlaying())
		h.Stop()
		assert.Equal(t, Idle, h.State())
		assert.Equal(t, media.NullVideo(), h.Format())
		assert.Empty(t, h.Source())
	})

	// a requested stop is not a fault
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, Idle, stateOf(t, l, h))
	on(t, l, func() { assert.Equal(t, []State{Starting, Streaming, Idle}, seen) })
}

func TestHandle_RestartBeforeControlLinkUsesLatestFormat(t *testing.T) {
	l := newTestLoop(t)
	logPath := filepath.Join(t.TempDir(), "formats.log")
	h := newHandle(t, l, Config{
		MediaID:   -1,
		Kind:      media.KindAudio,
		Direction: Produce,
		Launcher:  fakeLauncher(t, "serve", fakeLogEnv+"="+logPath),
		Remote:    channel.Endpoint{Host: "127.0.0.1", Port: 5002},
	})

	on(t, l, func() {
		require.NoError(t, h.Start("hw:1", audioA))
		require.NoError(t, h.Start("hw:1", audioB))
		assert.Equal(t, Starting, h.State())
		assert.Equal(t, audioB, h.Format())
	})
	waitState(t, l, h, Streaming)
	on(t, l, func() { assert.Equal(t, audioB, h.Format()) })

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, []string{audioB.Serialize()}, strings.Fields(string(raw)))
}

func TestHandle_SameArgumentsIsNoop(t *testing.T) {
	l := newTestLoop(t)
	logPath := filepath.Join(t.TempDir(), "formats.log")
	h := newHandle(t, l, Config{
		MediaID:   -1,
		Kind:      media.KindAudio,
		Direction: Produce,
		Launcher:  fakeLauncher(t, "serve", fakeLogEnv+"="+logPath),
	})

	on(t, l, func() { require.NoError(t, h.Start("hw:1", audioA)) })
	waitState(t, l, h, Streaming)
	on(t, l, func() {
		require.NoError(t, h.Start("hw:1", audioA))
		assert.Equal(t, Streaming, h.State())
	})

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Len(t, strings.Fields(string(raw)), 1)
}

func TestHandle_NewRemoteRestarts(t *testing.T) {
	l := newTestLoop(t)
	logPath := filepath.Join(t.TempDir(), "formats.log")
	h := newHandle(t, l, Config{
		MediaID:   -1,
		Kind:      media.KindAudio,
		Direction: Produce,
		Launcher:  fakeLauncher(t, "serve", fakeLogEnv+"="+logPath),
		Remote:    channel.Endpoint{Host: "127.0.0.1", Port: 5002},
	})

	on(t, l, func() { require.NoError(t, h.Start("hw:1", audioA)) })
	waitState(t, l, h, Streaming)
	on(t, l, func() {
		h.SetRemote(channel.Endpoint{Host: "127.0.0.1", Port: 5003})
		require.NoError(t, h.Start("hw:1", audioA))
		assert.Equal(t, Starting, h.State())
		assert.Equal(t, audioA, h.Format())
	})
	waitState(t, l, h, Streaming)

	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(logPath)
		return err == nil && len(strings.Fields(string(raw))) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandle_Faults(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		timeout time.Duration
		reason  string
	}{
		{"worker reports error", "fail", 0, "encoder not found"},
		{"worker exits unexpectedly", "crash", 0, ""},
		{"worker never connects", "silent", 200 * time.Millisecond, "control link"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoop(t)
			h := newHandle(t, l, Config{
				MediaID:        3,
				Kind:           media.KindVideo,
				Direction:      Produce,
				Launcher:       fakeLauncher(t, tt.mode),
				ControlTimeout: tt.timeout,
			})
			on(t, l, func() { require.NoError(t, h.Start("/dev/video3", media.VideoPresets()[5])) })
			waitState(t, l, h, Error)

			on(t, l, func() {
				assert.NotEmpty(t, h.Err())
				assert.Contains(t, h.Err(), tt.reason)
				// the format stays for the error report
				assert.Equal(t, media.VideoPresets()[5], h.Format())
			})
		})
	}
}

func TestHandle_RejectsWrongKind(t *testing.T) {
	l := newTestLoop(t)
	h := newHandle(t, l, Config{MediaID: 1, Kind: media.KindVideo, Launcher: fakeLauncher(t, "serve")})

	on(t, l, func() {
		assert.Error(t, h.Start("/dev/video0", audioA))
		assert.Error(t, h.Start("/dev/video0", media.NullVideo()))
		assert.Error(t, h.Start("", media.VideoPresets()[0]))
		assert.Equal(t, Idle, h.State())
	})
}

func TestHandle_ConsumeRelaysAndMeasures(t *testing.T) {
	l := newTestLoop(t)

	mirror, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer mirror.Close()

	h := newHandle(t, l, Config{
		MediaID:   2,
		Kind:      media.KindVideo,
		Direction: Consume,
		Launcher:  fakeLauncher(t, "play"),
		Local:     channel.Endpoint{Host: "127.0.0.1"},
	})
	var local *net.UDPAddr
	on(t, l, func() {
		require.NoError(t, h.AddForwardingAddress(channel.EndpointFromAddr(mirror.LocalAddr())))
		require.NoError(t, h.Start("camera-2", media.VideoPresets()[3]))
		local = h.LocalAddr().(*net.UDPAddr)
		assert.Error(t, h.AddForwardingAddress(channel.Endpoint{Host: "127.0.0.1", Port: 9}))
	})
	waitState(t, l, h, Streaming)

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: local.Port})
	require.NoError(t, err)
	defer sender.Close()

	payload := make([]byte, 988)
	for seq := uint16(1); seq <= 50; seq++ {
		if seq == 10 {
			continue
		}
		pkt := rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: seq}, Payload: payload}
		b, err := pkt.Marshal()
		require.NoError(t, err)
		_, err = sender.Write(b)
		require.NoError(t, err)
	}

	buf := make([]byte, 2048)
	require.NoError(t, mirror.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := mirror.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	require.Eventually(t, func() bool {
		var total int64
		on(t, l, func() { total = h.rx.Total() })
		return total == 49*1000
	}, 2*time.Second, 10*time.Millisecond)

	on(t, l, func() {
		assert.InDelta(t, 2.0, h.DropPercent(), 0.01)
		assert.Positive(t, h.Bitrate())
	})
}

func TestHandle_BitrateFromCounters(t *testing.T) {
	mock := clock.NewMock()
	l := eventloop.New(mock, nil)
	h := New(l, Config{MediaID: 4, Kind: media.KindVideo, Direction: Consume}, nil)

	// 125000 bytes spread evenly over one second
	const chunks, chunkBytes = 100, 1250
	for i := 0; i < chunks; i++ {
		mock.Add(10 * time.Millisecond)
		h.observe(h.gen, chunkBytes, 0, false)
	}
	want := float64(8 * chunks * chunkBytes)
	assert.InDelta(t, want, float64(h.Bitrate()), want*0.02)

	mock.Add(2 * time.Second)
	assert.Zero(t, h.Bitrate())
}

func TestSeqUnwrapper(t *testing.T) {
	var u seqUnwrapper
	assert.Equal(t, uint32(65534), u.extend(65534))
	assert.Equal(t, uint32(65535), u.extend(65535))
	assert.Equal(t, uint32(65536), u.extend(0))
	assert.Equal(t, uint32(65537), u.extend(1))
	assert.Equal(t, uint32(65535), u.extend(65535))
}
