package console

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/controller"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/gps"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/overlay"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/pkg/logger"
	"github.com/roverlink/roverlink/internal/protocol"
	"github.com/roverlink/roverlink/internal/storage"
	"github.com/roverlink/roverlink/internal/streamworker"
)

const fakeWorkerEnv = "ROVERLINK_FAKE_WORKER"

// TestMain lets the test binary stand in for the player process
func TestMain(m *testing.M) {
	if os.Getenv(fakeWorkerEnv) != "" {
		os.Exit(fakePlayer(os.Args[len(os.Args)-1]))
	}
	os.Exit(m.Run())
}

func fakePlayer(ipc string) int {
	ln, err := net.Listen("tcp", "127.0.0.1:"+ipc)
	if err != nil {
		return 2
	}
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return 2
	}
	defer conn.Close()
	fmt.Fprintln(conn, streamworker.EventStarted)
	fmt.Fprintln(conn, streamworker.EventStreaming)
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		if sc.Text() == streamworker.CmdStop {
			return 0
		}
	}
	return 0
}

func testLogger() *slog.Logger {
	return logger.New(logger.Config{Level: "error"}).Logger
}

func newTestLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(nil, testLogger())
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

func fakeLauncher(t *testing.T) streamworker.Launcher {
	exe, err := os.Executable()
	require.NoError(t, err)
	return streamworker.Launcher{
		Path: exe,
		Args: []string{"-test.run=^$"},
		Env:  []string{fakeWorkerEnv + "=play"},
	}
}

func testStorage(t *testing.T) *storage.SQLiteStorage {
	s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig(roverPort int) *config.Config {
	return &config.Config{
		HeartbeatInterval: 50 * time.Millisecond,
		Rover: config.RoverConfig{
			Ports:         config.RoverPorts{Shared: roverPort},
			ReopenInitial: 50 * time.Millisecond,
			ReopenMax:     200 * time.Millisecond,
		},
		Console: config.ConsoleConfig{
			Mode:          ModeBroker,
			Rover:         "127.0.0.1",
			BrokerListen:  "127.0.0.1:0",
			GPSStaleAfter: 5 * time.Second,
		},
		Cameras: []config.CameraConfig{
			{ID: 1},
			{ID: 2, Name: "Mast"},
		},
		Audio: config.AudioConfig{Enabled: true},
		Streamer: config.StreamerConfig{
			ControlTimeout: time.Second,
			StopGrace:      time.Second,
		},
		Discovery: config.DiscoveryConfig{Broadcast: "127.0.0.1", Interval: 50 * time.Millisecond},
	}
}

// fakeRover is the rover end of the shared channel
type fakeRover struct {
	t        *testing.T
	l        *eventloop.Loop
	ch       *channel.Channel
	messages []protocol.Message
}

func newFakeRover(t *testing.T, l *eventloop.Loop, port int) *fakeRover {
	t.Helper()
	r := &fakeRover{t: t, l: l}
	on(t, l, func() {
		r.ch = channel.New(l, channel.Config{
			Name:              ChannelShared,
			Transport:         channel.Stream,
			Role:              channel.Server,
			Local:             channel.Endpoint{Host: "127.0.0.1", Port: port},
			HeartbeatInterval: 50 * time.Millisecond,
		}, testLogger())
		r.ch.OnMessage(func(b []byte) {
			if m, err := protocol.Decode(b); err == nil {
				r.messages = append(r.messages, m)
			}
		})
		require.NoError(t, r.ch.Open())
	})
	t.Cleanup(func() { _ = l.Do(context.Background(), r.ch.Close) })
	return r
}

func (r *fakeRover) port() int {
	var ep channel.Endpoint
	on(r.t, r.l, func() { ep = channel.EndpointFromAddr(r.ch.LocalAddr()) })
	return ep.Port
}

func (r *fakeRover) send(m protocol.Message) {
	on(r.t, r.l, func() { require.NoError(r.t, r.ch.Send(protocol.Encode(m))) })
}

func (r *fakeRover) waitFor(match func(protocol.Message) bool) protocol.Message {
	r.t.Helper()
	var found protocol.Message
	require.Eventually(r.t, func() bool {
		on(r.t, r.l, func() {
			for _, m := range r.messages {
				if match(m) {
					found = m
					return
				}
			}
		})
		return found != nil
	}, 3*time.Second, 10*time.Millisecond)
	return found
}

func startConsole(t *testing.T, l *eventloop.Loop, cfg *config.Config, opts Options) *Console {
	t.Helper()
	if opts.Launcher.Path == "" {
		opts.Launcher = fakeLauncher(t)
	}
	var (
		c   *Console
		err error
	)
	on(t, l, func() {
		c, err = New(l, cfg, opts, testLogger())
		if err == nil {
			err = c.Start(context.Background())
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Do(context.Background(), c.Close) })
	return c
}

func upstreamState(t *testing.T, l *eventloop.Loop, c *Console) channel.State {
	var s channel.State
	on(t, l, func() { s = c.Upstream().State() })
	return s
}

func waitUpstream(t *testing.T, l *eventloop.Loop, c *Console, want channel.State) {
	t.Helper()
	require.Eventually(t, func() bool { return upstreamState(t, l, c) == want }, 3*time.Second, 10*time.Millisecond)
}

func playerState(t *testing.T, l *eventloop.Loop, c *Console, id int32) streamworker.State {
	var s streamworker.State
	on(t, l, func() {
		for _, h := range c.players.handles() {
			if h.MediaID() == id {
				s = h.State()
			}
		}
	})
	return s
}

func TestNew_ConfigurationErrors(t *testing.T) {
	l := newTestLoop(t)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"peer without broker", func(c *config.Config) { c.Console.Mode = ModePeer }},
		{"unknown mode", func(c *config.Config) { c.Console.Mode = "relay" }},
		{"bad broker listen", func(c *config.Config) { c.Console.BrokerListen = "nowhere" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(1)
			tt.mutate(cfg)
			var err error
			on(t, l, func() { _, err = New(l, cfg, Options{}, testLogger()) })
			assert.True(t, errs.Is(err, errs.ConfigurationError), "got %v", err)
		})
	}
}

func TestConsole_LoadsCameraNames(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)
	store := testStorage(t)
	require.NoError(t, store.SaveCameraName(1, "Belly"))

	c := startConsole(t, l, testConfig(rover.port()), Options{Storage: store})

	on(t, l, func() {
		view := c.State().View()
		require.Len(t, view.Cameras, 2)
		assert.Equal(t, "Belly", view.Cameras[0].Name)
		assert.Equal(t, "Mast", view.Cameras[1].Name)
	})
}

func TestConsole_DefaultCameraName(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)

	c := startConsole(t, l, testConfig(rover.port()), Options{})

	on(t, l, func() {
		view := c.State().View()
		assert.Equal(t, "Camera 1", view.Cameras[0].Name)
	})
}

func TestConsole_PlayersFollowRoverReports(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)
	c := startConsole(t, l, testConfig(rover.port()), Options{})
	waitUpstream(t, l, c, channel.Connected)

	preset := media.VideoPresets()[2]
	rover.send(protocol.CameraChanged{CameraID: 1, State: int32(streamworker.Streaming), Format: preset})
	require.Eventually(t, func() bool { return playerState(t, l, c, 1) == streamworker.Streaming }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, streamworker.Idle, playerState(t, l, c, 2))

	rover.send(protocol.AudioStreamChanged{State: int32(streamworker.Starting), Format: media.DefaultAudio()})
	require.Eventually(t, func() bool {
		return playerState(t, l, c, protocol.AudioMediaID) == streamworker.Streaming
	}, 5*time.Second, 10*time.Millisecond)

	rover.send(protocol.CameraChanged{CameraID: 1, State: int32(streamworker.Idle), Format: media.NullVideo()})
	require.Eventually(t, func() bool { return playerState(t, l, c, 1) == streamworker.Idle }, 5*time.Second, 10*time.Millisecond)

	on(t, l, func() {
		assert.Equal(t, streamworker.Idle, c.State().Cameras[1].State)
		assert.Equal(t, streamworker.Starting, c.State().Audio.State)
	})
}

func TestConsole_IntentsReachRover(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)
	c := startConsole(t, l, testConfig(rover.port()), Options{})
	waitUpstream(t, l, c, channel.Connected)

	preset := media.VideoPresets()[0]
	var errUnknown, errAudioFormat error
	on(t, l, func() {
		require.NoError(t, c.SelectFormat(2, preset))
		require.NoError(t, c.StartAudio(media.Format{}))
		require.NoError(t, c.StopCamera(2))
		errUnknown = c.SelectFormat(9, preset)
		errAudioFormat = c.StartAudio(preset)
	})
	assert.ErrorIs(t, errUnknown, ErrUnknownCamera)
	assert.Error(t, errAudioFormat)

	got := rover.waitFor(func(m protocol.Message) bool { return m.Tag() == protocol.TagRequestActivateCamera })
	assert.Equal(t, protocol.RequestActivateCamera{CameraID: 2, Format: preset}, got)

	got = rover.waitFor(func(m protocol.Message) bool { return m.Tag() == protocol.TagRequestActivateAudioStream })
	assert.Equal(t, protocol.RequestActivateAudioStream{Format: media.DefaultAudio()}, got)

	rover.waitFor(func(m protocol.Message) bool { return m.Tag() == protocol.TagRequestDeactivateCamera })
}

func TestConsole_RenameAndChatArePersisted(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)
	store := testStorage(t)
	c := startConsole(t, l, testConfig(rover.port()), Options{Storage: store})

	on(t, l, func() {
		require.NoError(t, c.RenameCamera(2, "Arm cam"))
		require.NoError(t, c.Chat("ops", "sample collected"))
		assert.Equal(t, "Arm cam", c.State().Cameras[2].Name)
	})

	names, err := store.CameraNames()
	require.NoError(t, err)
	assert.Equal(t, "Arm cam", names[2])

	comments, err := store.ListComments(10)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "ops", comments[0].Author)
	assert.Equal(t, "sample collected", comments[0].Text)

	var errUnknown error
	on(t, l, func() { errUnknown = c.RenameCamera(7, "nope") })
	assert.ErrorIs(t, errUnknown, ErrUnknownCamera)
}

func TestConsole_PublishesBitrate(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)
	c := startConsole(t, l, testConfig(rover.port()), Options{})

	got := make(chan protocol.BitrateUpdate, 4)
	on(t, l, func() {
		c.OnEvent(func(ev overlay.Event) {
			if b, ok := ev.Message.(protocol.BitrateUpdate); ok {
				select {
				case got <- b:
				default:
				}
			}
		})
	})

	select {
	case b := <-got:
		on(t, l, func() { assert.Equal(t, b, c.Bitrate()) })
	case <-time.After(3 * time.Second):
		t.Fatal("no bitrate update")
	}
}

func TestConsole_GPSStaleness(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)
	cfg := testConfig(rover.port())
	cfg.Console.GPSStaleAfter = 300 * time.Millisecond

	var (
		c       *Console
		notices []NoticeKind
	)
	on(t, l, func() {
		var err error
		c, err = New(l, cfg, Options{Launcher: fakeLauncher(t)}, testLogger())
		require.NoError(t, err)
		c.OnNotice(func(n Notice) { notices = append(notices, n.Kind) })
		require.NoError(t, c.Start(context.Background()))
	})
	t.Cleanup(func() { _ = l.Do(context.Background(), c.Close) })

	require.Eventually(t, func() bool {
		var stale bool
		on(t, l, func() { stale = c.GPSStale() })
		return stale
	}, 2*time.Second, 10*time.Millisecond)

	waitUpstream(t, l, c, channel.Connected)
	rover.send(protocol.RoverGpsUpdate{Fix: gps.Fix{Time: time.Now(), Latitude: 38.4, Longitude: -110.8}})
	require.Eventually(t, func() bool {
		var stale bool
		on(t, l, func() { stale = c.GPSStale() })
		return !stale
	}, 2*time.Second, 10*time.Millisecond)

	on(t, l, func() {
		require.GreaterOrEqual(t, len(notices), 2)
		assert.Equal(t, []NoticeKind{NoticeGPSStale, NoticeGPSRestored}, notices[:2])
	})
}

func TestConsole_PeerSeesBrokerState(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)
	store := testStorage(t)
	broker := startConsole(t, l, testConfig(rover.port()), Options{Storage: store})

	var brokerAddr channel.Endpoint
	on(t, l, func() { brokerAddr = channel.EndpointFromAddr(broker.broker.Addr()) })

	peerCfg := testConfig(rover.port())
	peerCfg.Console.Mode = ModePeer
	peer := startConsole(t, l, peerCfg, Options{Broker: brokerAddr})
	waitUpstream(t, l, peer, channel.Connected)

	require.Eventually(t, func() bool {
		var name string
		on(t, l, func() { name = peer.State().Cameras[2].Name })
		return name == "Mast"
	}, 3*time.Second, 10*time.Millisecond)

	on(t, l, func() { require.NoError(t, peer.Chat("peer", "hello broker")) })
	require.Eventually(t, func() bool {
		comments, err := store.ListComments(10)
		return err == nil && len(comments) == 1 && comments[0].Text == "hello broker"
	}, 3*time.Second, 10*time.Millisecond)

	on(t, l, func() { require.NoError(t, peer.SelectFormat(1, media.VideoPresets()[1])) })
	rover.waitFor(func(m protocol.Message) bool { return m.Tag() == protocol.TagRequestActivateCamera })
}

func TestConsole_ReconnectRover(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)
	port := rover.port()

	var (
		c    *Console
		lost bool
	)
	c = startConsole(t, l, testConfig(port), Options{})
	on(t, l, func() {
		c.OnNotice(func(n Notice) {
			if n.Kind == NoticeUpstreamLost {
				lost = true
			}
		})
	})
	waitUpstream(t, l, c, channel.Connected)

	on(t, l, rover.ch.Close)
	waitUpstream(t, l, c, channel.Error)
	on(t, l, func() { assert.True(t, lost) })

	// nothing reopens the rover channel on its own
	newFakeRover(t, l, port)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, channel.Error, upstreamState(t, l, c))

	on(t, l, func() { require.NoError(t, c.ReconnectRover()) })
	waitUpstream(t, l, c, channel.Connected)
}

func TestConsole_DriverSendsCommands(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)

	received := make(map[string][]byte)
	server := func(name string) int {
		var ep channel.Endpoint
		on(t, l, func() {
			ch := channel.New(l, channel.Config{
				Name:              name,
				Transport:         channel.Datagram,
				Role:              channel.Server,
				Local:             channel.Endpoint{Host: "127.0.0.1"},
				HeartbeatInterval: 50 * time.Millisecond,
			}, testLogger())
			ch.OnMessage(func(b []byte) { received[name] = b })
			require.NoError(t, ch.Open())
			t.Cleanup(func() { l.Post(ch.Close) })
			ep = channel.EndpointFromAddr(ch.LocalAddr())
		})
		return ep.Port
	}

	cfg := testConfig(rover.port())
	cfg.Rover.Ports.Drive = server(ChannelDrive)
	cfg.Rover.Ports.Gimbal = server(ChannelGimbal)
	cfg.Console.Driver.Enabled = true
	c := startConsole(t, l, cfg, Options{})

	require.Eventually(t, func() bool {
		var s Stats
		on(t, l, func() { s = c.Stats() })
		return s.Driver[ChannelDrive].State == "connected" && s.Driver[ChannelGimbal].State == "connected"
	}, 3*time.Second, 10*time.Millisecond)

	var errRange error
	on(t, l, func() {
		require.NoError(t, c.Drive(0.5, -0.5, 0, 1))
		errRange = c.Drive(2, 0, 0, 0)
	})
	assert.Error(t, errRange)

	require.Eventually(t, func() bool {
		var ok bool
		on(t, l, func() { ok = received[ChannelDrive] != nil && received[ChannelGimbal] != nil })
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	on(t, l, func() {
		assert.Equal(t, []byte{byte(controller.KindDrive), 150, 50}, received[ChannelDrive])
		assert.Equal(t, []byte{byte(controller.KindGimbal), 100, 200}, received[ChannelGimbal])
	})
}

func TestConsole_DriveDisabled(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)
	c := startConsole(t, l, testConfig(rover.port()), Options{})

	var err error
	on(t, l, func() { err = c.Drive(0, 0, 0, 0) })
	assert.ErrorIs(t, err, ErrDriverDisabled)
}

func TestDiscoverBroker(t *testing.T) {
	l := newTestLoop(t)
	rover := newFakeRover(t, l, 0)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	discoveryPort := channel.EndpointFromAddr(pc.LocalAddr()).Port
	pc.Close()

	cfg := testConfig(rover.port())
	cfg.Discovery.Port = discoveryPort
	c := startConsole(t, l, cfg, Options{})

	var want channel.Endpoint
	on(t, l, func() { want = channel.EndpointFromAddr(c.broker.Addr()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	got, err := DiscoverBroker(ctx, cfg, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", got.Host)
	assert.Equal(t, want.Port, got.Port)
}
