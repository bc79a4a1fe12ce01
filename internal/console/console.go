// Package console runs mission control: the overlay node (broker or peer), the media
// players fed by the rover's camera and audio streams, and the optional driver channels.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roverlink/roverlink/internal/appstate"
	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/discovery"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/overlay"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/pkg/models"
	"github.com/roverlink/roverlink/internal/protocol"
	"github.com/roverlink/roverlink/internal/storage"
	"github.com/roverlink/roverlink/internal/streamworker"
)

const (
	ModeBroker = "broker"
	ModePeer   = "peer"

	// BitrateInterval is how often the broker reports stream throughput
	BitrateInterval = time.Second
)

// Channel names shared with the rover
const (
	ChannelShared = "shared"
	ChannelDrive  = "drive"
	ChannelGimbal = "gimbal"
)

var (
	ErrDriverDisabled = errors.New("driver control is disabled on this console")
	ErrUnknownCamera  = errors.New("unknown camera")
)

// Options are the collaborators a console is built with. Storage and Metrics are optional.
type Options struct {
	Launcher streamworker.Launcher
	Storage  storage.Storage
	Metrics  *metrics.Metrics
	// Broker is the broker a peer connects to
	Broker channel.Endpoint
}

// Console wires one mission control process together. Methods must run on the loop.
type Console struct {
	cfg     *config.Config
	loop    *eventloop.Loop
	logger  *slog.Logger
	store   storage.Storage
	metrics *metrics.Metrics

	node   overlay.Node
	broker *overlay.Broker
	peer   *overlay.Peer
	rover  *channel.Channel

	players *players
	driver  *driver

	bitrate  protocol.BitrateUpdate
	gpsStale bool
	gpsTimer *eventloop.Timer

	bitrateTimer *eventloop.Timer
	statsTimer   *eventloop.Timer
	cancel       context.CancelFunc

	notices []func(Notice)
}

func New(loop *eventloop.Loop, cfg *config.Config, opts Options, logger *slog.Logger) (*Console, error) {
	c := &Console{
		cfg:     cfg,
		loop:    loop,
		logger:  logger.With("component", "console"),
		store:   opts.Storage,
		metrics: opts.Metrics,
	}

	switch cfg.Console.Mode {
	case ModeBroker:
		c.rover = channel.New(loop, channel.Config{
			Name:              ChannelShared,
			Transport:         channel.Stream,
			Role:              channel.Client,
			Remote:            channel.Endpoint{Host: cfg.Console.Rover, Port: cfg.Rover.Ports.Shared},
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, logger)
		listen, err := channel.ParseEndpoint(cfg.Console.BrokerListen)
		if err != nil {
			return nil, errs.New(errs.ConfigurationError, "broker listen", err)
		}
		c.broker = overlay.NewBroker(loop, c.rover, overlay.BrokerConfig{
			Listen:            listen,
			HeartbeatInterval: cfg.HeartbeatInterval,
			PeerRate:          cfg.Console.PeerRate,
			PeerBurst:         cfg.Console.PeerBurst,
			GPSHistory:        cfg.Console.GPSHistory,
		}, logger)
		c.node = c.broker
		for _, cam := range cfg.Cameras {
			c.broker.State().EnsureCamera(cam.ID)
		}
	case ModePeer:
		if opts.Broker.IsZero() {
			return nil, errs.Newf(errs.ConfigurationError, "peer", "no broker address")
		}
		c.peer = overlay.NewPeer(loop, overlay.PeerConfig{
			Broker:            opts.Broker,
			HeartbeatInterval: cfg.HeartbeatInterval,
			GPSHistory:        cfg.Console.GPSHistory,
		}, logger)
		c.node = c.peer
	default:
		return nil, errs.Newf(errs.ConfigurationError, "console", "invalid console mode %q", cfg.Console.Mode)
	}

	c.players = newPlayers(loop, cfg, opts.Launcher, c.playerChanged, logger)
	if cfg.Console.Driver.Enabled {
		c.driver = newDriver(loop, cfg, logger)
	}
	c.node.OnEvent(c.event)
	return c, nil
}

// Start loads persisted names and opens every channel
func (c *Console) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if c.broker != nil {
		if err := c.loadCameraNames(); err != nil {
			c.logger.Warn("Camera names not loaded", "error", err)
		}
		if err := c.broker.Start(); err != nil {
			return errs.New(errs.ChannelFault, "broker", err)
		}
		if err := c.rover.Open(); err != nil {
			return errs.New(errs.ChannelFault, "open rover channel", err)
		}
		c.announce(ctx)
		c.bitrateTimer = c.loop.Every(BitrateInterval, c.publishBitrate)
	} else if err := c.peer.Open(); err != nil {
		return errs.New(errs.ChannelFault, "open broker channel", err)
	}

	if c.driver != nil {
		if err := c.driver.open(); err != nil {
			return errs.New(errs.ChannelFault, "open driver channels", err)
		}
	}
	c.gpsTimer = c.loop.AfterFunc(c.cfg.Console.GPSStaleAfter, c.gpsTimedOut)
	if c.metrics != nil {
		c.statsTimer = c.loop.Every(time.Second, c.observe)
	}
	c.logger.Info("Console started", "mode", c.cfg.Console.Mode, "cameras", len(c.cfg.Cameras))
	return nil
}

// Close stops players, timers and channels
func (c *Console) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.bitrateTimer.Stop()
	c.statsTimer.Stop()
	c.gpsTimer.Stop()
	c.players.stopAll()
	if c.driver != nil {
		c.driver.close()
	}
	c.node.Close()
	if c.rover != nil {
		c.rover.Close()
	}
}

// announce answers broker discovery probes from peers
func (c *Console) announce(ctx context.Context) {
	port := channel.EndpointFromAddr(c.broker.Addr()).Port
	responder := &discovery.Responder{
		Service: discovery.ServiceBroker,
		Listen:  channel.Endpoint{Host: "0.0.0.0", Port: c.cfg.Discovery.Port},
		Port:    port,
		Logger:  c.logger,
	}
	go func() {
		if err := responder.Run(ctx); err != nil {
			c.logger.Error("Broker discovery stopped", "error", err)
		}
	}()
}

// DiscoverBroker probes the local network for a broker console
func DiscoverBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (channel.Endpoint, error) {
	probe := &discovery.Probe{
		Service:  discovery.ServiceBroker,
		Target:   channel.Endpoint{Host: cfg.Discovery.Broadcast, Port: cfg.Discovery.Port},
		Interval: cfg.Discovery.Interval,
		Logger:   logger,
	}
	return probe.Discover(ctx)
}

func (c *Console) Mode() string          { return c.cfg.Console.Mode }
func (c *Console) IsBroker() bool         { return c.broker != nil }
func (c *Console) Node() overlay.Node     { return c.node }
func (c *Console) GPSStale() bool         { return c.gpsStale }
func (c *Console) State() *appstate.State { return c.node.State() }

// Bitrate is the latest throughput report
func (c *Console) Bitrate() protocol.BitrateUpdate { return c.bitrate }

// OnEvent registers fn for every overlay event
func (c *Console) OnEvent(fn func(overlay.Event)) {
	c.node.OnEvent(fn)
}

// Upstream is the channel toward the rover: the rover channel on the broker, the broker
// channel on a peer
func (c *Console) Upstream() *channel.Channel {
	if c.broker != nil {
		return c.rover
	}
	return c.peer.Channel()
}

// ReconnectRover reopens the upstream channel unless it is connected. It is the only way
// a console leaves Error.
func (c *Console) ReconnectRover() error {
	up := c.Upstream()
	if up.State() == channel.Connected {
		return nil
	}
	c.logger.Info("Reconnecting", "channel", up.Name(), "last_error", up.LastError())
	if c.peer != nil {
		return c.peer.Open()
	}
	return up.Open()
}

func (c *Console) loadCameraNames() error {
	names := make(map[int32]string)
	for _, cam := range c.cfg.Cameras {
		if cam.Name != "" {
			names[cam.ID] = cam.Name
		}
	}
	if c.store != nil {
		stored, err := c.store.CameraNames()
		if err != nil {
			return err
		}
		for id, name := range stored {
			names[id] = name
		}
	}
	for id, name := range names {
		c.broker.State().Apply(protocol.CameraNameChanged{CameraID: id, Name: name})
	}
	return nil
}

func (c *Console) publishBitrate() {
	var down uint64
	for _, h := range c.players.handles() {
		down += uint64(h.Bitrate())
	}
	c.broker.Publish(protocol.BitrateUpdate{DownBps: down, UpBps: uint64(c.rover.UpBps())})
}

// SelectFormat asks the rover to stream a camera in format f
func (c *Console) SelectFormat(cameraID int32, f media.Format) error {
	if _, ok := c.cfg.Camera(cameraID); !ok {
		return fmt.Errorf("%w %d", ErrUnknownCamera, cameraID)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	if f.Kind != media.KindVideo || !f.IsUsable() {
		return fmt.Errorf("format %s is not a usable video format", f.Serialize())
	}
	return c.node.Submit(protocol.RequestActivateCamera{CameraID: cameraID, Format: f})
}

// StopCamera asks the rover to stop streaming a camera
func (c *Console) StopCamera(cameraID int32) error {
	if _, ok := c.cfg.Camera(cameraID); !ok {
		return fmt.Errorf("%w %d", ErrUnknownCamera, cameraID)
	}
	return c.node.Submit(protocol.RequestDeactivateCamera{CameraID: cameraID})
}

// StartAudio asks the rover for the audio stream. An unusable format selects the default.
func (c *Console) StartAudio(f media.Format) error {
	if !f.IsUsable() {
		f = media.DefaultAudio()
	}
	if f.Kind != media.KindAudio {
		return fmt.Errorf("format %s is not an audio format", f.Serialize())
	}
	return c.node.Submit(protocol.RequestActivateAudioStream{Format: f})
}

func (c *Console) StopAudio() error {
	return c.node.Submit(protocol.RequestDeactivateAudioStream{})
}

// RenameCamera sets a camera's display name on every console
func (c *Console) RenameCamera(cameraID int32, name string) error {
	if _, ok := c.cfg.Camera(cameraID); !ok {
		return fmt.Errorf("%w %d", ErrUnknownCamera, cameraID)
	}
	return c.node.Submit(protocol.CameraNameChanged{CameraID: cameraID, Name: name})
}

// Chat sends an operator comment to every console
func (c *Console) Chat(author, text string) error {
	return c.node.Submit(protocol.MissionControlChat{Author: author, Text: text})
}

// Drive sends wheel and gimbal rates straight to the rover
func (c *Console) Drive(left, right, pan, tilt float64) error {
	if c.driver == nil {
		return ErrDriverDisabled
	}
	return c.driver.send(left, right, pan, tilt)
}

func (c *Console) event(ev overlay.Event) {
	switch ev.Kind {
	case overlay.EventMessage:
		if c.metrics != nil {
			c.metrics.MessageRelayed(ev.Message.Tag())
		}
		c.message(ev.Message)
	case overlay.EventDropped:
		if c.metrics != nil {
			c.metrics.MessageDropped(ev.Reason)
		}
	case overlay.EventPeerJoined, overlay.EventPeerLeft:
		if c.metrics != nil && c.broker != nil {
			c.metrics.SetPeers(len(c.broker.Peers()))
		}
	case overlay.EventUpstream:
		if ev.State == channel.Error {
			c.players.stopAll()
			c.notify(NoticeUpstreamLost, fmt.Sprintf("%s channel lost: %s", c.Upstream().Name(), c.Upstream().LastError()))
		}
	}
}

func (c *Console) message(m protocol.Message) {
	switch m := m.(type) {
	case protocol.CameraChanged:
		c.players.camera(m)
	case protocol.AudioStreamChanged:
		c.players.audio(m)
	case protocol.BitrateUpdate:
		c.bitrate = m
	case protocol.RoverGpsUpdate:
		c.gpsFix()
	case protocol.RoverMediaServerError:
		c.notify(NoticeMediaError, fmt.Sprintf("%s: %s", mediaName(m.MediaID), m.Error))
	case protocol.CameraNameChanged:
		if c.broker != nil && c.store != nil {
			if err := c.store.SaveCameraName(m.CameraID, m.Name); err != nil {
				c.logger.Warn("Camera name not saved", "camera", m.CameraID, "error", err)
			}
		}
	case protocol.MissionControlChat:
		if c.store != nil {
			if err := c.store.AddComment(&models.Comment{Author: m.Author, Text: m.Text, CreatedAt: c.loop.Now()}); err != nil {
				c.logger.Warn("Comment not saved", "error", err)
			}
		}
	}
}

func (c *Console) gpsFix() {
	if c.gpsStale {
		c.gpsStale = false
		c.notify(NoticeGPSRestored, "GPS fixes resumed")
	}
	c.gpsTimer.Stop()
	c.gpsTimer = c.loop.AfterFunc(c.cfg.Console.GPSStaleAfter, c.gpsTimedOut)
}

func (c *Console) gpsTimedOut() {
	c.gpsTimer = nil
	if c.gpsStale {
		return
	}
	c.gpsStale = true
	c.notify(NoticeGPSStale, fmt.Sprintf("no GPS fix for %s", c.cfg.Console.GPSStaleAfter))
}

func (c *Console) playerChanged(h *streamworker.Handle) {
	if h.State() != streamworker.Error {
		return
	}
	if c.metrics != nil {
		c.metrics.WorkerFault(h.MediaID())
	}
	c.notify(NoticePlayerFault, fmt.Sprintf("%s player: %s", mediaName(h.MediaID()), h.Err()))
}

func (c *Console) observe() {
	c.metrics.ObserveChannel(c.Upstream())
	if c.driver != nil {
		c.metrics.ObserveChannel(c.driver.drive)
		c.metrics.ObserveChannel(c.driver.gimbal)
	}
	for _, h := range c.players.handles() {
		c.metrics.ObserveWorker(h)
	}
}

// Stats is a read-only view of the console for the status API
type Stats struct {
	Mode     string                   `json:"mode"`
	Upstream channel.Stats            `json:"upstream"`
	Driver   map[string]channel.Stats `json:"driver,omitempty"`
	Peers    []overlay.PeerInfo       `json:"peers,omitempty"`
	Players  []streamworker.Info      `json:"players"`
	Bitrate  protocol.BitrateUpdate   `json:"bitrate"`
	GPSStale bool                     `json:"gps_stale"`
}

func (c *Console) Stats() Stats {
	s := Stats{
		Mode:     c.cfg.Console.Mode,
		Upstream: c.Upstream().Stats(),
		Bitrate:  c.bitrate,
		GPSStale: c.gpsStale,
	}
	if c.broker != nil {
		s.Peers = c.broker.Peers()
	}
	if c.driver != nil {
		s.Driver = map[string]channel.Stats{
			ChannelDrive:  c.driver.drive.Stats(),
			ChannelGimbal: c.driver.gimbal.Stats(),
		}
	}
	for _, h := range c.players.handles() {
		s.Players = append(s.Players, h.Info())
	}
	return s
}

func mediaName(id int32) string {
	if id == protocol.AudioMediaID {
		return "audio"
	}
	return appstate.DefaultCameraName(id)
}
