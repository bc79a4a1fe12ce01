// Package rover runs the vehicle side: the server channels consoles connect to, the
// embedded controller links, the media workers and the GPS feed.
package rover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/controller"
	"github.com/roverlink/roverlink/internal/discovery"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/gps"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/protocol"
	"github.com/roverlink/roverlink/internal/streamworker"
)

// Channel names, shared with the console side
const (
	ChannelArm       = "arm"
	ChannelDrive     = "drive"
	ChannelGimbal    = "gimbal"
	ChannelShared    = "shared"
	ChannelSecondary = "secondary"
)

// StatusDelay is how long after a console connects the first status report is sent
const StatusDelay = time.Second

// Rover wires every rover-side component together. Methods must run on the loop.
type Rover struct {
	cfg     *config.Config
	loop    *eventloop.Loop
	logger  *slog.Logger
	metrics *metrics.Metrics

	arm, drive, gimbal *channel.Channel
	shared, secondary  *channel.Channel
	channels           []*channel.Channel
	reopeners          []*channel.Reopener

	armCtl, driveCtl *controller.Link

	media *MediaServer

	statusTimer *eventloop.Timer
	statsTimer  *eventloop.Timer
	cancel      context.CancelFunc
}

// Launcher is the worker command for cfg: this executable's streamer serve subcommand
// unless streamer.path says otherwise
func Launcher(cfg *config.Config, self, mode string) streamworker.Launcher {
	path := cfg.Streamer.Path
	if path == "" {
		path = self
	}
	return streamworker.Launcher{Path: path, Args: []string{"streamer", mode}}
}

func New(loop *eventloop.Loop, cfg *config.Config, launcher streamworker.Launcher, m *metrics.Metrics, logger *slog.Logger) *Rover {
	r := &Rover{
		cfg:     cfg,
		loop:    loop,
		logger:  logger.With("component", "rover"),
		metrics: m,
	}

	server := func(name string, t channel.Transport, port int) *channel.Channel {
		ch := channel.New(loop, channel.Config{
			Name:              name,
			Transport:         t,
			Role:              channel.Server,
			Local:             channel.Endpoint{Host: cfg.Rover.Bind, Port: port},
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, logger)
		r.channels = append(r.channels, ch)
		return ch
	}
	r.arm = server(ChannelArm, channel.Datagram, cfg.Rover.Ports.Arm)
	r.drive = server(ChannelDrive, channel.Datagram, cfg.Rover.Ports.Drive)
	r.gimbal = server(ChannelGimbal, channel.Datagram, cfg.Rover.Ports.Gimbal)
	r.shared = server(ChannelShared, channel.Stream, cfg.Rover.Ports.Shared)
	r.secondary = server(ChannelSecondary, channel.Stream, cfg.Rover.Ports.Secondary)

	ctl := cfg.Rover.Controllers
	r.armCtl = controller.New(loop, controller.Config{
		Name:      "arm",
		ID:        byte(ctl.Arm.ID),
		Local:     channel.Endpoint{Host: cfg.Rover.Bind, Port: ctl.Arm.Port},
		Timeout:   ctl.Timeout,
		KeepAlive: ctl.KeepAlive,
	}, logger)
	r.driveCtl = controller.New(loop, controller.Config{
		Name:      "drive",
		ID:        byte(ctl.Drive.ID),
		Local:     channel.Endpoint{Host: cfg.Rover.Bind, Port: ctl.Drive.Port},
		Timeout:   ctl.Timeout,
		KeepAlive: ctl.KeepAlive,
	}, logger)

	var local []config.CameraConfig
	for _, c := range cfg.Cameras {
		if !c.Secondary {
			local = append(local, c)
		}
	}
	r.media = NewMediaServer(loop, MediaConfig{
		Cameras:        local,
		Audio:          cfg.Audio,
		Launcher:       launcher,
		Forwards:       cfg.Forwards(),
		ControlTimeout: cfg.Streamer.ControlTimeout,
		StopGrace:      cfg.Streamer.StopGrace,
	}, r.sendShared, m, logger)

	r.arm.OnMessage(r.forward(r.armCtl, controller.KindArmGamepad, controller.KindArmMaster))
	r.drive.OnMessage(r.forward(r.driveCtl, controller.KindDrive))
	r.gimbal.OnMessage(r.forward(r.driveCtl, controller.KindGimbal))
	r.shared.OnMessage(r.sharedMessage)
	r.shared.OnStateChange(r.sharedStateChanged)
	r.secondary.OnMessage(r.secondaryMessage)
	r.secondary.OnStateChange(func(channel.State) { r.sendStatus() })
	r.armCtl.OnStateChange(func(controller.State) { r.sendStatus() })
	r.driveCtl.OnStateChange(func(controller.State) { r.sendStatus() })
	return r
}

// Start opens every channel and controller link and starts the discovery responder and
// the GPS listener, which live until ctx ends or Close is called. A bind failure at
// startup is returned as a ChannelFault.
func (r *Rover) Start(ctx context.Context) error {
	for _, ch := range r.channels {
		if err := ch.Open(); err != nil {
			r.Close()
			return errs.New(errs.ChannelFault, "open "+ch.Name()+" channel", err)
		}
		// Errored server channels are reopened with backoff. A rover has no operator to
		// request a reconnect, and the console side still reopens only on request.
		r.reopeners = append(r.reopeners,
			channel.WatchReopen(r.loop, ch, r.cfg.Rover.ReopenInitial, r.cfg.Rover.ReopenMax, r.logger))
	}
	for _, l := range []*controller.Link{r.armCtl, r.driveCtl} {
		if err := l.Open(); err != nil {
			r.Close()
			return errs.New(errs.ChannelFault, "open "+l.Name()+" controller", err)
		}
	}

	ctx, r.cancel = context.WithCancel(ctx)
	responder := &discovery.Responder{
		Service: discovery.ServiceSecondary,
		Listen:  channel.Endpoint{Host: r.cfg.Rover.Bind, Port: r.cfg.Discovery.Port},
		Port:    r.cfg.Rover.Ports.Secondary,
		Logger:  r.logger,
	}
	go func() {
		if err := responder.Run(ctx); err != nil {
			r.logger.Error("Secondary discovery stopped", "error", err)
		}
	}()

	if r.cfg.Rover.GPSListen != "" {
		go func() {
			err := gps.Listen(ctx, r.cfg.Rover.GPSListen, r.logger, func(f gps.Fix) {
				r.loop.Post(func() { r.sendShared(protocol.RoverGpsUpdate{Fix: f}) })
			})
			if err != nil {
				r.logger.Error("GPS listener stopped", "error", err)
			}
		}()
	}

	if r.metrics != nil {
		r.statsTimer = r.loop.Every(time.Second, r.observe)
	}
	r.logger.Info("Rover started",
		"shared", r.cfg.Rover.Ports.Shared,
		"cameras", len(r.cfg.Cameras),
		"audio", r.cfg.Audio.Enabled)
	return nil
}

// Close stops every worker, channel and background task
func (r *Rover) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, ro := range r.reopeners {
		ro.Stop()
	}
	r.statusTimer.Stop()
	r.statsTimer.Stop()
	r.media.StopAll()
	r.armCtl.Close()
	r.driveCtl.Close()
	for _, ch := range r.channels {
		ch.Close()
	}
}

func (r *Rover) Media() *MediaServer { return r.media }

// Channel returns the named server channel
func (r *Rover) Channel(name string) *channel.Channel {
	for _, ch := range r.channels {
		if ch.Name() == name {
			return ch
		}
	}
	return nil
}

// Controllers returns the arm and drive/gimbal links
func (r *Rover) Controllers() []*controller.Link {
	return []*controller.Link{r.armCtl, r.driveCtl}
}

// Status is the subsystem health reported to consoles
func (r *Rover) Status() protocol.RoverStatusUpdate {
	return protocol.RoverStatusUpdate{
		ArmOK:       r.armCtl.State() == controller.Connected,
		DriveOK:     r.driveCtl.State() == controller.Connected,
		SecondaryOK: r.secondary.State() == channel.Connected,
	}
}

func (r *Rover) sendStatus() {
	r.sendShared(r.Status())
}

func (r *Rover) sendShared(m protocol.Message) {
	if err := r.shared.Send(protocol.Encode(m)); err != nil {
		r.logger.Warn("Shared send failed", "tag", m.Tag(), "error", err)
	}
}

// forward returns a handler passing commands of the allowed kinds to a controller
func (r *Rover) forward(link *controller.Link, allowed ...controller.Kind) func([]byte) {
	return func(b []byte) {
		if err := controller.CheckKind(b, allowed...); err != nil {
			r.logger.Warn("Dropping controller command", "controller", link.Name(), "error", err)
			return
		}
		link.SendMessage(b)
	}
}

func (r *Rover) sharedStateChanged(s channel.State) {
	switch s {
	case channel.Connected:
		if ep, ok := r.shared.PeerEndpoint(); ok {
			r.media.SetConsole(ep.Host)
		}
		r.media.Publish()
		r.statusTimer.Stop()
		r.statusTimer = r.loop.AfterFunc(StatusDelay, r.sendStatus)
	case channel.Error:
		r.statusTimer.Stop()
		r.media.StopAll()
	}
}

func (r *Rover) sharedMessage(b []byte) {
	m, err := protocol.Decode(b)
	if err != nil {
		r.logger.Warn("Dropping shared message", "error", err)
		return
	}
	if r.media.Handle(m) {
		return
	}

	switch m := m.(type) {
	case protocol.RequestActivateCamera:
		r.relaySecondary(m.CameraID, b)
	case protocol.RequestDeactivateCamera:
		r.relaySecondary(m.CameraID, b)
	default:
		r.logger.Warn("Unexpected shared message", "tag", m.Tag())
	}
}

// relaySecondary passes a camera request to the secondary computer if it owns the camera
func (r *Rover) relaySecondary(cameraID int32, b []byte) {
	cam, ok := r.cfg.Camera(cameraID)
	switch {
	case !ok:
		r.sendShared(protocol.RoverMediaServerError{MediaID: cameraID, Error: fmt.Sprintf("no camera %d", cameraID)})
	case !cam.Secondary:
		r.logger.Warn("Camera request not served", "camera", cameraID)
	case r.secondary.State() != channel.Connected:
		r.sendShared(protocol.RoverMediaServerError{MediaID: cameraID, Error: "secondary computer not connected"})
	default:
		_ = r.secondary.Send(b)
	}
}

// secondaryMessage relays media reports from the secondary computer verbatim
func (r *Rover) secondaryMessage(b []byte) {
	tag, err := protocol.PeekTag(b)
	if err != nil {
		r.logger.Warn("Dropping secondary message", "error", err)
		return
	}
	switch tag {
	case protocol.TagCameraChanged, protocol.TagRoverMediaServerError:
		_ = r.shared.Send(b)
	default:
		r.logger.Warn("Unexpected secondary message", "tag", tag)
	}
}

func (r *Rover) observe() {
	for _, ch := range r.channels {
		r.metrics.ObserveChannel(ch)
	}
	r.metrics.ObserveController(r.armCtl)
	r.metrics.ObserveController(r.driveCtl)
	for _, h := range r.media.Handles() {
		r.metrics.ObserveWorker(h)
	}
}

// Snapshot is a read-only view of the rover for the status API
type Snapshot struct {
	Channels    map[string]channel.Stats   `json:"channels"`
	Controllers map[string]string          `json:"controllers"`
	Workers     []streamworker.Info        `json:"workers"`
	Status      protocol.RoverStatusUpdate `json:"status"`
}

func (r *Rover) Snapshot() Snapshot {
	s := Snapshot{
		Channels:    make(map[string]channel.Stats, len(r.channels)),
		Controllers: make(map[string]string, 2),
		Status:      r.Status(),
	}
	for _, ch := range r.channels {
		s.Channels[ch.Name()] = ch.Stats()
	}
	for _, l := range r.Controllers() {
		s.Controllers[l.Name()] = l.State().String()
	}
	for _, h := range r.media.Handles() {
		s.Workers = append(s.Workers, h.Info())
	}
	return s
}
