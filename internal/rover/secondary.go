package rover

import (
	"context"
	"log/slog"
	"time"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/discovery"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/protocol"
	"github.com/roverlink/roverlink/internal/streamworker"
)

// Secondary runs on the rover's second computer. It serves the cameras marked secondary
// and talks to the primary over the secondary channel. Methods must run on the loop.
type Secondary struct {
	loop    *eventloop.Loop
	logger  *slog.Logger
	metrics *metrics.Metrics

	ch       *channel.Channel
	reopener *channel.Reopener
	media    *MediaServer
	cfg      *config.Config

	statsTimer *eventloop.Timer
}

// NewSecondary connects to the primary rover at primary
func NewSecondary(loop *eventloop.Loop, cfg *config.Config, primary channel.Endpoint, launcher streamworker.Launcher, m *metrics.Metrics, logger *slog.Logger) (*Secondary, error) {
	if cfg.Rover.Secondary.Console == "" {
		return nil, errs.Newf(errs.ConfigurationError, "secondary", "rover.secondary.console is required")
	}
	s := &Secondary{
		loop:    loop,
		logger:  logger.With("component", "secondary"),
		metrics: m,
		cfg:     cfg,
	}
	s.ch = channel.New(loop, channel.Config{
		Name:              ChannelSecondary,
		Transport:         channel.Stream,
		Role:              channel.Client,
		Remote:            primary,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)

	var own []config.CameraConfig
	for _, c := range cfg.Cameras {
		if c.Secondary {
			own = append(own, c)
		}
	}
	s.media = NewMediaServer(loop, MediaConfig{
		Cameras:        own,
		Launcher:       launcher,
		Forwards:       cfg.Forwards(),
		ControlTimeout: cfg.Streamer.ControlTimeout,
		StopGrace:      cfg.Streamer.StopGrace,
	}, s.send, m, logger)
	s.media.SetConsole(cfg.Rover.Secondary.Console)

	s.ch.OnMessage(s.message)
	s.ch.OnStateChange(s.stateChanged)
	return s, nil
}

// PrimaryAddress is rover.secondary.rover, or the primary found by broadcast when that is
// empty
func PrimaryAddress(ctx context.Context, cfg *config.Config, logger *slog.Logger) (channel.Endpoint, error) {
	if cfg.Rover.Secondary.Rover != "" {
		ep, err := channel.ParseEndpoint(cfg.Rover.Secondary.Rover)
		if err != nil {
			return channel.Endpoint{}, errs.New(errs.ConfigurationError, "rover.secondary.rover", err)
		}
		return ep, nil
	}
	probe := &discovery.Probe{
		Service:  discovery.ServiceSecondary,
		Target:   channel.Endpoint{Host: cfg.Discovery.Broadcast, Port: cfg.Discovery.Port},
		Interval: cfg.Discovery.Interval,
		Logger:   logger,
	}
	return probe.Discover(ctx)
}

func (s *Secondary) Start() error {
	s.reopener = channel.WatchReopen(s.loop, s.ch, s.cfg.Rover.ReopenInitial, s.cfg.Rover.ReopenMax, s.logger)
	if err := s.ch.Open(); err != nil {
		return errs.New(errs.ChannelFault, "open secondary channel", err)
	}
	if s.metrics != nil {
		s.statsTimer = s.loop.Every(time.Second, s.observe)
	}
	return nil
}

func (s *Secondary) Close() {
	if s.reopener != nil {
		s.reopener.Stop()
	}
	s.statsTimer.Stop()
	s.media.StopAll()
	s.ch.Close()
}

func (s *Secondary) Channel() *channel.Channel { return s.ch }
func (s *Secondary) Media() *MediaServer       { return s.media }

func (s *Secondary) send(m protocol.Message) {
	if err := s.ch.Send(protocol.Encode(m)); err != nil {
		s.logger.Warn("Secondary send failed", "tag", m.Tag(), "error", err)
	}
}

func (s *Secondary) stateChanged(st channel.State) {
	switch st {
	case channel.Connected:
		s.media.Publish()
	case channel.Error:
		s.media.StopAll()
	}
}

func (s *Secondary) message(b []byte) {
	m, err := protocol.Decode(b)
	if err != nil {
		s.logger.Warn("Dropping message from primary", "error", err)
		return
	}
	if !s.media.Handle(m) {
		s.logger.Warn("Unexpected message from primary", "tag", m.Tag())
	}
}

func (s *Secondary) observe() {
	s.metrics.ObserveChannel(s.ch)
	for _, h := range s.media.Handles() {
		s.metrics.ObserveWorker(h)
	}
}

// Snapshot reports the secondary channel and this computer's workers
func (s *Secondary) Snapshot() Snapshot {
	snap := Snapshot{
		Channels:    map[string]channel.Stats{s.ch.Name(): s.ch.Stats()},
		Controllers: map[string]string{},
	}
	for _, h := range s.media.Handles() {
		snap.Workers = append(snap.Workers, h.Info())
	}
	return snap
}
