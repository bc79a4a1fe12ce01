package rover

import (
	"log/slog"
	"sort"
	"time"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/protocol"
	"github.com/roverlink/roverlink/internal/streamworker"
)

// MediaConfig selects the streams one computer produces
type MediaConfig struct {
	Cameras  []config.CameraConfig
	Audio    config.AudioConfig
	Launcher streamworker.Launcher
	Forwards []channel.Endpoint

	ControlTimeout time.Duration
	StopGrace      time.Duration
}

// MediaServer owns a producer worker per local camera plus the audio stream, and reports
// their state upstream through send. Methods must run on the loop.
type MediaServer struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	send    func(protocol.Message)

	cameras map[int32]*streamworker.Handle
	devices map[int32]string
	ports   map[int32]int

	audio       *streamworker.Handle
	audioDevice string
	audioPort   int

	console string
}

func NewMediaServer(loop *eventloop.Loop, cfg MediaConfig, send func(protocol.Message), m *metrics.Metrics, logger *slog.Logger) *MediaServer {
	s := &MediaServer{
		logger:  logger.With("component", "media"),
		metrics: m,
		send:    send,
		cameras: make(map[int32]*streamworker.Handle),
		devices: make(map[int32]string),
		ports:   make(map[int32]int),
	}

	for _, cam := range cfg.Cameras {
		h := streamworker.New(loop, streamworker.Config{
			MediaID:        cam.ID,
			Kind:           media.KindVideo,
			Direction:      streamworker.Produce,
			Launcher:       cfg.Launcher,
			ControlTimeout: cfg.ControlTimeout,
			StopGrace:      cfg.StopGrace,
		}, logger)
		for _, fw := range cfg.Forwards {
			_ = h.AddForwardingAddress(fw)
		}
		h.OnStateChange(s.changed)
		s.cameras[cam.ID] = h
		s.devices[cam.ID] = cam.Device
		s.ports[cam.ID] = cam.Port
	}

	if cfg.Audio.Enabled {
		s.audio = streamworker.New(loop, streamworker.Config{
			MediaID:        protocol.AudioMediaID,
			Kind:           media.KindAudio,
			Direction:      streamworker.Produce,
			Launcher:       cfg.Launcher,
			ControlTimeout: cfg.ControlTimeout,
			StopGrace:      cfg.StopGrace,
		}, logger)
		s.audio.OnStateChange(s.changed)
		s.audioDevice = cfg.Audio.Device
		s.audioPort = cfg.Audio.Port
	}
	return s
}

// SetConsole points every stream at host. Running streams follow on their next start.
func (s *MediaServer) SetConsole(host string) {
	if host == s.console {
		return
	}
	s.console = host
	for id, h := range s.cameras {
		h.SetRemote(channel.Endpoint{Host: host, Port: s.ports[id]})
	}
	if s.audio != nil {
		s.audio.SetRemote(channel.Endpoint{Host: host, Port: s.audioPort})
	}
	s.logger.Info("Streaming to console", "host", host)
}

// Has reports whether the camera is produced here
func (s *MediaServer) Has(cameraID int32) bool {
	_, ok := s.cameras[cameraID]
	return ok
}

// Handles returns every worker handle, cameras in id order then audio
func (s *MediaServer) Handles() []*streamworker.Handle {
	ids := make([]int32, 0, len(s.cameras))
	for id := range s.cameras {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*streamworker.Handle, 0, len(ids)+1)
	for _, id := range ids {
		out = append(out, s.cameras[id])
	}
	if s.audio != nil {
		out = append(out, s.audio)
	}
	return out
}

// Handle applies a rover-destined request. It returns false for messages it does not serve.
func (s *MediaServer) Handle(m protocol.Message) bool {
	switch m := m.(type) {
	case protocol.RequestActivateCamera:
		if !s.Has(m.CameraID) {
			return false
		}
		s.activateCamera(m.CameraID, m.Format)
	case protocol.RequestDeactivateCamera:
		h, ok := s.cameras[m.CameraID]
		if !ok {
			return false
		}
		h.Stop()
	case protocol.RequestActivateAudioStream:
		s.activateAudio(m.Format)
	case protocol.RequestDeactivateAudioStream:
		if s.audio != nil {
			s.audio.Stop()
		}
	default:
		return false
	}
	return true
}

func (s *MediaServer) activateCamera(id int32, f media.Format) {
	if s.console == "" {
		s.reportError(id, "no console to stream to")
		return
	}
	if err := s.cameras[id].Start(s.devices[id], f); err != nil && !errs.Is(err, errs.StreamWorkerFault) {
		s.reportError(id, err.Error())
	}
}

func (s *MediaServer) activateAudio(f media.Format) {
	if s.audio == nil {
		s.reportError(protocol.AudioMediaID, "audio is disabled on this rover")
		return
	}
	if s.console == "" {
		s.reportError(protocol.AudioMediaID, "no console to stream to")
		return
	}
	if !f.IsUsable() {
		f = media.DefaultAudio()
	}
	if err := s.audio.Start(s.audioDevice, f); err != nil && !errs.Is(err, errs.StreamWorkerFault) {
		s.reportError(protocol.AudioMediaID, err.Error())
	}
}

// Publish reports the state of every stream, used to resync a reconnected console
func (s *MediaServer) Publish() {
	for _, h := range s.Handles() {
		s.send(changeMessage(h))
	}
}

// StopAll stops every stream
func (s *MediaServer) StopAll() {
	for _, h := range s.Handles() {
		if h.State() != streamworker.Idle {
			h.Stop()
		}
	}
}

func (s *MediaServer) changed(h *streamworker.Handle) {
	s.send(changeMessage(h))
	if h.State() != streamworker.Error {
		return
	}
	if s.metrics != nil {
		s.metrics.WorkerFault(h.MediaID())
	}
	s.send(protocol.RoverMediaServerError{MediaID: h.MediaID(), Error: h.Err()})
}

func (s *MediaServer) reportError(id int32, reason string) {
	s.logger.Warn("Media request refused", "media_id", id, "reason", reason)
	s.send(protocol.RoverMediaServerError{MediaID: id, Error: reason})
}

func changeMessage(h *streamworker.Handle) protocol.Message {
	if h.Kind() == media.KindAudio {
		return protocol.AudioStreamChanged{State: int32(h.State()), Format: h.Format(), Error: h.Err()}
	}
	return protocol.CameraChanged{CameraID: h.MediaID(), State: int32(h.State()), Format: h.Format(), Error: h.Err()}
}
