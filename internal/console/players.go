package console

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/protocol"
	"github.com/roverlink/roverlink/internal/streamworker"
)

// players follow the rover's media reports with one consume worker per stream
type players struct {
	logger  *slog.Logger
	cameras map[int32]*streamworker.Handle
	audioH  *streamworker.Handle
}

func newPlayers(loop *eventloop.Loop, cfg *config.Config, launcher streamworker.Launcher, changed func(*streamworker.Handle), logger *slog.Logger) *players {
	p := &players{
		logger:  logger.With("component", "players"),
		cameras: make(map[int32]*streamworker.Handle),
	}
	consume := func(id int32, kind media.Kind, port int) *streamworker.Handle {
		h := streamworker.New(loop, streamworker.Config{
			MediaID:        id,
			Kind:           kind,
			Direction:      streamworker.Consume,
			Launcher:       launcher,
			Local:          channel.Endpoint{Host: "0.0.0.0", Port: port},
			ControlTimeout: cfg.Streamer.ControlTimeout,
			StopGrace:      cfg.Streamer.StopGrace,
		}, logger)
		h.OnStateChange(changed)
		return h
	}
	for _, cam := range cfg.Cameras {
		p.cameras[cam.ID] = consume(cam.ID, media.KindVideo, cam.Port)
	}
	if cfg.Audio.Enabled {
		p.audioH = consume(protocol.AudioMediaID, media.KindAudio, cfg.Audio.Port)
	}
	return p
}

// handles returns cameras in id order then audio
func (p *players) handles() []*streamworker.Handle {
	ids := make([]int32, 0, len(p.cameras))
	for id := range p.cameras {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*streamworker.Handle, 0, len(ids)+1)
	for _, id := range ids {
		out = append(out, p.cameras[id])
	}
	if p.audioH != nil {
		out = append(out, p.audioH)
	}
	return out
}

func (p *players) camera(m protocol.CameraChanged) {
	h, ok := p.cameras[m.CameraID]
	if !ok {
		p.logger.Debug("Report for a camera without a player", "camera", m.CameraID)
		return
	}
	p.follow(h, fmt.Sprintf("camera-%d", m.CameraID), streamworker.State(m.State), m.Format)
}

func (p *players) audio(m protocol.AudioStreamChanged) {
	if p.audioH == nil {
		return
	}
	p.follow(p.audioH, "audio", streamworker.State(m.State), m.Format)
}

// follow plays while the producer starts or streams and stops otherwise
func (p *players) follow(h *streamworker.Handle, source string, s streamworker.State, f media.Format) {
	switch s {
	case streamworker.Starting, streamworker.Streaming:
		if err := h.Start(source, f); err != nil {
			p.logger.Warn("Player not started", "media_id", h.MediaID(), "error", err)
		}
	default:
		if h.State() != streamworker.Idle {
			h.Stop()
		}
	}
}

func (p *players) stopAll() {
	for _, h := range p.handles() {
		if h.State() != streamworker.Idle {
			h.Stop()
		}
	}
}
