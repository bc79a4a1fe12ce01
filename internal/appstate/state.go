// Package appstate holds the application state every console converges on: rover
// connectivity, subsystem health, cameras, audio and the GPS track.
//
// Every handler assigns; applying the same message twice leaves the state as applying
// it once.
package appstate

import (
	"fmt"
	"sort"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/gps"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/protocol"
	"github.com/roverlink/roverlink/internal/streamworker"
)

// DefaultGPSHistory is the number of fixes retained for late joiners. A full snapshot
// must fit the channel send queue.
const DefaultGPSHistory = 500

// Status is the rover's subsystem health. Known stays false until the first report.
type Status struct {
	Known       bool `json:"known"`
	ArmOK       bool `json:"arm_ok"`
	DriveOK     bool `json:"drive_ok"`
	SecondaryOK bool `json:"secondary_ok"`
}

type Camera struct {
	ID     int32              `json:"id"`
	State  streamworker.State `json:"state"`
	Format media.Format       `json:"format"`
	Error  string             `json:"error,omitempty"`
	Name   string             `json:"name,omitempty"`
}

// DisplayName falls back to "Camera N" when no name was assigned
func (c Camera) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return DefaultCameraName(c.ID)
}

func DefaultCameraName(id int32) string {
	return fmt.Sprintf("Camera %d", id)
}

type Audio struct {
	State  streamworker.State `json:"state"`
	Format media.Format       `json:"format"`
	Error  string             `json:"error,omitempty"`
}

// State is owned by the event loop and needs no locking
type State struct {
	RoverChannel channel.State
	Status       Status
	Cameras      map[int32]Camera
	Audio        Audio
	GPS          []gps.Fix

	gpsLimit int
}

// New creates an empty state retaining up to gpsLimit fixes
func New(gpsLimit int) *State {
	if gpsLimit <= 0 {
		gpsLimit = DefaultGPSHistory
	}
	return &State{
		Cameras:  make(map[int32]Camera),
		Audio:    Audio{Format: media.NullAudio()},
		gpsLimit: gpsLimit,
	}
}

// Apply updates the state from m and reports whether m carries state at all
func (s *State) Apply(m protocol.Message) bool {
	switch m := m.(type) {
	case protocol.RoverSharedChannelStateChanged:
		s.RoverChannel = channel.State(m.State)
	case protocol.RoverStatusUpdate:
		s.Status = Status{Known: true, ArmOK: m.ArmOK, DriveOK: m.DriveOK, SecondaryOK: m.SecondaryOK}
	case protocol.CameraChanged:
		c := s.camera(m.CameraID)
		c.State = streamworker.State(m.State)
		c.Format = m.Format
		c.Error = m.Error
		s.Cameras[m.CameraID] = c
	case protocol.CameraNameChanged:
		c := s.camera(m.CameraID)
		c.Name = m.Name
		s.Cameras[m.CameraID] = c
	case protocol.AudioStreamChanged:
		s.Audio = Audio{State: streamworker.State(m.State), Format: m.Format, Error: m.Error}
	case protocol.RoverGpsUpdate:
		s.addFix(m.Fix)
	default:
		return false
	}
	return true
}

func (s *State) camera(id int32) Camera {
	if c, ok := s.Cameras[id]; ok {
		return c
	}
	return Camera{ID: id, Format: media.NullVideo()}
}

// addFix appends fixes newer than the latest one, so replayed history is harmless
func (s *State) addFix(f gps.Fix) {
	if n := len(s.GPS); n > 0 && !f.Time.After(s.GPS[n-1].Time) {
		return
	}
	s.GPS = append(s.GPS, f)
	if over := len(s.GPS) - s.gpsLimit; over > 0 {
		s.GPS = append(s.GPS[:0], s.GPS[over:]...)
	}
}

// EnsureCamera registers a camera with its default idle state if it is unknown
func (s *State) EnsureCamera(id int32) {
	s.Cameras[id] = s.camera(id)
}

// CameraIDs returns the known camera ids in ascending order
func (s *State) CameraIDs() []int32 {
	ids := make([]int32, 0, len(s.Cameras))
	for id := range s.Cameras {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LatestFix returns the most recent retained fix
func (s *State) LatestFix() (gps.Fix, bool) {
	if len(s.GPS) == 0 {
		return gps.Fix{}, false
	}
	return s.GPS[len(s.GPS)-1], true
}

// SnapshotMessages is the join sequence that brings an empty replica to this state
func (s *State) SnapshotMessages() []protocol.Message {
	ids := s.CameraIDs()
	msgs := make([]protocol.Message, 0, 2+2*len(ids)+1+len(s.GPS))

	msgs = append(msgs, protocol.RoverSharedChannelStateChanged{State: int32(s.RoverChannel)})
	if s.Status.Known {
		msgs = append(msgs, protocol.RoverStatusUpdate{
			ArmOK:       s.Status.ArmOK,
			DriveOK:     s.Status.DriveOK,
			SecondaryOK: s.Status.SecondaryOK,
		})
	}
	for _, id := range ids {
		c := s.Cameras[id]
		msgs = append(msgs, protocol.CameraChanged{CameraID: id, State: int32(c.State), Format: c.Format, Error: c.Error})
	}
	msgs = append(msgs, protocol.AudioStreamChanged{State: int32(s.Audio.State), Format: s.Audio.Format, Error: s.Audio.Error})
	for _, id := range ids {
		msgs = append(msgs, protocol.CameraNameChanged{CameraID: id, Name: s.Cameras[id].Name})
	}
	for _, f := range s.GPS {
		msgs = append(msgs, protocol.RoverGpsUpdate{Fix: f})
	}
	return msgs
}

// View is a JSON friendly copy of the state
type View struct {
	RoverChannel string   `json:"rover_channel"`
	Status       Status   `json:"status"`
	Cameras      []Camera `json:"cameras"`
	Audio        Audio    `json:"audio"`
	LatestFix    *gps.Fix `json:"latest_fix,omitempty"`
	GPSHistory   int      `json:"gps_history"`
}

func (s *State) View() View {
	v := View{
		RoverChannel: s.RoverChannel.String(),
		Status:       s.Status,
		Cameras:      make([]Camera, 0, len(s.Cameras)),
		Audio:        s.Audio,
		GPSHistory:   len(s.GPS),
	}
	for _, id := range s.CameraIDs() {
		c := s.Cameras[id]
		c.Name = c.DisplayName()
		v.Cameras = append(v.Cameras, c)
	}
	if f, ok := s.LatestFix(); ok {
		v.LatestFix = &f
	}
	return v
}
