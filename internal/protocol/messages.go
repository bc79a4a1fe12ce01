// Package protocol defines the shared messages relayed between the rover and every
// console, and their bounds-checked binary encoding.
//
// Envelope: [uint32 BE tag][fields]. Strings are a uint32 BE byte length followed by
// UTF-8, booleans one byte, media formats their canonical string form.
package protocol

import (
	"fmt"

	"github.com/roverlink/roverlink/internal/gps"
	"github.com/roverlink/roverlink/internal/media"
)

// Tag identifies a message type. Values are stable on the wire.
type Tag uint32

const (
	TagRoverSharedChannelStateChanged Tag = 1
	TagRoverStatusUpdate              Tag = 2
	TagRoverDisconnected              Tag = 3 // reserved, never produced
	TagRoverGpsUpdate                 Tag = 4
	TagMissionControlConnected        Tag = 5
	TagMissionControlDisconnected     Tag = 6
	TagRequestActivateCamera          Tag = 7
	TagRequestDeactivateCamera        Tag = 8
	TagRoverMediaServerError          Tag = 9
	TagMissionControlChat             Tag = 10
	TagCameraChanged                  Tag = 11
	TagBitrateUpdate                  Tag = 12
	TagRequestActivateAudioStream     Tag = 13
	TagRequestDeactivateAudioStream   Tag = 14
	TagAudioStreamChanged             Tag = 15
	TagCameraNameChanged              Tag = 16
)

var tagNames = map[Tag]string{
	TagRoverSharedChannelStateChanged: "RoverSharedChannelStateChanged",
	TagRoverStatusUpdate:              "RoverStatusUpdate",
	TagRoverDisconnected:              "RoverDisconnected",
	TagRoverGpsUpdate:                 "RoverGpsUpdate",
	TagMissionControlConnected:        "MissionControlConnected",
	TagMissionControlDisconnected:     "MissionControlDisconnected",
	TagRequestActivateCamera:          "RequestActivateCamera",
	TagRequestDeactivateCamera:        "RequestDeactivateCamera",
	TagRoverMediaServerError:          "RoverMediaServerError",
	TagMissionControlChat:             "MissionControlChat",
	TagCameraChanged:                  "CameraChanged",
	TagBitrateUpdate:                  "BitrateUpdate",
	TagRequestActivateAudioStream:     "RequestActivateAudioStream",
	TagRequestDeactivateAudioStream:   "RequestDeactivateAudioStream",
	TagAudioStreamChanged:             "AudioStreamChanged",
	TagCameraNameChanged:              "CameraNameChanged",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint32(t))
}

// Known reports whether t is a defined tag
func (t Tag) Known() bool {
	_, ok := tagNames[t]
	return ok
}

// RoverDestined reports whether a console intent with this tag must be forwarded to the
// rover rather than applied by the consoles
func (t Tag) RoverDestined() bool {
	switch t {
	case TagRequestActivateCamera, TagRequestDeactivateCamera,
		TagRequestActivateAudioStream, TagRequestDeactivateAudioStream:
		return true
	}
	return false
}

// ConsoleLocal reports whether a console intent with this tag is applied by the broker
// and rebroadcast to the other consoles
func (t Tag) ConsoleLocal() bool {
	return t == TagCameraNameChanged || t == TagMissionControlChat
}

// Message is one shared message. Implementations are plain value types.
type Message interface {
	Tag() Tag
	encode(w *writer)
}

type RoverSharedChannelStateChanged struct {
	State int32
}

type RoverStatusUpdate struct {
	ArmOK       bool
	DriveOK     bool
	SecondaryOK bool
}

type RoverDisconnected struct{}

type RoverGpsUpdate struct {
	Fix gps.Fix
}

type MissionControlConnected struct {
	PeerID string
}

type MissionControlDisconnected struct {
	PeerID string
}

type RequestActivateCamera struct {
	CameraID int32
	Format   media.Format
}

type RequestDeactivateCamera struct {
	CameraID int32
}

// RoverMediaServerError reports a producer worker fault; MediaID is the camera id, or
// AudioMediaID for the audio stream
type RoverMediaServerError struct {
	MediaID int32
	Error   string
}

// AudioMediaID is the media id used for the audio stream in error reports
const AudioMediaID int32 = -1

type MissionControlChat struct {
	Author string
	Text   string
}

type CameraChanged struct {
	CameraID int32
	State    int32
	Format   media.Format
	Error    string
}

type BitrateUpdate struct {
	DownBps uint64
	UpBps   uint64
}

type RequestActivateAudioStream struct {
	Format media.Format
}

type RequestDeactivateAudioStream struct{}

type AudioStreamChanged struct {
	State  int32
	Format media.Format
	Error  string
}

type CameraNameChanged struct {
	CameraID int32
	Name     string
}

func (RoverSharedChannelStateChanged) Tag() Tag { return TagRoverSharedChannelStateChanged }
func (RoverStatusUpdate) Tag() Tag              { return TagRoverStatusUpdate }
func (RoverDisconnected) Tag() Tag              { return TagRoverDisconnected }
func (RoverGpsUpdate) Tag() Tag                 { return TagRoverGpsUpdate }
func (MissionControlConnected) Tag() Tag        { return TagMissionControlConnected }
func (MissionControlDisconnected) Tag() Tag     { return TagMissionControlDisconnected }
func (RequestActivateCamera) Tag() Tag          { return TagRequestActivateCamera }
func (RequestDeactivateCamera) Tag() Tag        { return TagRequestDeactivateCamera }
func (RoverMediaServerError) Tag() Tag          { return TagRoverMediaServerError }
func (MissionControlChat) Tag() Tag             { return TagMissionControlChat }
func (CameraChanged) Tag() Tag                  { return TagCameraChanged }
func (BitrateUpdate) Tag() Tag                  { return TagBitrateUpdate }
func (RequestActivateAudioStream) Tag() Tag     { return TagRequestActivateAudioStream }
func (RequestDeactivateAudioStream) Tag() Tag   { return TagRequestDeactivateAudioStream }
func (AudioStreamChanged) Tag() Tag             { return TagAudioStreamChanged }
func (CameraNameChanged) Tag() Tag              { return TagCameraNameChanged }
