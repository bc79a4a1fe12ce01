package appstate

import (
	"testing"
	"time"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/gps"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/protocol"
	"github.com/roverlink/roverlink/internal/streamworker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixAt(ms int64) gps.Fix {
	return gps.Fix{Time: time.UnixMilli(ms).UTC(), Latitude: 38.4 + float64(ms)/1e6, Longitude: -110.8, Altitude: 1350, Satellites: 9}
}

func populated() *State {
	s := New(0)
	s.Apply(protocol.RoverSharedChannelStateChanged{State: int32(channel.Connected)})
	s.Apply(protocol.RoverStatusUpdate{ArmOK: true, DriveOK: true})
	s.Apply(protocol.CameraChanged{CameraID: 2, State: int32(streamworker.Streaming), Format: media.VideoPresets()[1]})
	s.Apply(protocol.CameraChanged{CameraID: 1, State: int32(streamworker.Error), Format: media.VideoPresets()[4], Error: "device busy"})
	s.Apply(protocol.CameraNameChanged{CameraID: 2, Name: "Mast"})
	s.Apply(protocol.AudioStreamChanged{State: int32(streamworker.Streaming), Format: media.DefaultAudio()})
	for i := int64(1); i <= 5; i++ {
		s.Apply(protocol.RoverGpsUpdate{Fix: fixAt(i * 1000)})
	}
	return s
}

func TestSnapshot_ConvergesEmptyReplica(t *testing.T) {
	src := populated()

	replica := New(0)
	for _, m := range src.SnapshotMessages() {
		// through the wire codec, as a joining peer sees it
		decoded, err := protocol.Decode(protocol.Encode(m))
		require.NoError(t, err)
		replica.Apply(decoded)
	}
	assert.Equal(t, src, replica)
	assert.Len(t, replica.GPS, 5)
}

func TestSnapshot_Order(t *testing.T) {
	msgs := populated().SnapshotMessages()

	var tags []protocol.Tag
	for _, m := range msgs {
		tags = append(tags, m.Tag())
	}
	assert.Equal(t, []protocol.Tag{
		protocol.TagRoverSharedChannelStateChanged,
		protocol.TagRoverStatusUpdate,
		protocol.TagCameraChanged,
		protocol.TagCameraChanged,
		protocol.TagAudioStreamChanged,
		protocol.TagCameraNameChanged,
		protocol.TagCameraNameChanged,
		protocol.TagRoverGpsUpdate,
		protocol.TagRoverGpsUpdate,
		protocol.TagRoverGpsUpdate,
		protocol.TagRoverGpsUpdate,
		protocol.TagRoverGpsUpdate,
	}, tags)
	assert.Equal(t, int32(1), msgs[2].(protocol.CameraChanged).CameraID)
	assert.Equal(t, int32(2), msgs[3].(protocol.CameraChanged).CameraID)
}

func TestSnapshot_UnknownStatusOmitted(t *testing.T) {
	s := New(0)
	msgs := s.SnapshotMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.TagRoverSharedChannelStateChanged, msgs[0].Tag())
	assert.Equal(t, protocol.TagAudioStreamChanged, msgs[1].Tag())
}

func TestApply_Idempotent(t *testing.T) {
	msgs := []protocol.Message{
		protocol.CameraChanged{CameraID: 2, State: int32(streamworker.Streaming), Format: media.VideoPresets()[0]},
		protocol.CameraNameChanged{CameraID: 2, Name: "Arm"},
		protocol.AudioStreamChanged{State: int32(streamworker.Idle), Format: media.NullAudio()},
		protocol.RoverGpsUpdate{Fix: fixAt(5000)},
		protocol.RoverStatusUpdate{SecondaryOK: true},
	}
	for _, m := range msgs {
		once, twice := New(0), New(0)
		once.Apply(m)
		twice.Apply(m)
		twice.Apply(m)
		assert.Equal(t, once, twice, "%s", m.Tag())
	}
}

func TestApply_CameraChangedKeepsName(t *testing.T) {
	s := New(0)
	s.Apply(protocol.CameraNameChanged{CameraID: 3, Name: "Rear"})
	s.Apply(protocol.CameraChanged{CameraID: 3, State: int32(streamworker.Starting), Format: media.VideoPresets()[2]})

	c := s.Cameras[3]
	assert.Equal(t, "Rear", c.Name)
	assert.Equal(t, streamworker.Starting, c.State)
}

func TestApply_IgnoresNonState(t *testing.T) {
	s := New(0)
	for _, m := range []protocol.Message{
		protocol.MissionControlChat{Author: "a", Text: "b"},
		protocol.BitrateUpdate{DownBps: 1},
		protocol.RequestActivateCamera{CameraID: 1, Format: media.VideoPresets()[0]},
		protocol.RoverDisconnected{},
	} {
		assert.False(t, s.Apply(m))
	}
	assert.Equal(t, New(0), s)
}

func TestGPS_HistoryBoundedAndMonotonic(t *testing.T) {
	s := New(3)
	for _, ms := range []int64{1000, 2000, 2000, 1500, 3000, 4000, 5000} {
		s.Apply(protocol.RoverGpsUpdate{Fix: fixAt(ms)})
	}
	require.Len(t, s.GPS, 3)
	assert.Equal(t, []gps.Fix{fixAt(3000), fixAt(4000), fixAt(5000)}, s.GPS)

	latest, ok := s.LatestFix()
	require.True(t, ok)
	assert.Equal(t, fixAt(5000), latest)
}

func TestView(t *testing.T) {
	v := populated().View()
	assert.Equal(t, "connected", v.RoverChannel)
	require.Len(t, v.Cameras, 2)
	assert.Equal(t, "Camera 1", v.Cameras[0].Name)
	assert.Equal(t, "Mast", v.Cameras[1].Name)
	assert.Equal(t, 5, v.GPSHistory)
	require.NotNil(t, v.LatestFix)
}
