package streamworker

import (
	"fmt"
	"strings"
	"time"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/media"
)

// Direction says whether the worker sends media out or plays it back
type Direction int

const (
	Produce Direction = iota
	Consume
)

func (d Direction) String() string {
	if d == Consume {
		return "consume"
	}
	return "produce"
}

// State of a worker as seen by its parent. The numeric values travel in CameraChanged
// and AudioStreamChanged.
type State int32

const (
	Idle State = iota
	Starting
	Streaming
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Control lines exchanged over the loopback link
const (
	CmdStop        = "stop"
	EventStarted   = "started"
	EventStreaming = "streaming"
	EventEOS       = "eos"
	EventError     = "error"
)

const (
	DefaultControlTimeout = time.Second
	DefaultStopGrace      = 3 * time.Second
)

// Launcher is the command that runs a worker; positional arguments are appended to Args
type Launcher struct {
	Path string
	Args []string
	Env  []string
}

// Config describes one worker slot
type Config struct {
	MediaID   int32
	Kind      media.Kind
	Direction Direction
	Launcher  Launcher

	// Remote is where a producer sends media
	Remote channel.Endpoint
	// Local is the producer's bind address, or the UDP endpoint a consumer receives on
	Local channel.Endpoint

	ControlTimeout time.Duration
	StopGrace      time.Duration
}

// capability restricts the formats and sources a worker slot accepts
type capability struct {
	kind     media.Kind
	validate func(source string, f media.Format) error
}

var capabilities = map[media.Kind]capability{
	media.KindVideo: {
		kind: media.KindVideo,
		validate: func(source string, f media.Format) error {
			if f.Width <= 0 || f.Height <= 0 {
				return fmt.Errorf("video format %s has no frame size", f.Serialize())
			}
			return nil
		},
	},
	media.KindAudio: {
		kind: media.KindAudio,
		validate: func(source string, f media.Format) error {
			if strings.ContainsAny(source, " \t") {
				return fmt.Errorf("audio device %q contains whitespace", source)
			}
			return nil
		},
	},
}

func (c capability) check(source string, f media.Format) error {
	if f.Kind != c.kind {
		return fmt.Errorf("%s worker cannot stream %s format", c.kind, f.Kind)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	if !f.IsUsable() {
		return fmt.Errorf("format %s is not usable", f.Serialize())
	}
	if source == "" {
		return fmt.Errorf("empty source")
	}
	return c.validate(source, f)
}
