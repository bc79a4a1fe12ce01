package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/roverlink/roverlink/internal/gps"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/pkg/errs"
)

var (
	ErrUnknownTag = errors.New("unknown tag")
	ErrTruncated  = errors.New("truncated payload")
	ErrTrailing   = errors.New("trailing bytes after payload")
	ErrBadString  = errors.New("string is not valid UTF-8")
)

type writer struct {
	buf []byte
}

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }
func (w *writer) f64(v float64) {
	w.u64(math.Float64bits(v))
}

func (w *writer) boolean(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) format(f media.Format) { w.str(f.Serialize()) }

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = ErrTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) i64() int64   { return int64(r.u64()) }
func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) boolean() bool {
	b := r.take(1)
	return b != nil && b[0] != 0
}

func (r *reader) str() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		r.err = ErrTruncated
		return ""
	}
	b := r.take(int(n))
	if !utf8.Valid(b) {
		r.err = ErrBadString
		return ""
	}
	return string(b)
}

func (r *reader) format() media.Format {
	s := r.str()
	if r.err != nil {
		return media.Format{}
	}
	f, err := media.Parse(s)
	if err != nil {
		r.err = err
	}
	return f
}

func (m RoverSharedChannelStateChanged) encode(w *writer) { w.i32(m.State) }

func (m RoverStatusUpdate) encode(w *writer) {
	w.boolean(m.ArmOK)
	w.boolean(m.DriveOK)
	w.boolean(m.SecondaryOK)
}

func (RoverDisconnected) encode(*writer) {}

func (m RoverGpsUpdate) encode(w *writer) {
	w.i64(m.Fix.Time.UnixMilli())
	w.f64(m.Fix.Latitude)
	w.f64(m.Fix.Longitude)
	w.f64(m.Fix.Altitude)
	w.i32(m.Fix.Satellites)
}

func (m MissionControlConnected) encode(w *writer)    { w.str(m.PeerID) }
func (m MissionControlDisconnected) encode(w *writer) { w.str(m.PeerID) }

func (m RequestActivateCamera) encode(w *writer) {
	w.i32(m.CameraID)
	w.format(m.Format)
}

func (m RequestDeactivateCamera) encode(w *writer) { w.i32(m.CameraID) }

func (m RoverMediaServerError) encode(w *writer) {
	w.i32(m.MediaID)
	w.str(m.Error)
}

func (m MissionControlChat) encode(w *writer) {
	w.str(m.Author)
	w.str(m.Text)
}

func (m CameraChanged) encode(w *writer) {
	w.i32(m.CameraID)
	w.i32(m.State)
	w.format(m.Format)
	w.str(m.Error)
}

func (m BitrateUpdate) encode(w *writer) {
	w.u64(m.DownBps)
	w.u64(m.UpBps)
}

func (m RequestActivateAudioStream) encode(w *writer) { w.format(m.Format) }
func (RequestDeactivateAudioStream) encode(*writer)   {}

func (m AudioStreamChanged) encode(w *writer) {
	w.i32(m.State)
	w.format(m.Format)
	w.str(m.Error)
}

func (m CameraNameChanged) encode(w *writer) {
	w.i32(m.CameraID)
	w.str(m.Name)
}

// Encode serializes m into a fresh envelope
func Encode(m Message) []byte {
	w := &writer{buf: make([]byte, 0, 32)}
	w.u32(uint32(m.Tag()))
	m.encode(w)
	return w.buf
}

// PeekTag reads the envelope tag without decoding the payload
func PeekTag(b []byte) (Tag, error) {
	if len(b) < 4 {
		return 0, errs.New(errs.ProtocolError, "peek", ErrTruncated)
	}
	tag := Tag(binary.BigEndian.Uint32(b))
	if !tag.Known() {
		return tag, errs.New(errs.ProtocolError, "peek", fmt.Errorf("%w %d", ErrUnknownTag, uint32(tag)))
	}
	return tag, nil
}

// Decode parses one envelope. Failures are classified as errs.ProtocolError.
func Decode(b []byte) (Message, error) {
	tag, err := PeekTag(b)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: b, off: 4}
	var m Message
	switch tag {
	case TagRoverSharedChannelStateChanged:
		m = RoverSharedChannelStateChanged{State: r.i32()}
	case TagRoverStatusUpdate:
		m = RoverStatusUpdate{ArmOK: r.boolean(), DriveOK: r.boolean(), SecondaryOK: r.boolean()}
	case TagRoverDisconnected:
		m = RoverDisconnected{}
	case TagRoverGpsUpdate:
		fix := gps.Fix{Time: time.UnixMilli(r.i64()).UTC()}
		fix.Latitude = r.f64()
		fix.Longitude = r.f64()
		fix.Altitude = r.f64()
		fix.Satellites = r.i32()
		m = RoverGpsUpdate{Fix: fix}
	case TagMissionControlConnected:
		m = MissionControlConnected{PeerID: r.str()}
	case TagMissionControlDisconnected:
		m = MissionControlDisconnected{PeerID: r.str()}
	case TagRequestActivateCamera:
		m = RequestActivateCamera{CameraID: r.i32(), Format: r.format()}
	case TagRequestDeactivateCamera:
		m = RequestDeactivateCamera{CameraID: r.i32()}
	case TagRoverMediaServerError:
		m = RoverMediaServerError{MediaID: r.i32(), Error: r.str()}
	case TagMissionControlChat:
		m = MissionControlChat{Author: r.str(), Text: r.str()}
	case TagCameraChanged:
		m = CameraChanged{CameraID: r.i32(), State: r.i32(), Format: r.format(), Error: r.str()}
	case TagBitrateUpdate:
		m = BitrateUpdate{DownBps: r.u64(), UpBps: r.u64()}
	case TagRequestActivateAudioStream:
		m = RequestActivateAudioStream{Format: r.format()}
	case TagRequestDeactivateAudioStream:
		m = RequestDeactivateAudioStream{}
	case TagAudioStreamChanged:
		m = AudioStreamChanged{State: r.i32(), Format: r.format(), Error: r.str()}
	case TagCameraNameChanged:
		m = CameraNameChanged{CameraID: r.i32(), Name: r.str()}
	}

	if r.err == nil && r.off != len(b) {
		r.err = ErrTrailing
	}
	if r.err != nil {
		return nil, errs.New(errs.ProtocolError, "decode "+tag.String(), r.err)
	}
	return m, nil
}
