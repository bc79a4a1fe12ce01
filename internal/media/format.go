// Package media describes audio and video stream formats and their canonical string form.
package media

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates audio from video formats
type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String
func ParseKind(s string) (Kind, error) {
	switch s {
	case "video":
		return KindVideo, nil
	case "audio":
		return KindAudio, nil
	default:
		return 0, fmt.Errorf("unknown media kind %q", s)
	}
}

// Encoding is the codec a worker encodes with
type Encoding uint8

const (
	EncodingNull Encoding = iota
	EncodingMJPEG
	EncodingMPEG4
	EncodingH264
	EncodingVP8
	EncodingAC3
	EncodingOpus
)

var encodingNames = map[Encoding]string{
	EncodingNull:  "null",
	EncodingMJPEG: "mjpeg",
	EncodingMPEG4: "mpeg4",
	EncodingH264:  "h264",
	EncodingVP8:   "vp8",
	EncodingAC3:   "ac3",
	EncodingOpus:  "opus",
}

func (e Encoding) String() string {
	if name, ok := encodingNames[e]; ok {
		return name
	}
	return fmt.Sprintf("encoding(%d)", uint8(e))
}

// ParseEncoding is the inverse of Encoding.String
func ParseEncoding(s string) (Encoding, error) {
	for e, name := range encodingNames {
		if name == s {
			return e, nil
		}
	}
	return EncodingNull, fmt.Errorf("unknown encoding %q", s)
}

// Kind returns the media kind an encoding belongs to. Null belongs to both.
func (e Encoding) Kind() (Kind, bool) {
	switch e {
	case EncodingMJPEG, EncodingMPEG4, EncodingH264, EncodingVP8:
		return KindVideo, true
	case EncodingAC3, EncodingOpus:
		return KindAudio, true
	default:
		return 0, false
	}
}

// Format is an immutable stream description. The zero value of Encoding (null) means
// "not streaming".
type Format struct {
	Kind      Kind     `json:"kind"`
	Encoding  Encoding `json:"encoding"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	Bitrate   int      `json:"bitrate,omitempty"`
	Quality   int      `json:"quality,omitempty"`
	Framerate int      `json:"framerate,omitempty"`
}

// NullVideo is the unusable video format
func NullVideo() Format { return Format{Kind: KindVideo} }

// NullAudio is the unusable audio format
func NullAudio() Format { return Format{Kind: KindAudio} }

// Validate reports the first field that no serialized format can carry
func (f Format) Validate() error {
	if f.Kind != KindVideo && f.Kind != KindAudio {
		return fmt.Errorf("unknown media kind %d", uint8(f.Kind))
	}
	if _, ok := encodingNames[f.Encoding]; !ok {
		return fmt.Errorf("unknown encoding %d", uint8(f.Encoding))
	}
	for i, n := range f.numbers() {
		if n < 0 {
			return fmt.Errorf("%s is negative", numberNames[i])
		}
	}
	return nil
}

var numberNames = [5]string{"width", "height", "bitrate", "quality", "framerate"}

func (f Format) numbers() [5]int {
	return [5]int{f.Width, f.Height, f.Bitrate, f.Quality, f.Framerate}
}

// IsUsable reports whether the format describes a real stream
func (f Format) IsUsable() bool {
	if f.Encoding == EncodingNull || f.Validate() != nil {
		return false
	}
	k, ok := f.Encoding.Kind()
	return ok && k == f.Kind
}

const fieldSep = ";"

// Serialize returns the canonical flat string carried on the wire:
// kind;encoding;width;height;bitrate;quality;framerate
// A format that fails Validate serializes as the null format of its kind, so the
// result always parses.
func (f Format) Serialize() string {
	if f.Validate() != nil {
		f = Format{Kind: f.Kind}
		if f.Kind != KindAudio {
			f.Kind = KindVideo
		}
	}
	fields := []string{f.Kind.String(), f.Encoding.String()}
	for _, n := range f.numbers() {
		fields = append(fields, strconv.Itoa(n))
	}
	return strings.Join(fields, fieldSep)
}

// Parse decodes the output of Serialize
func Parse(s string) (Format, error) {
	parts := strings.Split(s, fieldSep)
	if len(parts) != 7 {
		return Format{}, fmt.Errorf("format %q: expected 7 fields, got %d", s, len(parts))
	}

	kind, err := ParseKind(parts[0])
	if err != nil {
		return Format{}, fmt.Errorf("format %q: %w", s, err)
	}
	enc, err := ParseEncoding(parts[1])
	if err != nil {
		return Format{}, fmt.Errorf("format %q: %w", s, err)
	}

	var nums [5]int
	for i, p := range parts[2:] {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Format{}, fmt.Errorf("format %q: %s: %w", s, numberNames[i], err)
		}
		nums[i] = n
	}

	f := Format{
		Kind:      kind,
		Encoding:  enc,
		Width:     nums[0],
		Height:    nums[1],
		Bitrate:   nums[2],
		Quality:   nums[3],
		Framerate: nums[4],
	}
	if err := f.Validate(); err != nil {
		return Format{}, fmt.Errorf("format %q: %w", s, err)
	}
	return f, nil
}

// String is a human readable label, e.g. "MPEG4 1280x720 @ 5.0 Mb/s"
func (f Format) String() string {
	if !f.IsUsable() {
		return "none"
	}
	enc := strings.ToUpper(f.Encoding.String())
	if f.Kind == KindAudio {
		if f.Bitrate > 0 {
			return fmt.Sprintf("%s @ %d kb/s", enc, f.Bitrate/1000)
		}
		return enc
	}
	label := fmt.Sprintf("%s %dx%d", enc, f.Width, f.Height)
	if f.Bitrate > 0 {
		label += fmt.Sprintf(" @ %.1f Mb/s", float64(f.Bitrate)/1_000_000)
	}
	return label
}

// VideoPresets are the formats an operator may select for a camera, best first
func VideoPresets() []Format {
	preset := func(w, h, bitrate int) Format {
		return Format{Kind: KindVideo, Encoding: EncodingMPEG4, Width: w, Height: h, Bitrate: bitrate, Quality: 3}
	}
	return []Format{
		preset(1920, 1080, 12_000_000),
		preset(1920, 1080, 8_000_000),
		preset(1280, 720, 5_000_000),
		preset(1152, 648, 3_000_000),
		preset(1024, 576, 1_500_000),
		preset(640, 360, 750_000),
	}
}

// DefaultAudio is the audio format requested when the operator enables audio
func DefaultAudio() Format {
	return Format{Kind: KindAudio, Encoding: EncodingAC3, Bitrate: 32_000}
}
