package streamer

import (
	"fmt"
	"strings"

	"github.com/roverlink/roverlink/internal/media"
)

type codec struct {
	encode   func(f media.Format) []string
	pay      string
	depay    string
	decode   string
	rtpName  string
	clockHz  int
	mediaCap string
}

var codecs = map[media.Encoding]codec{
	media.EncodingMPEG4: {
		encode:   func(f media.Format) []string { return []string{"avenc_mpeg4", fmt.Sprintf("bitrate=%d", f.Bitrate)} },
		pay:      "rtpmp4vpay config-interval=3",
		depay:    "rtpmp4vdepay",
		decode:   "avdec_mpeg4",
		rtpName:  "MP4V-ES",
		clockHz:  90000,
		mediaCap: "video",
	},
	media.EncodingH264: {
		encode: func(f media.Format) []string {
			return []string{"x264enc", "tune=zerolatency", "speed-preset=ultrafast", fmt.Sprintf("bitrate=%d", f.Bitrate/1000)}
		},
		pay:      "rtph264pay config-interval=1 pt=96",
		depay:    "rtph264depay",
		decode:   "avdec_h264",
		rtpName:  "H264",
		clockHz:  90000,
		mediaCap: "video",
	},
	media.EncodingVP8: {
		encode: func(f media.Format) []string {
			return []string{"vp8enc", "deadline=1", fmt.Sprintf("target-bitrate=%d", f.Bitrate)}
		},
		pay:      "rtpvp8pay",
		depay:    "rtpvp8depay",
		decode:   "vp8dec",
		rtpName:  "VP8",
		clockHz:  90000,
		mediaCap: "video",
	},
	media.EncodingMJPEG: {
		encode: func(f media.Format) []string {
			q := f.Quality * 20
			if q <= 0 || q > 100 {
				q = 85
			}
			return []string{"jpegenc", fmt.Sprintf("quality=%d", q)}
		},
		pay:      "rtpjpegpay",
		depay:    "rtpjpegdepay",
		decode:   "jpegdec",
		rtpName:  "JPEG",
		clockHz:  90000,
		mediaCap: "video",
	},
	media.EncodingAC3: {
		encode:   func(f media.Format) []string { return []string{"avenc_ac3", fmt.Sprintf("bitrate=%d", f.Bitrate)} },
		pay:      "rtpac3pay",
		depay:    "rtpac3depay",
		decode:   "a52dec",
		rtpName:  "AC3",
		clockHz:  44100,
		mediaCap: "audio",
	},
	media.EncodingOpus: {
		encode:   func(f media.Format) []string { return []string{"opusenc", fmt.Sprintf("bitrate=%d", f.Bitrate)} },
		pay:      "rtpopuspay",
		depay:    "rtpopusdepay",
		decode:   "opusdec",
		rtpName:  "OPUS",
		clockHz:  48000,
		mediaCap: "audio",
	},
}

// link joins pipeline segments with "!" tokens
func link(segments ...[]string) []string {
	var out []string
	for i, s := range segments {
		if i > 0 {
			out = append(out, "!")
		}
		out = append(out, s...)
	}
	return out
}

func fields(s string) []string { return strings.Fields(s) }

// ServePipeline builds the gst-launch tokens that capture, encode and send a stream
func ServePipeline(a Args) ([]string, error) {
	c, ok := codecs[a.Format.Encoding]
	if !ok || !a.Format.IsUsable() {
		return nil, fmt.Errorf("no pipeline for format %s", a.Format.Serialize())
	}

	var src [][]string
	if a.Format.Kind == media.KindVideo {
		caps := fmt.Sprintf("video/x-raw,width=%d,height=%d", a.Format.Width, a.Format.Height)
		if a.Format.Framerate > 0 {
			caps += fmt.Sprintf(",framerate=%d/1", a.Format.Framerate)
		}
		src = [][]string{
			{"v4l2src", "device=" + a.Source},
			{"videoconvert"},
			{"videoscale"},
			{caps},
			{"videoconvert"},
		}
	} else {
		src = [][]string{
			{"alsasrc", "device=" + a.Source},
			{"audioconvert"},
			{"audioresample"},
		}
	}

	sink := []string{"udpsink", "host=" + a.Remote.Host, fmt.Sprintf("port=%d", a.Remote.Port), "sync=false"}
	if len(a.Forwards) > 0 {
		clients := []string{a.Remote.String()}
		for _, fw := range a.Forwards {
			clients = append(clients, fw.String())
		}
		sink = []string{"multiudpsink", "clients=" + strings.Join(clients, ","), "sync=false"}
	}
	if a.Bind.Port > 0 {
		sink = append(sink, "bind-address="+a.Bind.Host, fmt.Sprintf("bind-port=%d", a.Bind.Port))
	}

	segments := append(src, c.encode(a.Format), fields(c.pay), sink)
	return link(segments...), nil
}

// PlayPipeline builds the gst-launch tokens that receive, decode and render a stream
func PlayPipeline(a Args) ([]string, error) {
	c, ok := codecs[a.Format.Encoding]
	if !ok || !a.Format.IsUsable() {
		return nil, fmt.Errorf("no pipeline for format %s", a.Format.Serialize())
	}

	caps := fmt.Sprintf("caps=application/x-rtp,media=%s,clock-rate=%d,encoding-name=%s",
		c.mediaCap, c.clockHz, c.rtpName)
	src := []string{"udpsrc", "address=" + a.Bind.Host, fmt.Sprintf("port=%d", a.Bind.Port), caps}

	var out [][]string
	if a.Format.Kind == media.KindVideo {
		out = [][]string{{"videoconvert"}, {"autovideosink", "sync=false"}}
	} else {
		out = [][]string{{"audioconvert"}, {"autoaudiosink", "sync=false"}}
	}

	segments := append([][]string{src, {"rtpjitterbuffer", "latency=50"}, {c.depay}, {c.decode}}, out...)
	return link(segments...), nil
}
