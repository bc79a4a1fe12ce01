package streamer

import (
	"bufio"
	"context"
	"net"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/media"
	"github.com/roverlink/roverlink/internal/pkg/logger"
	"github.com/roverlink/roverlink/internal/streamworker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	f := media.VideoPresets()[2]
	a, err := ParseArgs([]string{"/dev/video1", f.Serialize(), "10.0.0.5", "5001", "0.0.0.0", "0", "41000", "10.0.0.6:5001", "10.0.0.7:5001"})
	require.NoError(t, err)
	assert.Equal(t, "/dev/video1", a.Source)
	assert.Equal(t, f, a.Format)
	assert.Equal(t, channel.Endpoint{Host: "10.0.0.5", Port: 5001}, a.Remote)
	assert.Equal(t, 41000, a.IPCPort)
	assert.Equal(t, []channel.Endpoint{{Host: "10.0.0.6", Port: 5001}, {Host: "10.0.0.7", Port: 5001}}, a.Forwards)

	bad := [][]string{
		{"/dev/video1"},
		{"/dev/video1", "garbage", "h", "1", "h", "1", "2"},
		{"/dev/video1", f.Serialize(), "h", "x", "h", "1", "2"},
		{"/dev/video1", f.Serialize(), "h", "1", "h", "1", "0"},
		{"/dev/video1", f.Serialize(), "h", "1", "h", "1", "2", "nohostport"},
	}
	for _, argv := range bad {
		_, err := ParseArgs(argv)
		assert.Error(t, err, "%v", argv)
	}
}

func TestServePipeline(t *testing.T) {
	a := Args{
		Source: "/dev/video0",
		Format: media.Format{Kind: media.KindVideo, Encoding: media.EncodingMPEG4, Width: 1280, Height: 720, Bitrate: 5_000_000, Framerate: 30},
		Remote: channel.Endpoint{Host: "10.0.0.5", Port: 5001},
	}
	tokens, err := ServePipeline(a)
	require.NoError(t, err)
	line := strings.Join(tokens, " ")
	assert.Equal(t, "v4l2src device=/dev/video0 ! videoconvert ! videoscale ! video/x-raw,width=1280,height=720,framerate=30/1 ! videoconvert ! "+
		"avenc_mpeg4 bitrate=5000000 ! rtpmp4vpay config-interval=3 ! udpsink host=10.0.0.5 port=5001 sync=false", line)

	a.Forwards = []channel.Endpoint{{Host: "10.0.0.6", Port: 5001}}
	tokens, err = ServePipeline(a)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(tokens, " "), "multiudpsink clients=10.0.0.5:5001,10.0.0.6:5001")

	audio := Args{Source: "hw:1", Format: media.DefaultAudio(), Remote: channel.Endpoint{Host: "10.0.0.5", Port: 5004}}
	tokens, err = ServePipeline(audio)
	require.NoError(t, err)
	assert.Equal(t, "alsasrc device=hw:1 ! audioconvert ! audioresample ! avenc_ac3 bitrate=32000 ! rtpac3pay ! udpsink host=10.0.0.5 port=5004 sync=false",
		strings.Join(tokens, " "))

	_, err = ServePipeline(Args{Format: media.NullVideo()})
	assert.Error(t, err)
}

func TestPlayPipeline(t *testing.T) {
	tokens, err := PlayPipeline(Args{
		Format: media.Format{Kind: media.KindAudio, Encoding: media.EncodingOpus, Bitrate: 64_000},
		Bind:   channel.Endpoint{Host: "127.0.0.1", Port: 6000},
	})
	require.NoError(t, err)
	assert.Equal(t, "udpsrc address=127.0.0.1 port=6000 caps=application/x-rtp,media=audio,clock-rate=48000,encoding-name=OPUS ! "+
		"rtpjitterbuffer latency=50 ! rtpopusdepay ! opusdec ! audioconvert ! autoaudiosink sync=false", strings.Join(tokens, " "))
}

func TestLastLine(t *testing.T) {
	var l lastLine
	l.Write([]byte("WARNING: one\nERROR: two"))
	assert.Equal(t, "ERROR: two", l.String())
	l.Write([]byte(" more\n\n"))
	assert.Equal(t, "ERROR: two more", l.String())
}

// parent plays the stream worker handle's side of the control link
type parent struct {
	t    *testing.T
	ln   net.Listener
	conn net.Conn
	rd   *bufio.Reader
}

func newParent(t *testing.T) *parent {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return &parent{t: t, ln: ln}
}

func (p *parent) port() int { return p.ln.Addr().(*net.TCPAddr).Port }

func (p *parent) accept() {
	conn, err := p.ln.Accept()
	require.NoError(p.t, err)
	p.t.Cleanup(func() { conn.Close() })
	p.conn = conn
	p.rd = bufio.NewReader(conn)
}

func (p *parent) line() string {
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	s, err := p.rd.ReadString('\n')
	require.NoError(p.t, err)
	return strings.TrimSpace(s)
}

func runServe(t *testing.T, script string, port int) <-chan error {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	a, err := ParseArgs([]string{"hw:1", media.DefaultAudio().Serialize(), "127.0.0.1", "5004", "0.0.0.0", "0", strconv.Itoa(port)})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Serve, a, Config{
			Launch:    []string{"sh", "-c", script},
			Logger:    logger.New(logger.Config{Level: "error"}).Logger,
			StopGrace: 500 * time.Millisecond,
		})
	}()
	return done
}

func TestRun_StopCommand(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"single process", "sleep 30"},
		{"runner with children", "sleep 30 & sleep 30; wait"},
		{"children ignore interrupt", "trap '' INT; sleep 30 & sleep 30; wait"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				p := newParent(t)
				done := runServe(t, tt.script, p.port())
				p.accept()

				assert.Equal(t, streamworker.EventStarted, p.line())
				assert.Equal(t, streamworker.EventStreaming, p.line())

				_, err := p.conn.Write([]byte(streamworker.CmdStop + "\n"))
				require.NoError(t, err)

				// grace for the interrupt plus grace for stray output holders
				select {
				case err := <-done:
					assert.NoError(t, err)
				case <-time.After(2 * time.Second):
					t.Fatalf("run %d: worker did not exit after stop", i)
				}
			}
		})
	}
}

func TestRun_PipelineOutcome(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
		fails  bool
	}{
		{"end of stream", "exit 0", streamworker.EventEOS, false},
		{"pipeline error", "echo 'ERROR: no such device' >&2; exit 1", "error ERROR: no such device", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newParent(t)
			done := runServe(t, tt.script, p.port())
			p.accept()

			assert.Equal(t, streamworker.EventStarted, p.line())
			assert.Equal(t, streamworker.EventStreaming, p.line())
			assert.Equal(t, tt.want, p.line())

			err := <-done
			if tt.fails {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
