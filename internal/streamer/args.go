// Package streamer is the worker process side of the stream worker contract. It wraps a
// GStreamer pipeline and reports on the loopback control link.
package streamer

import (
	"fmt"
	"net"
	"strconv"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/media"
)

// Args are the positional worker arguments:
// source format remoteHost remotePort bindHost bindPort ipcPort [forward...]
type Args struct {
	Source   string
	Format   media.Format
	Remote   channel.Endpoint
	Bind     channel.Endpoint
	IPCPort  int
	Forwards []channel.Endpoint
}

// ParseArgs validates the positional arguments
func ParseArgs(argv []string) (Args, error) {
	if len(argv) < 7 {
		return Args{}, fmt.Errorf("expected at least 7 arguments, got %d", len(argv))
	}

	f, err := media.Parse(argv[1])
	if err != nil {
		return Args{}, err
	}
	remotePort, err := parsePort(argv[3], true)
	if err != nil {
		return Args{}, fmt.Errorf("remote port: %w", err)
	}
	bindPort, err := parsePort(argv[5], true)
	if err != nil {
		return Args{}, fmt.Errorf("bind port: %w", err)
	}
	ipc, err := parsePort(argv[6], false)
	if err != nil {
		return Args{}, fmt.Errorf("ipc port: %w", err)
	}

	a := Args{
		Source:  argv[0],
		Format:  f,
		Remote:  channel.Endpoint{Host: argv[2], Port: remotePort},
		Bind:    channel.Endpoint{Host: argv[4], Port: bindPort},
		IPCPort: ipc,
	}
	for _, fw := range argv[7:] {
		host, port, err := net.SplitHostPort(fw)
		if err != nil {
			return Args{}, fmt.Errorf("forwarding address %q: %w", fw, err)
		}
		p, err := parsePort(port, false)
		if err != nil {
			return Args{}, fmt.Errorf("forwarding address %q: %w", fw, err)
		}
		a.Forwards = append(a.Forwards, channel.Endpoint{Host: host, Port: p})
	}
	return a, nil
}

func parsePort(s string, zeroOK bool) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if p < 0 || p > 65535 || (p == 0 && !zeroOK) {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}
