package channel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Transport selects the socket kind under a channel
type Transport uint8

const (
	Datagram Transport = iota
	Stream
)

func (t Transport) String() string {
	if t == Stream {
		return "stream"
	}
	return "datagram"
}

// ParseTransport accepts "udp"/"datagram" and "tcp"/"stream"
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "udp", "datagram":
		return Datagram, nil
	case "tcp", "stream":
		return Stream, nil
	}
	return Datagram, fmt.Errorf("unknown transport %q", s)
}

// Role is whether the channel waits for its peer or reaches out to it
type Role uint8

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// State is the connection state. Error is terminal until Open is called again.
type State int32

const (
	Connecting State = iota
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Endpoint is an immutable host/port pair
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero reports whether the endpoint is unset
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ParseEndpoint reads "host:port". An empty host means all interfaces.
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return Endpoint{}, fmt.Errorf("endpoint %q: invalid port", s)
	}
	return Endpoint{Host: host, Port: p}, nil
}

// EndpointFromAddr converts a resolved socket address
func EndpointFromAddr(addr net.Addr) Endpoint {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return Endpoint{Host: a.IP.String(), Port: a.Port}
	case *net.TCPAddr:
		return Endpoint{Host: a.IP.String(), Port: a.Port}
	}
	if addr == nil {
		return Endpoint{}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{Host: addr.String()}
	}
	p, _ := strconv.Atoi(port)
	return Endpoint{Host: host, Port: p}
}

const (
	// MaxMessageSize bounds a single payload so every frame fits in one datagram
	MaxMessageSize = 60000

	DefaultHeartbeatInterval = 500 * time.Millisecond
	DefaultMissedHeartbeats  = 3

	writeWait = 5 * time.Second
	sendQueue = 1024
)

var (
	ErrMessageTooLarge = fmt.Errorf("message exceeds %d bytes", MaxMessageSize)
	ErrNotReopenable   = errors.New("accepted channels cannot be reopened")
)

// Config describes one logical link
type Config struct {
	Name      string
	Transport Transport
	Role      Role

	// Local is the bind address: required for servers, optional for clients
	Local Endpoint
	// Remote is the server address a client connects to
	Remote Endpoint

	HeartbeatInterval time.Duration
	MissedHeartbeats  int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = DefaultMissedHeartbeats
	}
}

// Stats is a point-in-time view of a channel's instrumentation
type Stats struct {
	State       string  `json:"state"`
	RTTMillis   float64 `json:"rtt_ms"`
	DropPercent float64 `json:"drop_percent"`
	UpBps       int64   `json:"up_bps"`
	DownBps     int64   `json:"down_bps"`
	BytesIn     int64   `json:"bytes_in"`
	BytesOut    int64   `json:"bytes_out"`
	Peer        string  `json:"peer,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
}
