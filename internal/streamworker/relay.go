package streamworker

import (
	"fmt"
	"net"

	"github.com/pion/rtp"

	"github.com/roverlink/roverlink/internal/channel"
)

// relay receives a consumer's media and mirrors every packet to the worker and the
// forwarding addresses
type relay struct {
	conn    *net.UDPConn
	targets []*net.UDPAddr
}

func openRelay(local channel.Endpoint, targets []*net.UDPAddr) (*relay, error) {
	addr, err := net.ResolveUDPAddr("udp", local.String())
	if err != nil {
		return nil, fmt.Errorf("relay address %s: %w", local, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay bind %s: %w", local, err)
	}
	return &relay{conn: conn, targets: targets}, nil
}

// run forwards packets until the socket is closed. onPacket gets the size and, for RTP
// packets, the sequence number.
func (r *relay) run(onPacket func(n int, seq uint16, isRTP bool)) {
	buf := make([]byte, 65536)
	var hdr rtp.Header
	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := buf[:n]
		for _, t := range r.targets {
			_, _ = r.conn.WriteToUDP(pkt, t)
		}
		_, perr := hdr.Unmarshal(pkt)
		onPacket(n, hdr.SequenceNumber, perr == nil && hdr.Version == 2)
	}
}

func (r *relay) close() {
	r.conn.Close()
}
