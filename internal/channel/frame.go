package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// frame types, the first byte of every wire message
const (
	frameData         byte = 0x01
	frameHeartbeat    byte = 0x02
	frameHeartbeatAck byte = 0x03
	frameHandshake    byte = 0x04
)

const (
	seqSize    = 4
	lengthSize = 4
	// largest encoded frame: type byte, payload, and the datagram sequence trailer
	maxFrameSize = 1 + MaxMessageSize + seqSize
)

var errBadFrame = errors.New("malformed frame")

func validFrameType(t byte) bool {
	return t >= frameData && t <= frameHandshake
}

// encodeDatagram builds [type][payload][seq]
func encodeDatagram(t byte, payload []byte, seq uint32) []byte {
	b := make([]byte, 0, 1+len(payload)+seqSize)
	b = append(b, t)
	b = append(b, payload...)
	return binary.BigEndian.AppendUint32(b, seq)
}

// decodeDatagram splits a datagram into type, payload and sequence number
func decodeDatagram(b []byte) (byte, []byte, uint32, error) {
	if len(b) < 1+seqSize || !validFrameType(b[0]) {
		return 0, nil, 0, errBadFrame
	}
	n := len(b) - seqSize
	return b[0], b[1:n], binary.BigEndian.Uint32(b[n:]), nil
}

// encodeStream builds [uint32 length][type][payload]
func encodeStream(t byte, payload []byte) []byte {
	b := make([]byte, 0, lengthSize+1+len(payload))
	b = binary.BigEndian.AppendUint32(b, uint32(1+len(payload)))
	b = append(b, t)
	return append(b, payload...)
}

// readStreamFrame reads one length-prefixed frame from r
func readStreamFrame(r io.Reader, hdr []byte) (byte, []byte, error) {
	if _, err := io.ReadFull(r, hdr[:lengthSize]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:lengthSize])
	if n == 0 || n > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: length %d", errBadFrame, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	if !validFrameType(body[0]) {
		return 0, nil, fmt.Errorf("%w: type 0x%02x", errBadFrame, body[0])
	}
	return body[0], body[1:], nil
}
