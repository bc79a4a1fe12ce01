package channel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatagramFrame(t *testing.T) {
	b := encodeDatagram(frameData, []byte("hi"), 0x01020304)
	assert.Equal(t, []byte{frameData, 'h', 'i', 1, 2, 3, 4}, b)

	typ, payload, seq, err := decodeDatagram(b)
	require.NoError(t, err)
	assert.Equal(t, frameData, typ)
	assert.Equal(t, []byte("hi"), payload)
	assert.Equal(t, uint32(0x01020304), seq)

	_, _, _, err = decodeDatagram([]byte{frameData, 0, 0})
	assert.ErrorIs(t, err, errBadFrame)
	_, _, _, err = decodeDatagram([]byte{0x7F, 0, 0, 0, 1})
	assert.ErrorIs(t, err, errBadFrame)
}

func TestStreamFrame_Boundaries(t *testing.T) {
	var wire bytes.Buffer
	payloads := [][]byte{{}, []byte("a"), bytes.Repeat([]byte{0xAB}, 10000)}
	for _, p := range payloads {
		wire.Write(encodeStream(frameData, p))
	}
	wire.Write(encodeStream(frameHeartbeat, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	hdr := make([]byte, lengthSize)
	for _, want := range payloads {
		typ, got, err := readStreamFrame(&wire, hdr)
		require.NoError(t, err)
		assert.Equal(t, frameData, typ)
		assert.Equal(t, len(want), len(got))
	}
	typ, got, err := readStreamFrame(&wire, hdr)
	require.NoError(t, err)
	assert.Equal(t, frameHeartbeat, typ)
	assert.Len(t, got, 8)
}

func TestStreamFrame_RejectsBadLengths(t *testing.T) {
	hdr := make([]byte, lengthSize)

	_, _, err := readStreamFrame(bytes.NewReader([]byte{0, 0, 0, 0}), hdr)
	assert.ErrorIs(t, err, errBadFrame)

	_, _, err = readStreamFrame(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}), hdr)
	assert.ErrorIs(t, err, errBadFrame)

	_, _, err = readStreamFrame(bytes.NewReader([]byte{0, 0, 0, 1, 0x55}), hdr)
	assert.ErrorIs(t, err, errBadFrame)
}
