package gps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	fix, err := ParseLine("1700000000123,38.406,-110.792,1371.5,9\n")
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), fix.Time)
	assert.Equal(t, 38.406, fix.Latitude)
	assert.Equal(t, -110.792, fix.Longitude)
	assert.Equal(t, 1371.5, fix.Altitude)
	assert.Equal(t, int32(9), fix.Satellites)

	again, err := ParseLine(FormatLine(fix))
	require.NoError(t, err)
	assert.Equal(t, fix, again)
}

func TestParseLine_Errors(t *testing.T) {
	tests := []string{
		"",
		"1,2,3",
		"x,1,2,3,4",
		"1,north,2,3,4",
		"1,2,3,4,many",
		"1,91,0,0,4",
		"1,0,181,0,4",
	}
	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			_, err := ParseLine(line)
			assert.Error(t, err)
		})
	}
}
