// Package gps carries position fixes from the rover's GPS feed to the consoles.
// Sentence parsing happens upstream; the feed delivers already-resolved fixes.
package gps

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fix is a single resolved position
type Fix struct {
	Time       time.Time `json:"time"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	Satellites int32     `json:"satellites"`
}

// ParseLine decodes one feed line: unix_millis,lat,lon,alt,satellites
func ParseLine(line string) (Fix, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 5 {
		return Fix{}, fmt.Errorf("gps line %q: expected 5 fields, got %d", line, len(parts))
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Fix{}, fmt.Errorf("gps line %q: time: %w", line, err)
	}
	var coords [3]float64
	for i := range coords {
		coords[i], err = strconv.ParseFloat(parts[i+1], 64)
		if err != nil {
			return Fix{}, fmt.Errorf("gps line %q: field %d: %w", line, i+1, err)
		}
	}
	sats, err := strconv.ParseInt(parts[4], 10, 32)
	if err != nil {
		return Fix{}, fmt.Errorf("gps line %q: satellites: %w", line, err)
	}
	if coords[0] < -90 || coords[0] > 90 || coords[1] < -180 || coords[1] > 180 {
		return Fix{}, fmt.Errorf("gps line %q: coordinates out of range", line)
	}

	return Fix{
		Time:       time.UnixMilli(ms).UTC(),
		Latitude:   coords[0],
		Longitude:  coords[1],
		Altitude:   coords[2],
		Satellites: int32(sats),
	}, nil
}

// FormatLine is the inverse of ParseLine
func FormatLine(f Fix) string {
	return fmt.Sprintf("%d,%s,%s,%s,%d",
		f.Time.UnixMilli(),
		strconv.FormatFloat(f.Latitude, 'f', -1, 64),
		strconv.FormatFloat(f.Longitude, 'f', -1, 64),
		strconv.FormatFloat(f.Altitude, 'f', -1, 64),
		f.Satellites,
	)
}
