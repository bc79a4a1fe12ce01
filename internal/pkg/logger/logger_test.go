package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"debug level text format", Config{Level: "debug", Format: "text"}},
		{"info level json format", Config{Level: "info", Format: "json"}},
		{"empty config defaults", Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := New(tt.config)
			require.NotNil(t, log)
			require.NotNil(t, log.Logger)

			assert.NotPanics(t, func() {
				log.Info("test message")
			})
			assert.NoError(t, log.Close())
		})
	}
}

func TestLineHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{Level: "info", Prefix: "ROVER"})

	log.Component("channel").Info("state changed", "name", "drive", "state", "connected")

	line := buf.String()
	assert.Contains(t, line, " ROVER [INFO] [Channel] state changed")
	assert.Contains(t, line, "name=drive")
	assert.Contains(t, line, "state=connected")
	assert.NotContains(t, line, "component=")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestLineHandler_DefaultPrefix(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{})

	log.Info("hello")
	assert.Contains(t, buf.String(), " ROVERLINK [INFO] hello")
}

func TestLineHandler_RecordComponent(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{})

	log.Info("relay", "component", "broker")
	assert.Contains(t, buf.String(), "[Broker] relay")
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Config{Format: "json"})

	log.Component("overlay").Info("test message", "key", "value")

	output := buf.String()
	assert.Contains(t, output, `"msg":"test message"`)
	assert.Contains(t, output, `"component":"overlay"`)
	assert.Contains(t, output, `"key":"value"`)
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name         string
		configLevel  string
		messageLevel string
		shouldLog    bool
	}{
		{"debug logs at debug level", "debug", "debug", true},
		{"debug does not log at info level", "info", "debug", false},
		{"info logs at debug level", "debug", "info", true},
		{"warn does not log at error level", "error", "warn", false},
		{"error logs at error level", "error", "error", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := NewWithWriter(&buf, Config{Level: tt.configLevel})

			switch tt.messageLevel {
			case "debug":
				log.Debug("test message")
			case "info":
				log.Info("test message")
			case "warn":
				log.Warn("test message")
			case "error":
				log.Error("test message")
			}

			if tt.shouldLog {
				assert.Contains(t, buf.String(), "test message")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestNew_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roverlink.log")
	log := New(Config{Level: "info", File: path, MaxSizeMB: 1})

	log.Info("written to file")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
