package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/pkg/errs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		wantErr     bool
		errContains string
		validate    func(*testing.T, *Config)
	}{
		{
			name: "valid config with all fields",
			configYAML: `
heartbeat_interval: 250ms
rover:
  bind: "10.0.0.2"
  ports:
    arm: 6001
    drive: 6002
    gimbal: 6003
    shared: 6004
    secondary: 6005
  controllers:
    timeout: 500ms
    keep_alive: 50ms
    arm: {port: 6101, id: 7}
    drive: {port: 6102, id: 8}
  gps_listen: "127.0.0.1:6200"
console:
  mode: "peer"
  rover: "10.0.0.2"
  broker_address: "10.0.0.10:5100"
  driver:
    enabled: true
cameras:
  - {id: 1, name: "Mast", device: "/dev/video4", port: 7001}
  - {id: 2, secondary: true}
audio:
  enabled: true
streamer:
  launch: ["gst-launch-1.0"]
  forward: ["10.0.0.20:6000"]
logging:
  level: "debug"
  format: "json"
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval)
				assert.Equal(t, "10.0.0.2", cfg.Rover.Bind)
				assert.Equal(t, 6004, cfg.Rover.Ports.Shared)
				assert.Equal(t, 7, cfg.Rover.Controllers.Arm.ID)
				assert.Equal(t, 500*time.Millisecond, cfg.Rover.Controllers.Timeout)
				assert.Equal(t, "peer", cfg.Console.Mode)
				assert.True(t, cfg.Console.Driver.Enabled)
				require.Len(t, cfg.Cameras, 2)
				assert.Equal(t, 7001, cfg.Cameras[0].Port)
				assert.Equal(t, 5402, cfg.Cameras[1].Port)
				assert.Equal(t, "/dev/video2", cfg.Cameras[1].Device)
				assert.True(t, cfg.Cameras[1].Secondary)
				assert.Equal(t, []channel.Endpoint{{Host: "10.0.0.20", Port: 6000}}, cfg.Forwards())
				assert.Equal(t, "debug", cfg.Logging.Level)
			},
		},
		{
			name:        "invalid console mode",
			configYAML:  "console:\n  mode: relay\n",
			wantErr:     true,
			errContains: "invalid console mode",
		},
		{
			name:        "duplicate camera",
			configYAML:  "cameras:\n  - {id: 1}\n  - {id: 1}\n",
			wantErr:     true,
			errContains: "duplicate camera id 1",
		},
		{
			name:        "controllers share an id",
			configYAML:  "rover:\n  controllers:\n    arm: {id: 3}\n",
			wantErr:     true,
			errContains: "share id 3",
		},
		{
			name:        "keep alive not shorter than timeout",
			configYAML:  "rover:\n  controllers:\n    timeout: 100ms\n    keep_alive: 100ms\n",
			wantErr:     true,
			errContains: "keep_alive",
		},
		{
			name:        "bad broker address",
			configYAML:  "console:\n  broker_address: nowhere\n",
			wantErr:     true,
			errContains: "console.broker_address",
		},
		{
			name:        "bad forward",
			configYAML:  "streamer:\n  forward: [\"10.0.0.20\"]\n",
			wantErr:     true,
			errContains: "streamer.forward",
		},
		{
			name:        "port out of range",
			configYAML:  "rover:\n  ports:\n    shared: 70000\n",
			wantErr:     true,
			errContains: "rover.ports.shared",
		},
		{
			name:        "invalid log format",
			configYAML:  "logging:\n  format: xml\n",
			wantErr:     true,
			errContains: "invalid logging format",
		},
		{
			name:        "malformed operator key hash",
			configYAML:  "api:\n  operator_key:\n    hash: nocolon\n",
			wantErr:     true,
			errContains: "api.operator_key.hash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.configYAML))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errs.Is(err, errs.ConfigurationError))
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config file")
	assert.True(t, errs.Is(err, errs.ConfigurationError))
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content: ["))
	require.Error(t, err)
}

func TestLoad_DefaultTemplate(t *testing.T) {
	cfg, err := Load(writeConfig(t, DefaultConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "broker", cfg.Console.Mode)
	assert.Len(t, cfg.Cameras, 3)
	cam, ok := cfg.Camera(3)
	require.True(t, ok)
	assert.True(t, cam.Secondary)
	_, ok = cfg.Camera(9)
	assert.False(t, ok)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	assert.Equal(t, channel.DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, 5201, cfg.Rover.Ports.Arm)
	assert.Equal(t, 5204, cfg.Rover.Ports.Shared)
	assert.Equal(t, 2, cfg.Rover.Controllers.Arm.ID)
	assert.Equal(t, 3, cfg.Rover.Controllers.Drive.ID)
	assert.Equal(t, 300*time.Millisecond, cfg.Rover.Controllers.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Rover.Controllers.KeepAlive)
	assert.Equal(t, "broker", cfg.Console.Mode)
	assert.Equal(t, 10*time.Second, cfg.Console.GPSStaleAfter)
	assert.Equal(t, []string{"gst-launch-1.0", "-q"}, cfg.Streamer.Launch)
	assert.Equal(t, 45454, cfg.Discovery.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Zero(t, cfg.Logging.MaxSizeMB)
	require.NoError(t, validate(cfg))
}

func TestApplyDefaults_LogRotation(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{File: "/tmp/roverlink.log"}}
	applyDefaults(cfg)

	assert.Equal(t, 50, cfg.Logging.MaxSizeMB)
	assert.Equal(t, 5, cfg.Logging.MaxBackups)
	assert.Equal(t, 14, cfg.Logging.MaxAgeDays)
}
