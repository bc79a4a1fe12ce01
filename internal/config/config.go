package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/pkg/errs"
)

// Config represents the configuration shared by every roverlink process
type Config struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	Rover     RoverConfig     `koanf:"rover"`
	Console   ConsoleConfig   `koanf:"console"`
	Cameras   []CameraConfig  `koanf:"cameras"`
	Audio     AudioConfig     `koanf:"audio"`
	Streamer  StreamerConfig  `koanf:"streamer"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	API       APIConfig       `koanf:"api"`
	Storage   StorageConfig   `koanf:"storage"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// RoverConfig holds the rover's server channels and embedded controllers
type RoverConfig struct {
	Bind  string     `koanf:"bind"`
	Ports RoverPorts `koanf:"ports"`

	Controllers ControllersConfig `koanf:"controllers"`

	// GPSListen is the UDP address NMEA-derived fix lines arrive on; empty disables it
	GPSListen string `koanf:"gps_listen"`

	ReopenInitial time.Duration `koanf:"reopen_initial"`
	ReopenMax     time.Duration `koanf:"reopen_max"`

	Secondary SecondaryConfig `koanf:"secondary"`
}

// RoverPorts defines the rover's channel ports
type RoverPorts struct {
	Arm       int `koanf:"arm"`
	Drive     int `koanf:"drive"`
	Gimbal    int `koanf:"gimbal"`
	Shared    int `koanf:"shared"`
	Secondary int `koanf:"secondary"`
}

// ControllersConfig describes the embedded controllers. Drive and gimbal share one board.
type ControllersConfig struct {
	Timeout   time.Duration    `koanf:"timeout"`
	KeepAlive time.Duration    `koanf:"keep_alive"`
	Arm       ControllerConfig `koanf:"arm"`
	Drive     ControllerConfig `koanf:"drive"`
}

type ControllerConfig struct {
	Port int `koanf:"port"`
	ID   int `koanf:"id"`
}

// SecondaryConfig is used by a rover started as the secondary computer
type SecondaryConfig struct {
	// Rover is the primary's secondary channel address; empty means discover it
	Rover string `koanf:"rover"`
	// Console is the host the secondary's cameras stream to
	Console string `koanf:"console"`
}

// ConsoleConfig holds mission control settings
type ConsoleConfig struct {
	// Mode is "broker" (owns the rover channel) or "peer"
	Mode string `koanf:"mode"`

	// Rover is the rover host; channel ports come from rover.ports
	Rover string `koanf:"rover"`

	BrokerListen string `koanf:"broker_listen"`
	// BrokerAddress is where a peer connects; empty means discover it
	BrokerAddress string `koanf:"broker_address"`

	PeerRate   float64 `koanf:"peer_rate"`
	PeerBurst  int     `koanf:"peer_burst"`
	GPSHistory int     `koanf:"gps_history"`

	GPSStaleAfter time.Duration `koanf:"gps_stale_after"`

	Driver DriverConfig `koanf:"driver"`
}

// DriverConfig enables the drive/gimbal control channels on this console
type DriverConfig struct {
	Enabled bool `koanf:"enabled"`
}

// CameraConfig describes one camera. Port is the console's receive port for it.
type CameraConfig struct {
	ID        int32  `koanf:"id"`
	Name      string `koanf:"name"`
	Device    string `koanf:"device"`
	Port      int    `koanf:"port"`
	Secondary bool   `koanf:"secondary"`
}

// AudioConfig describes the rover microphone stream
type AudioConfig struct {
	Enabled bool   `koanf:"enabled"`
	Device  string `koanf:"device"`
	Port    int    `koanf:"port"`
}

// StreamerConfig selects how stream workers are launched
type StreamerConfig struct {
	// Path of the worker binary; empty means this executable
	Path string `koanf:"path"`
	// Launch is the pipeline runner the worker execs
	Launch []string `koanf:"launch"`

	ControlTimeout time.Duration `koanf:"control_timeout"`
	StopGrace      time.Duration `koanf:"stop_grace"`

	// Forward lists extra host:port destinations every camera stream is mirrored to
	Forward []string `koanf:"forward"`
}

// DiscoveryConfig holds the broadcast discovery settings
type DiscoveryConfig struct {
	Port      int           `koanf:"port"`
	Broadcast string        `koanf:"broadcast"`
	Interval  time.Duration `koanf:"interval"`
}

// APIConfig holds REST API configuration
type APIConfig struct {
	Listen      string         `koanf:"listen"`
	CORSOrigins []string       `koanf:"cors_origins"`
	OperatorKey OperatorKeyCfg `koanf:"operator_key"`
}

// OperatorKeyCfg holds the hash of the key required on control requests.
// An empty hash leaves the API open, which suits a console bound to loopback.
type OperatorKeyCfg struct {
	Hash      string `koanf:"hash"`
	CreatedAt string `koanf:"created_at"`
}

// StorageConfig holds the console database settings
type StorageConfig struct {
	Path string `koanf:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// Load loads configuration from a YAML file. Every failure is a ConfigurationError.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML config
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, errs.New(errs.ConfigurationError, "config", fmt.Errorf("loading config file: %w", err))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errs.New(errs.ConfigurationError, "config", fmt.Errorf("unmarshaling config: %w", err))
	}

	// Apply defaults
	applyDefaults(&cfg)

	// Validate
	if err := validate(&cfg); err != nil {
		return nil, errs.New(errs.ConfigurationError, "config", fmt.Errorf("validating config: %w", err))
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional fields
func applyDefaults(cfg *Config) {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = channel.DefaultHeartbeatInterval
	}

	// Rover defaults
	if cfg.Rover.Bind == "" {
		cfg.Rover.Bind = "0.0.0.0"
	}
	setPort(&cfg.Rover.Ports.Arm, 5201)
	setPort(&cfg.Rover.Ports.Drive, 5202)
	setPort(&cfg.Rover.Ports.Gimbal, 5203)
	setPort(&cfg.Rover.Ports.Shared, 5204)
	setPort(&cfg.Rover.Ports.Secondary, 5205)
	setPort(&cfg.Rover.Controllers.Arm.Port, 5301)
	setPort(&cfg.Rover.Controllers.Drive.Port, 5302)
	if cfg.Rover.Controllers.Arm.ID == 0 {
		cfg.Rover.Controllers.Arm.ID = 2
	}
	if cfg.Rover.Controllers.Drive.ID == 0 {
		cfg.Rover.Controllers.Drive.ID = 3
	}
	if cfg.Rover.Controllers.Timeout == 0 {
		cfg.Rover.Controllers.Timeout = 300 * time.Millisecond
	}
	if cfg.Rover.Controllers.KeepAlive == 0 {
		cfg.Rover.Controllers.KeepAlive = 100 * time.Millisecond
	}
	if cfg.Rover.ReopenInitial == 0 {
		cfg.Rover.ReopenInitial = 500 * time.Millisecond
	}
	if cfg.Rover.ReopenMax == 0 {
		cfg.Rover.ReopenMax = 10 * time.Second
	}

	// Console defaults
	if cfg.Console.Mode == "" {
		cfg.Console.Mode = "broker"
	}
	if cfg.Console.Rover == "" {
		cfg.Console.Rover = "127.0.0.1"
	}
	if cfg.Console.BrokerListen == "" {
		cfg.Console.BrokerListen = "0.0.0.0:5100"
	}
	if cfg.Console.PeerRate == 0 {
		cfg.Console.PeerRate = 200
	}
	if cfg.Console.PeerBurst == 0 {
		cfg.Console.PeerBurst = 400
	}
	if cfg.Console.GPSHistory == 0 {
		cfg.Console.GPSHistory = 500
	}
	if cfg.Console.GPSStaleAfter == 0 {
		cfg.Console.GPSStaleAfter = 10 * time.Second
	}

	// Camera defaults
	for i := range cfg.Cameras {
		c := &cfg.Cameras[i]
		if c.Port == 0 {
			c.Port = 5400 + int(c.ID)
		}
		if c.Device == "" {
			c.Device = fmt.Sprintf("/dev/video%d", c.ID)
		}
	}
	setPort(&cfg.Audio.Port, 5499)
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = "hw:1"
	}

	// Streamer defaults
	if len(cfg.Streamer.Launch) == 0 {
		cfg.Streamer.Launch = []string{"gst-launch-1.0", "-q"}
	}
	if cfg.Streamer.ControlTimeout == 0 {
		cfg.Streamer.ControlTimeout = time.Second
	}
	if cfg.Streamer.StopGrace == 0 {
		cfg.Streamer.StopGrace = 3 * time.Second
	}

	// Discovery defaults
	setPort(&cfg.Discovery.Port, 45454)
	if cfg.Discovery.Broadcast == "" {
		cfg.Discovery.Broadcast = "255.255.255.255"
	}
	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = 500 * time.Millisecond
	}

	// API defaults
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8080"
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "roverlink.db"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB == 0 {
			cfg.Logging.MaxSizeMB = 50
		}
		if cfg.Logging.MaxBackups == 0 {
			cfg.Logging.MaxBackups = 5
		}
		if cfg.Logging.MaxAgeDays == 0 {
			cfg.Logging.MaxAgeDays = 14
		}
	}
}

func setPort(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

// validate checks the configuration for required fields and consistency
func validate(cfg *Config) error {
	if cfg.HeartbeatInterval < 10*time.Millisecond {
		return fmt.Errorf("heartbeat_interval %s is too short", cfg.HeartbeatInterval)
	}

	ports := map[string]int{
		"rover.ports.arm":              cfg.Rover.Ports.Arm,
		"rover.ports.drive":            cfg.Rover.Ports.Drive,
		"rover.ports.gimbal":           cfg.Rover.Ports.Gimbal,
		"rover.ports.shared":           cfg.Rover.Ports.Shared,
		"rover.ports.secondary":        cfg.Rover.Ports.Secondary,
		"rover.controllers.arm.port":   cfg.Rover.Controllers.Arm.Port,
		"rover.controllers.drive.port": cfg.Rover.Controllers.Drive.Port,
		"audio.port":                   cfg.Audio.Port,
		"discovery.port":               cfg.Discovery.Port,
	}
	for name, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%s: invalid port %d", name, p)
		}
	}

	for _, id := range []int{cfg.Rover.Controllers.Arm.ID, cfg.Rover.Controllers.Drive.ID} {
		if id <= 0 || id > 255 {
			return fmt.Errorf("controller id %d out of range 1-255", id)
		}
	}
	if cfg.Rover.Controllers.Arm.ID == cfg.Rover.Controllers.Drive.ID {
		return fmt.Errorf("arm and drive controllers share id %d", cfg.Rover.Controllers.Arm.ID)
	}
	if cfg.Rover.Controllers.KeepAlive >= cfg.Rover.Controllers.Timeout {
		return fmt.Errorf("controller keep_alive must be shorter than timeout")
	}
	if cfg.Rover.ReopenMax < cfg.Rover.ReopenInitial {
		return fmt.Errorf("rover.reopen_max is shorter than rover.reopen_initial")
	}

	switch cfg.Console.Mode {
	case "broker", "peer":
	default:
		return fmt.Errorf("invalid console mode: %s (must be 'broker' or 'peer')", cfg.Console.Mode)
	}
	if _, err := channel.ParseEndpoint(cfg.Console.BrokerListen); err != nil {
		return fmt.Errorf("console.broker_listen: %w", err)
	}
	if cfg.Console.BrokerAddress != "" {
		if _, err := channel.ParseEndpoint(cfg.Console.BrokerAddress); err != nil {
			return fmt.Errorf("console.broker_address: %w", err)
		}
	}
	if cfg.Console.PeerRate < 0 || cfg.Console.PeerBurst < 0 {
		return fmt.Errorf("console peer rate limits must be positive")
	}
	if cfg.Console.GPSHistory < 0 {
		return fmt.Errorf("console.gps_history must be positive")
	}

	seen := make(map[int32]bool, len(cfg.Cameras))
	for _, c := range cfg.Cameras {
		if c.ID < 0 {
			return fmt.Errorf("camera id %d must not be negative", c.ID)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate camera id %d", c.ID)
		}
		seen[c.ID] = true
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("camera %d: invalid port %d", c.ID, c.Port)
		}
	}

	for _, f := range cfg.Streamer.Forward {
		if _, err := channel.ParseEndpoint(f); err != nil {
			return fmt.Errorf("streamer.forward: %w", err)
		}
	}
	if cfg.Rover.GPSListen != "" {
		if _, err := channel.ParseEndpoint(cfg.Rover.GPSListen); err != nil {
			return fmt.Errorf("rover.gps_listen: %w", err)
		}
	}
	if cfg.Rover.Secondary.Rover != "" {
		if _, err := channel.ParseEndpoint(cfg.Rover.Secondary.Rover); err != nil {
			return fmt.Errorf("rover.secondary.rover: %w", err)
		}
	}

	if h := cfg.API.OperatorKey.Hash; h != "" && !strings.Contains(h, ":") {
		return fmt.Errorf("api.operator_key.hash is not a salt:hash pair")
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format: %s", cfg.Logging.Format)
	}

	return nil
}

// Camera returns the camera with the given id
func (c *Config) Camera(id int32) (CameraConfig, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

// Forwards parses streamer.forward. Load has already validated every entry.
func (c *Config) Forwards() []channel.Endpoint {
	out := make([]channel.Endpoint, 0, len(c.Streamer.Forward))
	for _, f := range c.Streamer.Forward {
		if ep, err := channel.ParseEndpoint(f); err == nil {
			out = append(out, ep)
		}
	}
	return out
}
