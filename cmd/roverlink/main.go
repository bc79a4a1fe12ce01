package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/pkg/logger"
	"github.com/roverlink/roverlink/internal/rover"
	"github.com/roverlink/roverlink/internal/streamworker"
)

const version = "0.1.0"

var (
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "roverlink",
	Short: "Roverlink - rover teleoperation stack",
	Long: `Roverlink connects a field rover to one or more mission control consoles:
- rover: serves the control channels, embedded controllers and camera/audio streams
- console: mission control as the broker (owns the rover link) or as a peer
- streamer: the stream worker process launched by rover and console`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads cfgFile; a configuration error ends the process with a diagnostic
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		if errs.Is(err, errs.ConfigurationError) {
			fmt.Fprintf(os.Stderr, "Create a default configuration with:\n    %s config init -c %s\n", os.Args[0], cfgFile)
		}
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg *config.Config, prefix string) *logger.Logger {
	return logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Prefix:     prefix,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
}

// fatal reports err and exits. Configuration errors are the operator's to fix.
func fatal(log *logger.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	if k, ok := errs.KindOf(err); ok && k.Fatal() {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	}
	log.Close()
	os.Exit(1)
}

// workerLauncher runs stream workers from this executable unless streamer.path says
// otherwise. Workers share our config file.
func workerLauncher(cfg *config.Config, mode string) (streamworker.Launcher, error) {
	self, err := os.Executable()
	if err != nil {
		return streamworker.Launcher{}, fmt.Errorf("locating executable: %w", err)
	}
	l := rover.Launcher(cfg, self, mode)
	if l.Path == self {
		l.Args = append([]string{"--config", cfgFile}, l.Args...)
	}
	return l, nil
}
