package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/pkg/logger"
	"github.com/roverlink/roverlink/internal/streamer"
)

const streamerArgs = "source format remoteHost remotePort bindHost bindPort ipcPort [forward...]"

var streamerCmd = &cobra.Command{
	Use:    "streamer",
	Short:  "Stream worker process (launched by rover and console)",
	Hidden: true,
}

var streamerServeCmd = &cobra.Command{
	Use:   "serve " + streamerArgs,
	Short: "Capture a source and send it to remoteHost:remotePort",
	Args:  cobra.MinimumNArgs(7),
	Run: func(cmd *cobra.Command, args []string) {
		runStreamer(streamer.Serve, args)
	},
}

var streamerPlayCmd = &cobra.Command{
	Use:   "play " + streamerArgs,
	Short: "Receive a stream on bindHost:bindPort and render it",
	Args:  cobra.MinimumNArgs(7),
	Run: func(cmd *cobra.Command, args []string) {
		runStreamer(streamer.Play, args)
	},
}

func init() {
	streamerCmd.AddCommand(streamerServeCmd)
	streamerCmd.AddCommand(streamerPlayCmd)
	rootCmd.AddCommand(streamerCmd)
}

// runStreamer exits 2 on bad arguments and 1 when the pipeline fails
func runStreamer(mode streamer.Mode, args []string) {
	// workers run without a config file too; defaults then apply
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = &config.Config{Logging: config.LoggingConfig{Level: "info", Format: "text"}}
	}
	log := logger.NewWithWriter(os.Stderr, logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Prefix: "STREAMER",
	})

	a, err := streamer.ParseArgs(args)
	if err != nil {
		log.Error("Invalid worker arguments", "error", errors.Join(streamer.ErrUsage, err))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = streamer.Run(ctx, mode, a, streamer.Config{
		Launch:      cfg.Streamer.Launch,
		Logger:      log.Logger,
		DialTimeout: cfg.Streamer.ControlTimeout,
		StopGrace:   cfg.Streamer.StopGrace,
	})
	if err != nil {
		log.Error("Worker failed", "error", err)
		stop()
		os.Exit(1)
	}
}
