package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roverlink/roverlink/internal/api"
	"github.com/roverlink/roverlink/internal/channel"
	"github.com/roverlink/roverlink/internal/console"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/pkg/errs"
	"github.com/roverlink/roverlink/internal/storage"
)

var (
	consoleMode   string
	consoleDriver bool
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run a mission control console",
	Long: `Run mission control. The broker owns the rover's shared channel and relays it to
peer consoles; a peer joins a broker, found by broadcast when console.broker_address is
empty. Every console plays the camera and audio streams and serves the operator API.`,
	Run: func(cmd *cobra.Command, args []string) {
		runConsole(cmd)
	},
}

func init() {
	consoleCmd.Flags().StringVar(&consoleMode, "mode", "", "override console.mode (broker or peer)")
	consoleCmd.Flags().BoolVar(&consoleDriver, "driver", false, "enable the drive and gimbal channels on this console")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command) {
	cfg := loadConfig()
	if cmd.Flags().Changed("mode") {
		cfg.Console.Mode = consoleMode
	}
	if cmd.Flags().Changed("driver") {
		cfg.Console.Driver.Enabled = consoleDriver
	}

	log := newLogger(cfg, "CONSOLE")
	defer log.Close()

	log.Info("Starting roverlink console",
		"version", version,
		"mode", cfg.Console.Mode,
		"driver", cfg.Console.Driver.Enabled,
	)

	launcher, err := workerLauncher(cfg, "play")
	if err != nil {
		fatal(log, "Failed to locate stream worker", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		fatal(log, "Failed to initialize storage", err)
	}
	if err := store.Init(); err != nil {
		fatal(log, "Failed to initialize database schema", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.Storage.Path)

	opts := console.Options{
		Launcher: launcher,
		Storage:  store,
		Metrics:  metrics.New(),
	}
	if cfg.Console.Mode == console.ModePeer {
		if opts.Broker, err = brokerAddress(ctx, cfg.Console.BrokerAddress, func(ctx context.Context) (channel.Endpoint, error) {
			log.Info("Looking for a broker", "broadcast", cfg.Discovery.Broadcast, "port", cfg.Discovery.Port)
			return console.DiscoverBroker(ctx, cfg, log.Logger)
		}); err != nil {
			fatal(log, "Failed to find a broker", err)
		}
		log.Info("Broker", "addr", opts.Broker)
	}

	loop, stopLoop := startLoop(log)
	defer stopLoop()

	var (
		c         *console.Console
		apiServer *api.Server
		startErr  error
	)
	err = loop.Do(ctx, func() {
		if c, startErr = console.New(loop, cfg, opts, log.Logger); startErr != nil {
			return
		}
		if startErr = c.Start(ctx); startErr != nil {
			c.Close()
			return
		}
		apiServer = api.New(&cfg.API, loop, api.Options{Console: c, Storage: store, Metrics: opts.Metrics}, log.Logger)
	})
	if err == nil {
		err = startErr
	}
	if err != nil {
		fatal(log, "Failed to start console", err)
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error("HTTP server error", "error", err)
		}
	}()

	log.Info("Console initialized successfully", "api", cfg.API.Listen)
	<-ctx.Done()

	log.Info("Shutting down")
	if err := apiServer.Stop(); err != nil {
		log.Warn("API shutdown", "error", err)
	}
	_ = loop.Do(context.Background(), c.Close)
}

// brokerAddress parses the configured broker, or discovers one when none is set
func brokerAddress(ctx context.Context, configured string, discover func(context.Context) (channel.Endpoint, error)) (channel.Endpoint, error) {
	if configured == "" {
		return discover(ctx)
	}
	ep, err := channel.ParseEndpoint(configured)
	if err != nil {
		return channel.Endpoint{}, errs.New(errs.ConfigurationError, "console.broker_address", err)
	}
	return ep, nil
}
