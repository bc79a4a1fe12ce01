package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roverlink/roverlink/internal/api"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/pkg/logger"
	"github.com/roverlink/roverlink/internal/rover"
)

var roverSecondary bool

var roverCmd = &cobra.Command{
	Use:   "rover",
	Short: "Run the rover process",
	Long: `Serve the rover's control channels, talk to the embedded controllers and run the
camera and audio stream workers. With --secondary, run on the rover's second computer
and serve only the cameras marked secondary.`,
	Run: func(cmd *cobra.Command, args []string) {
		runRover(roverSecondary)
	},
}

func init() {
	roverCmd.Flags().BoolVar(&roverSecondary, "secondary", false, "run as the secondary computer")
	rootCmd.AddCommand(roverCmd)
}

// roverProcess is what the rover command runs: the primary rover or the secondary
type roverProcess interface {
	api.RoverView
	Close()
}

func runRover(secondary bool) {
	cfg := loadConfig()

	prefix := "ROVER"
	if secondary {
		prefix = "SECONDARY"
	}
	log := newLogger(cfg, prefix)
	defer log.Close()

	log.Info("Starting roverlink rover", "version", version, "secondary", secondary)

	launcher, err := workerLauncher(cfg, "serve")
	if err != nil {
		fatal(log, "Failed to locate stream worker", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	loop, stopLoop := startLoop(log)
	defer stopLoop()

	var (
		proc     roverProcess
		startErr error
	)
	if secondary {
		primary, err := rover.PrimaryAddress(ctx, cfg, log.Logger)
		if err != nil {
			fatal(log, "Failed to find the primary rover", err)
		}
		log.Info("Primary rover", "addr", primary)

		err = loop.Do(ctx, func() {
			s, err := rover.NewSecondary(loop, cfg, primary, launcher, m, log.Logger)
			if err != nil {
				startErr = err
				return
			}
			if startErr = s.Start(); startErr != nil {
				s.Close()
				return
			}
			proc = s
		})
		if err == nil {
			err = startErr
		}
		if err != nil {
			fatal(log, "Failed to start secondary", err)
		}
	} else {
		err := loop.Do(ctx, func() {
			r := rover.New(loop, cfg, launcher, m, log.Logger)
			if startErr = r.Start(ctx); startErr == nil {
				proc = r
			}
		})
		if err == nil {
			err = startErr
		}
		if err != nil {
			fatal(log, "Failed to start rover", err)
		}
	}

	var apiServer *api.Server
	if err := loop.Do(ctx, func() {
		apiServer = api.New(&cfg.API, loop, api.Options{Rover: proc, Metrics: m}, log.Logger)
	}); err != nil {
		fatal(log, "Failed to start API", err)
	}
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error("HTTP server error", "error", err)
		}
	}()

	log.Info("Rover initialized successfully")
	<-ctx.Done()

	log.Info("Shutting down")
	if err := apiServer.Stop(); err != nil {
		log.Warn("API shutdown", "error", err)
	}
	_ = loop.Do(context.Background(), proc.Close)
}

// startLoop runs the event loop until the returned stop function is called
func startLoop(log *logger.Logger) (*eventloop.Loop, func()) {
	loop := eventloop.New(nil, log.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	return loop, func() {
		cancel()
		<-loop.Done()
	}
}
