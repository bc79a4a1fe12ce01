package api

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/roverlink/roverlink/internal/apikey"
	"github.com/roverlink/roverlink/internal/config"
	"github.com/roverlink/roverlink/internal/console"
	"github.com/roverlink/roverlink/internal/eventloop"
	"github.com/roverlink/roverlink/internal/metrics"
	"github.com/roverlink/roverlink/internal/middleware"
	"github.com/roverlink/roverlink/internal/overlay"
	"github.com/roverlink/roverlink/internal/registry"
	"github.com/roverlink/roverlink/internal/rover"
	"github.com/roverlink/roverlink/internal/storage"
)

// RoverView is the part of the rover the status API reads
type RoverView interface {
	Snapshot() rover.Snapshot
}

// Options select what the server exposes. Exactly one of Console and Rover is set.
type Options struct {
	Console *console.Console
	Rover   RoverView
	Storage storage.Storage
	Metrics *metrics.Metrics
}

// Server is the HTTP boundary for the operator UI
type Server struct {
	app      *fiber.App
	cfg      *config.APIConfig
	loop     *eventloop.Loop
	console  *console.Console
	rover    RoverView
	storage  storage.Storage
	metrics  *metrics.Metrics
	registry *registry.Registry
	hub      *Hub
	logger   *slog.Logger
}

// New creates the API server. It registers event observers on the console, so it must
// run on the loop.
func New(cfg *config.APIConfig, loop *eventloop.Loop, opts Options, log *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "roverlink",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} ROVERLINK [INFO] [API] ${status} ${method} ${path} ${latency}\n",
		TimeFormat: "2006/01/02 15:04:05",
		CustomTags: map[string]logger.LogFunc{
			"time": func(output logger.Buffer, c *fiber.Ctx, data *logger.Data, extraParam string) (int, error) {
				return output.WriteString(time.Now().Format("2006/01/02 15:04:05"))
			},
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/metrics"
		},
	}))

	if len(cfg.CORSOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.CORSOrigins, ","),
			AllowMethods: "GET,POST,PUT,DELETE",
			AllowHeaders: "Origin,Content-Type,Accept,Authorization",
		}))
	}

	s := &Server{
		app:      app,
		cfg:      cfg,
		loop:     loop,
		console:  opts.Console,
		rover:    opts.Rover,
		storage:  opts.Storage,
		metrics:  opts.Metrics,
		registry: registry.New(),
		logger:   log.With("component", "api"),
	}
	s.hub = NewHub(s.registry, s.snapshotEnvelope, log)

	if s.console != nil {
		s.console.OnEvent(func(ev overlay.Event) { s.hub.Broadcast(EventEnvelope(ev)) })
		s.console.OnNotice(func(n console.Notice) { s.hub.Broadcast(NoticeEnvelope(n)) })
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	api := s.app.Group("/api/v1")
	if hash := s.cfg.OperatorKey.Hash; hash != "" {
		api.Use(middleware.OperatorAuth(apikey.NewVerifier(hash)))
	}
	api.Get("/health", s.handleHealth)

	if s.rover != nil {
		api.Get("/stats", s.handleRoverStats)
		return
	}

	api.Get("/state", s.handleState)
	api.Get("/gps", s.handleGPS)
	api.Get("/stats", s.handleStats)
	api.Get("/formats", s.handleFormats)

	cameras := api.Group("/cameras")
	{
		cameras.Put("/:id/format", s.handleSelectFormat)
		cameras.Put("/:id/stream", s.handleCameraStream)
		cameras.Put("/:id/name", s.handleRenameCamera)
	}

	api.Post("/audio/start", s.handleStartAudio)
	api.Post("/audio/stop", s.handleStopAudio)

	api.Get("/comments", s.handleListComments)
	api.Post("/comments", s.handleAddComment)
	api.Delete("/comments/:id", s.handleDeleteComment)

	api.Post("/rover/reconnect", s.handleReconnect)
	api.Put("/drive", s.handleDrive)

	api.Get("/subscribers", s.handleSubscribers)
	s.hub.RegisterRoutes(api)
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.hub.Start()
	s.logger.Info("Starting HTTP server", "addr", s.cfg.Listen)
	return s.app.Listen(s.cfg.Listen)
}

// Stop gracefully stops the API server
func (s *Server) Stop() error {
	s.logger.Info("Stopping REST API server")
	s.hub.Stop()
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing)
func (s *Server) App() *fiber.App {
	return s.app
}

// do runs fn on the loop for the duration of one request
func (s *Server) do(c *fiber.Ctx, fn func()) error {
	if err := s.loop.Do(c.Context(), fn); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, fmt.Sprintf("console unavailable: %v", err))
	}
	return nil
}

// errorHandler is the global error handler
func errorHandler(c *fiber.Ctx, err error) error {
	apiErr := ApiError{Code: fiber.StatusInternalServerError, Message: "Internal Server Error"}

	var e *fiber.Error
	var f *Fault
	switch {
	case errors.As(err, &f):
		apiErr = ApiError{Code: f.Status, Kind: f.Kind, Message: f.Message}
	case errors.As(err, &e):
		apiErr.Code = e.Code
		apiErr.Message = e.Message
	}

	return ErrorResp(c, apiErr)
}
