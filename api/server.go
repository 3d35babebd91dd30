// Package api - HTTP front end that runs one cascade per uploaded image.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/nvr-ai/go-cropcheck/history"
	"github.com/nvr-ai/go-cropcheck/models"
	"github.com/nvr-ai/go-cropcheck/profiler"
	"github.com/sirupsen/logrus"
)

// Registry is the model set the server runs cascades against. *models.Registry
// satisfies it.
type Registry interface {
	controller.Models
	Describe() []models.Info
	Children() []string
}

// History persists outcomes. *history.Store satisfies it.
type History interface {
	Create(ctx context.Context, rec *history.Record) error
	FindByID(ctx context.Context, id string) (*history.Record, error)
	FindAll(ctx context.Context, page history.Pagination) ([]history.Record, error)
}

// Config configures a Server.
type Config struct {
	// Registry provides the models. Required.
	Registry Registry
	// Cascade is the controller configuration of every request.
	Cascade controller.Options
	// History stores outcomes when not nil.
	History History
	// Profiler is exposed on /api/v1/profile when not nil.
	Profiler *profiler.Profiler
	// BodyLimit is the maximum upload size in bytes.
	BodyLimit int
	// RequestTimeout bounds one cascade.
	RequestTimeout time.Duration
	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// Server serves the cropcheck HTTP API.
type Server struct {
	app     *fiber.App
	cfg     Config
	logger  logrus.FieldLogger
	started time.Time
}

// New creates a server and registers its routes.
//
// Arguments:
//   - cfg: The server configuration.
//
// Returns:
//   - *Server: The server, not yet listening.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 16 << 20
	}
	cfg.Cascade.Logger = cfg.Logger
	cfg.Cascade.Profiler = cfg.Profiler

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.WithField("component", "api"),
		started: time.Now(),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "cropcheck",
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.logRequests)

	v1 := s.app.Group("/api/v1")
	v1.Get("/health", s.handleHealth)
	v1.Get("/models", s.handleModels)
	v1.Post("/check-crop", s.handleCheckCrop)
	v1.Get("/profile", s.handleProfile)
	v1.Get("/detections", s.handleListDetections)
	v1.Get("/detections/:id", s.handleGetDetection)

	return s
}

// App returns the fiber application, e.g. for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.WithField("addr", addr).Info("listening")
	return s.app.Listen(addr)
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
	}
	s.logger.WithFields(logrus.Fields{
		"method":   c.Method(),
		"path":     c.Path(),
		"status":   status,
		"duration": time.Since(start).Truncate(time.Microsecond),
	}).Debug("request")
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	} else {
		s.logger.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
