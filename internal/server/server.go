package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/smart-pay/smart_pay/internal/config"
	"github.com/smart-pay/smart_pay/internal/routes"
)

// Server wraps the Fiber application, shared dependencies and the
// reconciliation worker lifecycle.
type Server struct {
	app  *fiber.App
	cfg  config.Config
	core *routes.Core
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	core, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, core: core}, nil
}

// Listen starts the reconciliation worker and the HTTP server.
func (s *Server) Listen() error {
	s.core.Worker.Start()
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server, then drains the worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.core.Worker.Stop()
	return err
}
