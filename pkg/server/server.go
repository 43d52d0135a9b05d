package server

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ratefence/ratefence/pkg/config"
	"github.com/ratefence/ratefence/pkg/version"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// MetricsServer serves /metrics and /health on their own port, away from
// whatever traffic the rate-limited client produces.
type MetricsServer struct {
	app    *fiber.App
	port   int
	logger *logrus.Logger
}

func NewMetricsServer(cfg *config.Config, logger *logrus.Logger) *MetricsServer {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	app.Use(recover.New())

	app.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "healthy",
			"version": version.Version,
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		handler(c.Context())
		return nil
	})

	return &MetricsServer{
		app:    app,
		port:   cfg.Metrics.Port,
		logger: logger,
	}
}

// Run blocks serving until Shutdown is called.
func (s *MetricsServer) Run() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.WithField("addr", addr).Info("metrics server listening")
	return s.app.Listen(addr)
}

func (s *MetricsServer) Shutdown() error {
	return s.app.Shutdown()
}
