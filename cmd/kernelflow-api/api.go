// Package main provides the kernelflow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/kernelflow/pkg/health"
	"github.com/dukex/kernelflow/pkg/kernel"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/web"
	"github.com/dukex/kernelflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	kernel      *kernel.Kernel
	engine      *workflow.Engine
	monitor     *health.Monitor
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	kernel *kernel.Kernel,
	engine *workflow.Engine,
	monitor *health.Monitor,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		kernel:      kernel,
		engine:      engine,
		monitor:     monitor,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.kernel, a.engine, a.monitor, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("kernelflow API")
	})

	handlers.Mount(app)

	return app
}

func (a *API) Start(port int) error {
	a.logger.Info("Starting API server", "port", port)

	return a.App().Listen(":" + strconv.Itoa(port))
}
