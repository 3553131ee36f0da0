// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	await_action "github.com/dukex/kernelflow/pkg/actions/await"
	log_action "github.com/dukex/kernelflow/pkg/actions/log"
	notify_action "github.com/dukex/kernelflow/pkg/actions/notify"
	"github.com/dukex/kernelflow/pkg/config"
	"github.com/dukex/kernelflow/pkg/health"
	"github.com/dukex/kernelflow/pkg/kernel"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/registry"
	"github.com/dukex/kernelflow/pkg/workflow"
)

var ErrCatalogRequired = errors.New("an entity kinds file is required")

func registerHandlerPlugins(reg *registry.Registry, pluginsPath string) error {
	plugins, err := reg.LoadHandlerPlugins(pluginsPath)
	if err != nil {
		return err
	}

	for _, plugin := range plugins {
		reg.RegisterHandler(plugin)
	}

	return nil
}

func registerNativeHandlers(reg *registry.Registry) {
	reg.RegisterHandler(log_action.NewLogActionFactory())
	reg.RegisterHandler(notify_action.NewNotifyActionFactory())
	reg.RegisterHandler(await_action.NewAwaitActionFactory())
}

// NewRegistry registers the built-in handlers and any plugins found under
// pluginsPath. An empty path skips plugin loading.
func NewRegistry(log *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	if pluginsPath != "" {
		if err := registerHandlerPlugins(reg, pluginsPath); err != nil {
			return nil, fmt.Errorf("failed to load handler plugins: %w", err)
		}
	}

	registerNativeHandlers(reg)

	return reg, nil
}

// NewCatalog loads the entity kinds the kernel accepts mutations for.
func NewCatalog(path string) (*kernel.Catalog, error) {
	if path == "" {
		return nil, ErrCatalogRequired
	}

	return kernel.LoadCatalog(path)
}

// NewEngine loads the workflow definitions under definitionsPath and builds
// the engine that runs them.
func NewEngine(
	p persistence.Persistence,
	handlers *registry.Registry,
	definitionsPath string,
	cfg config.Config,
	logger *slog.Logger,
	opts ...workflow.Option,
) (*workflow.Engine, error) {
	definitions, err := workflow.NewDefinitionRegistry(handlers)
	if err != nil {
		return nil, err
	}

	if definitionsPath != "" {
		if err := definitions.LoadDefinitions(definitionsPath); err != nil {
			return nil, fmt.Errorf("failed to load workflow definitions: %w", err)
		}
	}

	opts = append([]workflow.Option{workflow.WithMaxAttempts(cfg.Dispatcher.DefaultMaxAttempts)}, opts...)

	return workflow.NewEngine(p, definitions, handlers, cfg.Engine, logger, opts...), nil
}

func NewMonitor(p persistence.Persistence, cfg config.Config, logger *slog.Logger) *health.Monitor {
	return health.NewMonitor(p, cfg.Health, logger)
}
