package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dukex/kernelflow/pkg/cmd"
	"github.com/dukex/kernelflow/pkg/config"
	"github.com/dukex/kernelflow/pkg/kernel"
	"github.com/dukex/kernelflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "kernelflow-api",
		Usage:                 "Serve entity mutations and workflow inspection over HTTP",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "kinds-path",
				Usage:    "YAML file declaring the entity kinds",
				Required: true,
				Sources:  cli.EnvVars("KINDS_PATH"),
			},
			&cli.StringFlag{
				Name:    "definitions-path",
				Usage:   "YAML file with workflow definitions",
				Sources: cli.EnvVars("DEFINITIONS_PATH"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing handler plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file overriding dispatcher, engine and health settings",
				Sources: cli.EnvVars("KERNELFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing kernelflow API")

			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			catalog, err := cmd.NewCatalog(command.String("kinds-path"))
			if err != nil {
				return fmt.Errorf("failed to load entity kinds: %w", err)
			}

			registry, err := cmd.NewRegistry(logger, command.String("plugins-path"))
			if err != nil {
				return err
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			engine, err := cmd.NewEngine(persistence, registry, command.String("definitions-path"), cfg, logger)
			if err != nil {
				return err
			}

			api := NewAPI(
				logger,
				persistence,
				kernel.New(persistence, catalog, logger, kernel.WithMaxAttempts(cfg.Dispatcher.DefaultMaxAttempts)),
				engine,
				cmd.NewMonitor(persistence, cfg, logger),
			)

			return api.Start(command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("api").Error("kernelflow-api failed", "error", err)
		os.Exit(1)
	}
}
