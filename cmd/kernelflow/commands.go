package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dukex/kernelflow/pkg/cmd"
	"github.com/dukex/kernelflow/pkg/config"
	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/persistence/postgresql"
	cli "github.com/urfave/cli/v3"
)

var ErrEventIDRequired = errors.New("an outbox event id is required")

func databaseURLFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Database connection URL for persistence",
		Required: true,
		Sources:  cli.EnvVars("DATABASE_URL"),
	}
}

func withPersistence(ctx context.Context, command *cli.Command, fn func(p persistence.Persistence) error) error {
	logger := log.WithModule("kernelflow")

	p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := p.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	return fn(p)
}

// NewMigrateCommand applies pending schema migrations. Opening a PostgreSQL
// store migrates it, so the command reports the resulting version.
func NewMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database schema migrations",
		Flags: []cli.Flag{databaseURLFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withPersistence(ctx, command, func(p persistence.Persistence) error {
				pg, ok := p.(*postgresql.Persistence)
				if !ok {
					fmt.Fprintln(command.Root().Writer, "store has no schema to migrate")

					return nil
				}

				current, latest, err := pg.SchemaVersion(ctx)
				if err != nil {
					return err
				}

				fmt.Fprintf(command.Root().Writer, "schema version %d of %d\n", current, latest)

				return nil
			})
		},
	}
}

func NewHealthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Print outbox backlog and stuck workflow instances as JSON",
		Flags: []cli.Flag{
			databaseURLFlag(),
			&cli.DurationFlag{
				Name:  "inactivity-window",
				Usage: "Idle time after which a running instance counts as stuck",
				Value: config.DefaultInactivityWindow,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withPersistence(ctx, command, func(p persistence.Persistence) error {
				cfg := config.Default()
				cfg.Health.InactivityWindow = command.Duration("inactivity-window")

				stats, err := cmd.NewMonitor(p, cfg, log.WithModule("kernelflow")).Stats(ctx)
				if err != nil {
					return err
				}

				return writeJSON(command.Root().Writer, stats)
			})
		},
	}
}

func NewRequeueCommand() *cli.Command {
	return &cli.Command{
		Name:      "requeue",
		Usage:     "Move a dead-lettered outbox event back to pending",
		ArgsUsage: "<event-id>",
		Flags:     []cli.Flag{databaseURLFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return ErrEventIDRequired
			}

			return withPersistence(ctx, command, func(p persistence.Persistence) error {
				if err := outbox.Requeue(ctx, p, id, time.Now().UTC()); err != nil {
					return err
				}

				fmt.Fprintf(command.Root().Writer, "requeued %s\n", id)

				return nil
			})
		},
	}
}

// NewValidateCommand loads the entity kinds, the workflow definitions and the
// configuration file without touching the store.
func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Validate entity kinds, workflow definitions and configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "kinds-path", Usage: "YAML file declaring the entity kinds", Sources: cli.EnvVars("KINDS_PATH")},
			&cli.StringFlag{Name: "definitions-path", Usage: "YAML file with workflow definitions", Sources: cli.EnvVars("DEFINITIONS_PATH")},
			&cli.StringFlag{Name: "plugins-path", Usage: "Path to the directory containing handler plugins", Sources: cli.EnvVars("PLUGINS_PATH")},
			&cli.StringFlag{Name: "config", Usage: "YAML configuration file", Sources: cli.EnvVars("KERNELFLOW_CONFIG")},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("kernelflow").With("action", "validate")
			out := command.Root().Writer

			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			if path := command.String("kinds-path"); path != "" {
				catalog, err := cmd.NewCatalog(path)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "%d action types\n", len(catalog.ActionTypes()))
			}

			if path := command.String("definitions-path"); path != "" {
				registry, err := cmd.NewRegistry(logger, command.String("plugins-path"))
				if err != nil {
					return err
				}

				if _, err := cmd.NewEngine(nil, registry, path, cfg, logger); err != nil {
					return err
				}

				fmt.Fprintln(out, "workflow definitions are valid")
			}

			logger.InfoContext(ctx, "Validation finished")

			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
