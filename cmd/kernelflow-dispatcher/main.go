package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dukex/kernelflow/pkg/cmd"
	"github.com/dukex/kernelflow/pkg/config"
	"github.com/dukex/kernelflow/pkg/health"
	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/otelhelper"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/sideeffects"
	"github.com/dukex/kernelflow/pkg/workflow"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

const serviceName = "kernelflow-dispatcher"

func main() {
	command := &cli.Command{
		Name:                  serviceName,
		Usage:                 "Deliver outbox rows to the workflow engine and side-effect senders",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dispatcher-id",
				Aliases: []string{"id"},
				Usage:   "Custom dispatcher ID (auto-generated if not provided)",
				Sources: cli.EnvVars("DISPATCHER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
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
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for side-effect deduplication (in-memory when empty)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "webhook-url",
				Usage:   "Default target of webhook side effects without a url in their payload",
				Sources: cli.EnvVars("WEBHOOK_URL"),
			},
			&cli.DurationFlag{
				Name:    "webhook-timeout",
				Usage:   "Timeout of one webhook delivery",
				Value:   sideeffects.DefaultWebhookTimeout,
				Sources: cli.EnvVars("WEBHOOK_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export spans over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
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
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule(serviceName).Error("kernelflow-dispatcher failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	dispatcherID := command.String("dispatcher-id")
	if dispatcherID == "" {
		dispatcherID = fmt.Sprintf("dispatcher-%s", uuid.New().String()[:8])
	}

	logger := log.WithModule(serviceName).With("dispatcher_id", dispatcherID)
	logger.InfoContext(ctx, "Initializing kernelflow dispatcher")

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	var (
		engineOpts     []workflow.Option
		dispatcherOpts []outbox.Option
	)

	if command.Bool("tracing") {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()

		engineOpts = append(engineOpts, workflow.WithTracer(tracer))
		dispatcherOpts = append(dispatcherOpts, outbox.WithTracer(tracer))
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

	engine, err := cmd.NewEngine(persistence, registry, command.String("definitions-path"), cfg, logger, engineOpts...)
	if err != nil {
		return err
	}

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	dedup, err := newDeduplicator(command.String("redis-url"))
	if err != nil {
		return err
	}

	webhook := sideeffects.NewWebhookSender(command.String("webhook-url"), command.Duration("webhook-timeout"))
	sender := newSender(eventBus, webhook, dedup, logger)
	dispatcher := outbox.NewDispatcher(persistence, engine, sender, cfg.Dispatcher, logger, dispatcherOpts...)
	reporter := health.NewReporter(cmd.NewMonitor(persistence, cfg, logger), cfg.Health.ReportSchedule, logger)

	return NewDispatcherManager(dispatcherID, dispatcher, reporter, logger).Start(ctx)
}

func newDeduplicator(redisURL string) (sideeffects.Deduplicator, error) { //nolint:ireturn
	if redisURL == "" {
		return sideeffects.NewMemoryDeduplicator(), nil
	}

	client, err := sideeffects.NewRedisClient(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return sideeffects.NewRedisDeduplicator(client, serviceName+":dedup:"), nil
}
