package main

import (
	"context"
	"os"

	"github.com/dukex/kernelflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "kernelflow",
		Usage:                 "Operate the kernelflow store and inspect its health",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), "text")

			return ctx, nil
		},
		Commands: []*cli.Command{
			NewMigrateCommand(),
			NewHealthCommand(),
			NewRequeueCommand(),
			NewValidateCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("kernelflow").Error("command failed", "error", err)
		os.Exit(1)
	}
}
