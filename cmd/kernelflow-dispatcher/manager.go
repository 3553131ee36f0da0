package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/kernelflow/pkg/health"
	"github.com/dukex/kernelflow/pkg/outbox"
)

// DispatcherManager runs the outbox dispatcher alongside the periodic health
// reporter until the process is signalled.
type DispatcherManager struct {
	id         string
	dispatcher *outbox.Dispatcher
	reporter   *health.Reporter
	logger     *slog.Logger
}

func NewDispatcherManager(id string, dispatcher *outbox.Dispatcher, reporter *health.Reporter, logger *slog.Logger) *DispatcherManager {
	return &DispatcherManager{
		id:         id,
		dispatcher: dispatcher,
		reporter:   reporter,
		logger:     logger,
	}
}

func (dm *DispatcherManager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dm.signals(ctx, cancel)

	if err := dm.reporter.Start(ctx); err != nil {
		return err
	}
	defer dm.reporter.Stop()

	dm.logger.InfoContext(ctx, "Dispatcher started", "dispatcher_id", dm.id)

	err := dm.dispatcher.Run(ctx)
	if err != nil && ctx.Err() == nil {
		dm.logger.ErrorContext(ctx, "Dispatcher stopped", "error", err)

		return err
	}

	dm.logger.InfoContext(context.WithoutCancel(ctx), "Dispatcher shut down")

	return nil
}

func (dm *DispatcherManager) signals(ctx context.Context, cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)

		select {
		case sig := <-signals:
			dm.logger.InfoContext(ctx, "Received signal, shutting down gracefully", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
}
