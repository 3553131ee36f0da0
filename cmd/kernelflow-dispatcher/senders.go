package main

import (
	"log/slog"

	"github.com/dukex/kernelflow/pkg/eventbus"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/sideeffects"
	"github.com/dukex/kernelflow/pkg/workflow"
)

// LogChannel routes side effects to the dispatcher log instead of the bus.
const LogChannel = "log"

// newSender publishes side effects on the bus and posts webhook side effects
// over HTTP, both behind the delivery-key deduplicator. The log channel
// bypasses both.
func newSender(bus eventbus.EventPublisher, webhook outbox.Sender, dedup sideeffects.Deduplicator, logger *slog.Logger) *sideeffects.Mux {
	published := sideeffects.NewDedupSender(sideeffects.NewBusSender(bus), dedup, sideeffects.DefaultDedupTTL, logger)

	mux := sideeffects.NewMux()
	mux.Handle(workflow.LifecycleChannel, published)
	mux.Handle(LogChannel, sideeffects.NewLogSender(logger))
	mux.Handle(sideeffects.WebhookChannel, sideeffects.NewDedupSender(webhook, dedup, sideeffects.DefaultDedupTTL, logger))
	mux.Fallback(published)

	return mux
}
