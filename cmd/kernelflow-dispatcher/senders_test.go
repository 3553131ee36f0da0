package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/kernelflow/pkg/eventbus"
	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/sideeffects"
	"github.com/dukex/kernelflow/pkg/workflow"
)

type countingBus struct {
	keys []string
}

func (b *countingBus) Publish(_ context.Context, key string, _ eventbus.Event) error {
	b.keys = append(b.keys, key)

	return nil
}

func TestNewSender_DeliversOncePerDeliveryKey(t *testing.T) {
	ctx := context.Background()
	bus := &countingBus{}

	var webhooks int

	webhook := sideeffects.SenderFunc(func(context.Context, models.SideEffect) error {
		webhooks++

		return nil
	})
	sender := newSender(bus, webhook, sideeffects.NewMemoryDeduplicator(), log.Discard())

	effect := models.SideEffect{Channel: "email", Name: "receipt", DeliveryKey: "i-1:send:1:receipt"}
	require.NoError(t, sender.Deliver(ctx, effect))
	require.NoError(t, sender.Deliver(ctx, effect))

	require.NoError(t, sender.Deliver(ctx, models.SideEffect{
		Channel:     workflow.LifecycleChannel,
		Name:        "instance.completed",
		DeliveryKey: "i-1:completed",
		Payload:     map[string]any{"instance_id": "i-1", "status": "completed"},
	}))

	require.NoError(t, sender.Deliver(ctx, models.SideEffect{Channel: LogChannel, Name: "trace", DeliveryKey: "i-1:trace"}))

	hook := models.SideEffect{Channel: sideeffects.WebhookChannel, Name: "post_ledger", DeliveryKey: "i-1:post:1:post_ledger"}
	require.NoError(t, sender.Deliver(ctx, hook))
	require.NoError(t, sender.Deliver(ctx, hook))

	assert.Len(t, bus.keys, 2)
	assert.Equal(t, 1, webhooks)
}

func TestNewDeduplicator(t *testing.T) {
	dedup, err := newDeduplicator("")
	require.NoError(t, err)
	assert.IsType(t, &sideeffects.MemoryDeduplicator{}, dedup)

	_, err = newDeduplicator("://not-a-url")
	require.Error(t, err)
}
