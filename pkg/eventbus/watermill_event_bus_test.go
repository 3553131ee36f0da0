package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/kernelflow/pkg/channels/gochannel"
	"github.com/dukex/kernelflow/pkg/eventbus"
	"github.com/dukex/kernelflow/pkg/events"
	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, log.Discard())

	defer func() { _ = bus.Close() }()

	received := make(chan any, 2)

	require.NoError(t, bus.Handle(events.InstanceCompletedEvent, func(_ context.Context, event any) error {
		received <- event

		return nil
	}))
	require.NoError(t, bus.Handle(events.SideEffectRequestedEvent, func(_ context.Context, event any) error {
		received <- event

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	lifecycle, ok := events.NewInstanceLifecycle(models.InstanceStatusCompleted, "wi-1:completed")
	require.True(t, ok)

	lifecycle.InstanceID = "wi-1"

	require.NoError(t, bus.Publish(ctx, "wi-1", lifecycle))
	require.NoError(t, bus.Publish(ctx, "order-1", events.NewSideEffectRequested(models.SideEffect{
		Channel: "email", Name: "receipt", DeliveryKey: "order-1:1:receipt",
	})))

	got := make(map[string]any, 2)

	for range 2 {
		select {
		case event := <-received:
			typed, ok := event.(interface{ GetType() events.EventType })
			require.True(t, ok, "unexpected event %T", event)

			got[string(typed.GetType())] = event
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}

	require.Len(t, got, 2)

	completed, ok := got[string(events.InstanceCompletedEvent)].(*events.InstanceLifecycle)
	require.True(t, ok)
	assert.Equal(t, "wi-1", completed.InstanceID)

	requested, ok := got[string(events.SideEffectRequestedEvent)].(*events.SideEffectRequested)
	require.True(t, ok)
	assert.Equal(t, "email", requested.Channel)
}
