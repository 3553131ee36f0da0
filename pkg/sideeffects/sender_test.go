package sideeffects

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/kernelflow/pkg/eventbus"
	"github.com/dukex/kernelflow/pkg/events"
	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/mocks"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/workflow"
)

type published struct {
	key   string
	event eventbus.Event
}

type recordingBus struct {
	published []published
	err       error
}

func (b *recordingBus) Publish(_ context.Context, key string, event eventbus.Event) error {
	if b.err != nil {
		return b.err
	}

	b.published = append(b.published, published{key: key, event: event})

	return nil
}

func TestMux_RoutesByChannel(t *testing.T) {
	var got []string

	mux := NewMux()
	mux.Handle("email", SenderFunc(func(_ context.Context, e models.SideEffect) error {
		got = append(got, "email:"+e.Name)

		return nil
	}))

	ctx := context.Background()

	require.NoError(t, mux.Deliver(ctx, models.SideEffect{Channel: "email", Name: "receipt"}))

	err := mux.Deliver(ctx, models.SideEffect{Channel: "sms", Name: "otp"})
	require.ErrorIs(t, err, ErrNoSender)
	assert.True(t, outbox.IsFatal(err))

	mux.Fallback(SenderFunc(func(_ context.Context, e models.SideEffect) error {
		got = append(got, "fallback:"+e.Name)

		return nil
	}))
	require.NoError(t, mux.Deliver(ctx, models.SideEffect{Channel: "sms", Name: "otp"}))

	assert.Equal(t, []string{"email:receipt", "fallback:otp"}, got)
}

func TestBusSender_SideEffect(t *testing.T) {
	bus := &recordingBus{}

	err := NewBusSender(bus).Deliver(context.Background(), models.SideEffect{
		Channel: "webhook", Name: "post_ledger", DeliveryKey: "exp-1:3:post_ledger",
	})
	require.NoError(t, err)
	require.Len(t, bus.published, 1)

	assert.Equal(t, "exp-1:3:post_ledger", bus.published[0].key)
	assert.Equal(t, events.SideEffectRequestedEvent, bus.published[0].event.GetType())
}

func TestBusSender_Lifecycle(t *testing.T) {
	bus := &recordingBus{}
	sender := NewBusSender(bus)

	err := sender.Deliver(context.Background(), models.SideEffect{
		Channel:     workflow.LifecycleChannel,
		Name:        "instance.failed",
		DeliveryKey: "wi-1:failed",
		Payload: map[string]any{
			"instance_id":        "wi-1",
			"definition_id":      "approval",
			"definition_version": float64(2),
			"entity_type":        "expense",
			"entity_id":          "exp-1",
			"entity_version":     float64(4),
			"status":             "failed",
			"error":              "boom",
		},
	})
	require.NoError(t, err)
	require.Len(t, bus.published, 1)

	event, ok := bus.published[0].event.(*events.InstanceLifecycle)
	require.True(t, ok)
	assert.Equal(t, "wi-1", bus.published[0].key)
	assert.Equal(t, events.InstanceFailedEvent, event.GetType())
	assert.Equal(t, 2, event.DefinitionVersion)
	assert.Equal(t, int64(4), event.EntityVersion)
	assert.Equal(t, "boom", event.Error)

	err = sender.Deliver(context.Background(), models.SideEffect{
		Channel: workflow.LifecycleChannel,
		Payload: map[string]any{"status": "running"},
	})
	assert.True(t, outbox.IsFatal(err))
}

func TestBusSender_PublishFailureIsRetryable(t *testing.T) {
	bus := &recordingBus{err: errors.New("broker down")}

	err := NewBusSender(bus).Deliver(context.Background(), models.SideEffect{Channel: "webhook", DeliveryKey: "k"})
	require.Error(t, err)
	assert.True(t, outbox.IsRetryable(err))
}

func TestBusSender_PublishesOnDeliveryKey(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "exp-1:3:email_receipt", mock.MatchedBy(func(e eventbus.Event) bool {
		return e.GetType() == events.SideEffectRequestedEvent
	})).Return(nil).Once()

	err := NewBusSender(bus).Deliver(context.Background(), models.SideEffect{
		Channel: "email", Name: "email_receipt", DeliveryKey: "exp-1:3:email_receipt",
	})
	require.NoError(t, err)
	bus.AssertExpectations(t)
}

func TestLogSender(t *testing.T) {
	require.NoError(t, NewLogSender(log.Discard()).Deliver(context.Background(), models.SideEffect{Channel: "log"}))
}

func TestDedupSender(t *testing.T) {
	ctx := context.Background()
	calls := 0
	fail := true

	next := SenderFunc(func(context.Context, models.SideEffect) error {
		calls++
		if fail {
			return errors.New("smtp unavailable")
		}

		return nil
	})

	sender := NewDedupSender(next, NewMemoryDeduplicator(), time.Hour, log.Discard())
	effect := models.SideEffect{Channel: "email", Name: "receipt", DeliveryKey: "order-1:2:receipt"}

	require.Error(t, sender.Deliver(ctx, effect))

	fail = false

	require.NoError(t, sender.Deliver(ctx, effect))
	require.NoError(t, sender.Deliver(ctx, effect))
	assert.Equal(t, 2, calls, "a failed attempt releases the key, a delivered one keeps it")

	err := sender.Deliver(ctx, models.SideEffect{Channel: "email"})
	require.ErrorIs(t, err, ErrMissingDeliveryKey)
	assert.True(t, outbox.IsFatal(err))
}

func TestMemoryDeduplicator_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	d := NewMemoryDeduplicator()
	d.now = func() time.Time { return now }

	ok, err := d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)

	ok, err = d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
