package notify_action

import (
	"context"
	"testing"

	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyActionFactory_Create(t *testing.T) {
	factory := NewNotifyActionFactory()
	assert.Equal(t, "notify", factory.ID())

	_, err := factory.Create(map[string]any{})
	require.ErrorIs(t, err, ErrChannelRequired)

	handler, err := factory.Create(map[string]any{"channel": "email"})
	require.NoError(t, err)
	assert.IsType(t, &NotifyAction{}, handler)
}

func TestNotifyAction_Execute(t *testing.T) {
	action := &NotifyAction{Channel: "email", Payload: map[string]any{"template": "approval"}}
	input := protocol.NodeInput{
		InstanceID: "wi-1",
		NodeID:     "C",
		Entity:     protocol.EntityView{EntityType: "order", EntityID: "o-1", Version: 2},
	}

	out, err := action.Execute(context.Background(), input, log.Discard())
	require.NoError(t, err)
	require.Len(t, out.SideEffects, 1)

	effect := out.SideEffects[0]
	assert.Equal(t, "email", effect.Channel)
	assert.Equal(t, "C", effect.Name)
	assert.Equal(t, "wi-1:C:2:C", effect.DeliveryKey)
	assert.Equal(t, "approval", effect.Payload["template"])

	again, err := action.Execute(context.Background(), input, log.Discard())
	require.NoError(t, err)
	assert.Equal(t, effect.DeliveryKey, again.SideEffects[0].DeliveryKey)
}

func TestNotifyAction_RendersPayload(t *testing.T) {
	action := &NotifyAction{Channel: "webhook", Name: "ledger", Payload: map[string]any{
		"amount": "{{ .entity.fields.amount }}",
		"memo":   "order {{ .entity.entity_id }} v{{ .entity.version }}",
	}}
	input := protocol.NodeInput{
		InstanceID: "wi-1",
		NodeID:     "post",
		Entity:     protocol.EntityView{EntityID: "o-1", Version: 4, Fields: map[string]any{"amount": 12.5}},
	}

	out, err := action.Execute(context.Background(), input, log.Discard())
	require.NoError(t, err)

	payload := out.SideEffects[0].Payload
	assert.Equal(t, 12.5, payload["amount"])
	assert.Equal(t, "order o-1 v4", payload["memo"])
	assert.Equal(t, "wi-1:post:4:ledger", out.SideEffects[0].DeliveryKey)

	action.Payload = map[string]any{"broken": "{{ .entity | missing }}"}
	_, err = action.Execute(context.Background(), input, log.Discard())
	require.Error(t, err)
}
