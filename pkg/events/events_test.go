package events

import (
	"testing"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSideEffectRequested(t *testing.T) {
	event := NewSideEffectRequested(models.SideEffect{
		Channel:     "email",
		Name:        "receipt",
		DeliveryKey: "order-1:2:receipt",
		Payload:     map[string]any{"to": "ops@example.com"},
	})

	assert.Equal(t, SideEffectRequestedEvent, event.GetType())
	assert.Equal(t, SideEffectRequestedEvent, event.Type)
	assert.Equal(t, "order-1:2:receipt", event.DeliveryKey)
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestNewInstanceLifecycle(t *testing.T) {
	tests := []struct {
		status models.InstanceStatus
		want   EventType
	}{
		{status: models.InstanceStatusCompleted, want: InstanceCompletedEvent},
		{status: models.InstanceStatusFailed, want: InstanceFailedEvent},
		{status: models.InstanceStatusCancelled, want: InstanceCancelledEvent},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			event, ok := NewInstanceLifecycle(tt.status, "wi-1:"+string(tt.status))
			require.True(t, ok)
			assert.Equal(t, tt.want, event.GetType())
			assert.Equal(t, tt.status, event.Status)
		})
	}

	_, ok := NewInstanceLifecycle(models.InstanceStatusRunning, "wi-1:running")
	assert.False(t, ok)
}
