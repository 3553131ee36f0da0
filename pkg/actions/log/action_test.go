package log_action

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/kernelflow/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogActionFactory(t *testing.T) {
	factory := NewLogActionFactory()
	assert.NotNil(t, factory)
	assert.Equal(t, "log", factory.ID())
}

func TestLogActionFactory_Create(t *testing.T) {
	factory := NewLogActionFactory()

	tests := []struct {
		name   string
		config map[string]any
	}{
		{name: "nil config", config: nil},
		{name: "empty config", config: map[string]any{}},
		{name: "config with values", config: map[string]any{"message": "test message", "level": "info"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := factory.Create(tt.config)
			require.NoError(t, err)
			assert.IsType(t, &LogAction{}, action)
		})
	}
}

func TestNewLogAction(t *testing.T) {
	tests := []struct {
		name          string
		config        map[string]any
		expectedMsg   string
		expectedLevel string
	}{
		{name: "empty config", config: map[string]any{}, expectedMsg: "", expectedLevel: "info"},
		{name: "message only", config: map[string]any{"message": "test message"}, expectedMsg: "test message", expectedLevel: "info"},
		{name: "message and level", config: map[string]any{"message": "debug message", "level": "debug"}, expectedMsg: "debug message", expectedLevel: "debug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := NewLogAction(tt.config)
			assert.Equal(t, tt.expectedMsg, action.Message)
			assert.Equal(t, tt.expectedLevel, action.Level)
		})
	}
}

func TestLogAction_Execute(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	action := NewLogAction(map[string]any{"message": "order reached review", "level": "warn"})

	out, err := action.Execute(context.Background(), protocol.NodeInput{
		InstanceID: "wi-1",
		NodeID:     "A",
		Entity:     protocol.EntityView{EntityType: "order", EntityID: "o-1", Version: 3},
	}, logger)
	require.NoError(t, err)

	assert.False(t, out.Wait)
	assert.Empty(t, out.SideEffects)
	assert.Equal(t, "order reached review", out.Data["message"])
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "entity=order#o-1")
}
