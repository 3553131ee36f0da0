package log_action

import (
	"context"
	"log/slog"

	"github.com/dukex/kernelflow/pkg/protocol"
)

func NewLogActionFactory() *LogActionFactory {
	return &LogActionFactory{}
}

type LogActionFactory struct{}

func (*LogActionFactory) ID() string {
	return "log"
}

func (f *LogActionFactory) Create(config map[string]any) (protocol.Handler, error) { //nolint:ireturn
	if config == nil {
		config = map[string]any{}
	}

	return NewLogAction(config), nil
}

// LogAction writes a message about the entity reaching its node.
type LogAction struct {
	Message string
	Level   string
}

func NewLogAction(config map[string]any) *LogAction {
	message, _ := config["message"].(string)

	level, _ := config["level"].(string)
	if level == "" {
		level = "info"
	}

	return &LogAction{Message: message, Level: level}
}

func (a *LogAction) Execute(ctx context.Context, input protocol.NodeInput, logger *slog.Logger) (protocol.NodeOutput, error) {
	logger = logger.With("action_type", "log")

	var level slog.Level
	if err := level.UnmarshalText([]byte(a.Level)); err != nil {
		level = slog.LevelInfo
	}

	logger.Log(ctx, level, "Log message",
		"message", a.Message,
		"instance_id", input.InstanceID,
		"node_id", input.NodeID,
		"entity", input.Entity.EntityType+"#"+input.Entity.EntityID,
		"entity_version", input.Entity.Version)

	return protocol.NodeOutput{Data: map[string]any{"message": a.Message, "level": a.Level}}, nil
}
