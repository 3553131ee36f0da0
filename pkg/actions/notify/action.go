package notify_action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/protocol"
	"github.com/dukex/kernelflow/pkg/template"
)

var ErrChannelRequired = errors.New("notify action requires a channel")

func NewNotifyActionFactory() *NotifyActionFactory {
	return &NotifyActionFactory{}
}

type NotifyActionFactory struct{}

func (*NotifyActionFactory) ID() string {
	return "notify"
}

func (f *NotifyActionFactory) Create(config map[string]any) (protocol.Handler, error) { //nolint:ireturn
	channel, _ := config["channel"].(string)
	if channel == "" {
		return nil, ErrChannelRequired
	}

	name, _ := config["name"].(string)
	payload, _ := config["payload"].(map[string]any)

	return &NotifyAction{Channel: channel, Name: name, Payload: payload}, nil
}

// NotifyAction requests one side effect per visit. The delivery key is
// derived from the instance, node and entity version, so a re-run of the same
// cycle produces the same key. Payload strings are rendered as templates
// against the entity.
type NotifyAction struct {
	Channel string
	Name    string
	Payload map[string]any
}

func (a *NotifyAction) Execute(ctx context.Context, input protocol.NodeInput, logger *slog.Logger) (protocol.NodeOutput, error) {
	name := a.Name
	if name == "" {
		name = input.NodeID
	}

	payload := map[string]any{
		"instance_id": input.InstanceID,
		"node_id":     input.NodeID,
		"entity":      input.Entity,
	}

	rendered, err := template.RenderValue(a.Payload, template.Data(input))
	if err != nil {
		return protocol.NodeOutput{}, fmt.Errorf("failed to render notify payload: %w", err)
	}

	if extra, ok := rendered.(map[string]any); ok {
		for k, v := range extra {
			payload[k] = v
		}
	}

	effect := models.SideEffect{
		Channel:     a.Channel,
		Name:        name,
		DeliveryKey: fmt.Sprintf("%s:%s:%d:%s", input.InstanceID, input.NodeID, input.Entity.Version, name),
		Payload:     payload,
	}

	logger.DebugContext(ctx, "Requesting side effect",
		"action_type", "notify",
		"channel", effect.Channel,
		"delivery_key", effect.DeliveryKey)

	return protocol.NodeOutput{SideEffects: []models.SideEffect{effect}}, nil
}
