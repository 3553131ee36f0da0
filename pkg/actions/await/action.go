package await_action

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/dukex/kernelflow/pkg/protocol"
)

var ErrUntilRequired = errors.New("await action requires at least one status in until")

func NewAwaitActionFactory() *AwaitActionFactory {
	return &AwaitActionFactory{}
}

type AwaitActionFactory struct{}

func (*AwaitActionFactory) ID() string {
	return "await"
}

func (f *AwaitActionFactory) Create(config map[string]any) (protocol.Handler, error) { //nolint:ireturn
	var until []string

	switch v := config["until"].(type) {
	case string:
		until = []string{v}
	case []string:
		until = v
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				until = append(until, str)
			}
		}
	}

	if len(until) == 0 {
		return nil, ErrUntilRequired
	}

	return &AwaitAction{Until: until}, nil
}

// AwaitAction parks its token until the entity reaches one of the Until
// statuses.
type AwaitAction struct {
	Until []string
}

func (a *AwaitAction) Execute(ctx context.Context, input protocol.NodeInput, logger *slog.Logger) (protocol.NodeOutput, error) {
	if slices.Contains(a.Until, input.Entity.Status) {
		return protocol.NodeOutput{Data: map[string]any{"status": input.Entity.Status}}, nil
	}

	logger.DebugContext(ctx, "Waiting for entity status",
		"action_type", "await",
		"status", input.Entity.Status,
		"until", a.Until)

	return protocol.NodeOutput{Wait: true}, nil
}
