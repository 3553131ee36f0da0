// Package protocol defines the contract between the workflow engine and the
// node handlers it runs.
package protocol

import (
	"context"
	"log/slog"

	"github.com/dukex/kernelflow/pkg/models"
)

// NodeInput is what a task node handler sees of the instance it runs for.
type NodeInput struct {
	InstanceID   string
	DefinitionID string
	NodeID       string
	TokenID      string
	OrgID        string
	Entity       EntityView
	Config       map[string]any
}

// EntityView is the entity state carried by the engine event being applied.
type EntityView struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Version    int64          `json:"version"`
	Status     string         `json:"status"`
	Verb       string         `json:"verb"`
	Fields     map[string]any `json:"fields"`
}

// NodeOutput is the handler result. Wait keeps the token parked on the node
// until a later engine event; SideEffects are enqueued in the same
// transaction as the step.
type NodeOutput struct {
	Wait        bool
	SideEffects []models.SideEffect
	Data        map[string]any
}

type Handler interface {
	Execute(ctx context.Context, input NodeInput, logger *slog.Logger) (NodeOutput, error)
}

type HandlerFactory interface {
	Create(config map[string]any) (Handler, error)
	ID() string
}
