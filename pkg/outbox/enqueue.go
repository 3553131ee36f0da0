// Package outbox writes durable work items inside producing transactions and
// dispatches them to the workflow engine and side-effect senders.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dukex/kernelflow/pkg/config"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewEvent describes an outbox row before insertion. A zero MaxAttempts
// defaults to config.DefaultMaxAttempts and a zero AvailableAt to now.
type NewEvent struct {
	OrgID       string            `validate:"required"`
	Kind        models.OutboxKind `validate:"required,oneof=engine_event side_effect"`
	Payload     any               `validate:"required"`
	MaxAttempts int               `validate:"gte=0"`
	EntityType  string
	EntityID    string
	InstanceID  string
	DeliveryKey string
	AvailableAt time.Time
}

// Enqueue inserts ev as a pending row through tx. The row only becomes
// visible to the dispatcher when tx commits.
func Enqueue(ctx context.Context, tx persistence.Tx, ev NewEvent, now time.Time) (*models.OutboxEvent, error) {
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("invalid outbox event: %w", err)
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outbox payload: %w", err)
	}

	maxAttempts := ev.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = config.DefaultMaxAttempts
	}

	available := ev.AvailableAt
	if available.IsZero() {
		available = now
	}

	row := &models.OutboxEvent{
		ID:            models.NewID(),
		OrgID:         ev.OrgID,
		Kind:          ev.Kind,
		Payload:       payload,
		Status:        models.OutboxStatusPending,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: available,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		InstanceID:    ev.InstanceID,
		DeliveryKey:   ev.DeliveryKey,
		CreatedAt:     now,
	}

	if err := tx.Outbox().Insert(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return row, nil
}

// EnqueueEngineEvent writes the engine event announcing a committed mutation.
func EnqueueEngineEvent(ctx context.Context, tx persistence.Tx, ev models.EngineEvent, maxAttempts int, now time.Time) (*models.OutboxEvent, error) {
	return Enqueue(ctx, tx, NewEvent{
		OrgID:       ev.OrgID,
		Kind:        models.OutboxKindEngineEvent,
		Payload:     ev,
		MaxAttempts: maxAttempts,
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		DeliveryKey: fmt.Sprintf("%s:%d:%s", ev.EntityID, ev.EntityVersion, ev.Verb),
	}, now)
}

// SideEffectSource names the entity and, optionally, the instance that
// produced a side effect.
type SideEffectSource struct {
	OrgID      string
	EntityType string
	EntityID   string
	InstanceID string
}

// EnqueueSideEffect writes a side effect for later delivery by a Sender.
func EnqueueSideEffect(ctx context.Context, tx persistence.Tx, src SideEffectSource, se models.SideEffect, maxAttempts int, now time.Time) (*models.OutboxEvent, error) {
	if se.Channel == "" || se.DeliveryKey == "" {
		return nil, fmt.Errorf("side effect %q requires a channel and a delivery key", se.Name)
	}

	return Enqueue(ctx, tx, NewEvent{
		OrgID:       src.OrgID,
		Kind:        models.OutboxKindSideEffect,
		Payload:     se,
		MaxAttempts: maxAttempts,
		EntityType:  src.EntityType,
		EntityID:    src.EntityID,
		InstanceID:  src.InstanceID,
		DeliveryKey: se.DeliveryKey,
	}, now)
}
