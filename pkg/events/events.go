// Package events defines the notifications published on the event bus once a
// side effect is delivered.
package events

import (
	"time"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

const Topic = "kernelflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Side effects requested by entity kinds and task handlers.
	SideEffectRequestedEvent EventType = "side_effect.requested"

	// Workflow instance lifecycle events.
	InstanceCompletedEvent EventType = "instance.completed"
	InstanceFailedEvent    EventType = "instance.failed"
	InstanceCancelledEvent EventType = "instance.cancelled"
)

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	DeliveryKey string    `json:"delivery_key"`
}

func newBaseEvent(eventType EventType, deliveryKey string) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		DeliveryKey: deliveryKey,
	}
}

type SideEffectRequested struct {
	BaseEvent

	Channel string         `json:"channel"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (SideEffectRequested) GetType() EventType {
	return SideEffectRequestedEvent
}

func NewSideEffectRequested(effect models.SideEffect) *SideEffectRequested {
	return &SideEffectRequested{
		BaseEvent: newBaseEvent(SideEffectRequestedEvent, effect.DeliveryKey),
		Channel:   effect.Channel,
		Name:      effect.Name,
		Payload:   effect.Payload,
	}
}

// InstanceLifecycle reports that a workflow instance reached a terminal
// status. Type carries which one.
type InstanceLifecycle struct {
	BaseEvent

	InstanceID        string                `json:"instance_id"`
	DefinitionID      string                `json:"definition_id"`
	DefinitionVersion int                   `json:"definition_version"`
	EntityType        string                `json:"entity_type"`
	EntityID          string                `json:"entity_id"`
	EntityVersion     int64                 `json:"entity_version"`
	Status            models.InstanceStatus `json:"status"`
	Error             string                `json:"error,omitempty"`
}

func (e InstanceLifecycle) GetType() EventType {
	return e.Type
}

// LifecycleEventType maps a terminal instance status to its event type.
func LifecycleEventType(status models.InstanceStatus) (EventType, bool) {
	switch status {
	case models.InstanceStatusCompleted:
		return InstanceCompletedEvent, true
	case models.InstanceStatusFailed:
		return InstanceFailedEvent, true
	case models.InstanceStatusCancelled:
		return InstanceCancelledEvent, true
	case models.InstanceStatusRunning:
	}

	return "", false
}

func NewInstanceLifecycle(status models.InstanceStatus, deliveryKey string) (*InstanceLifecycle, bool) {
	eventType, ok := LifecycleEventType(status)
	if !ok {
		return nil, false
	}

	return &InstanceLifecycle{
		BaseEvent: newBaseEvent(eventType, deliveryKey),
		Status:    status,
	}, true
}
