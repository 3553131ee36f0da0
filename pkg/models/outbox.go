package models

import (
	"encoding/json"
	"time"
)

type OutboxKind string

const (
	OutboxKindEngineEvent OutboxKind = "engine_event"
	OutboxKindSideEffect  OutboxKind = "side_effect"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusFailed     OutboxStatus = "failed"
	OutboxStatusDeadLetter OutboxStatus = "dead_letter"
	OutboxStatusCompleted  OutboxStatus = "completed"
)

// OutboxEvent is a durable work item written in the same transaction as the
// state change it describes.
type OutboxEvent struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"org_id"`
	Kind           OutboxKind      `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	EntityType     string          `json:"entity_type,omitempty"`
	EntityID       string          `json:"entity_id,omitempty"`
	InstanceID     string          `json:"instance_id,omitempty"`
	DeliveryKey    string          `json:"delivery_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Claimable reports whether a worker may take the event at now.
func (e *OutboxEvent) Claimable(now time.Time) bool {
	switch e.Status {
	case OutboxStatusPending, OutboxStatusFailed:
		return !e.NextAttemptAt.After(now)
	case OutboxStatusProcessing:
		return e.LeaseExpiresAt != nil && !e.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// EngineEvent is the payload of an engine_event outbox row: one committed
// entity mutation.
type EngineEvent struct {
	OrgID         string         `json:"org_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	EntityVersion int64          `json:"entity_version"`
	ActionType    string         `json:"action_type"`
	Verb          string         `json:"verb"`
	Status        string         `json:"status"`
	Fields        map[string]any `json:"fields"`
	ActorID       string         `json:"actor_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
}

// SideEffect is the payload of a side_effect outbox row. DeliveryKey is stable
// across retries so senders can deduplicate.
type SideEffect struct {
	Channel     string         `json:"channel"`
	Name        string         `json:"name"`
	DeliveryKey string         `json:"delivery_key"`
	Payload     map[string]any `json:"payload,omitempty"`
}
