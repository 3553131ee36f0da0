package models

import "time"

// HealthStats summarises outbox backlog and stuck workflow instances.
type HealthStats struct {
	PendingOutbox      int64                                 `json:"pending_outbox"`
	ProcessingOutbox   int64                                 `json:"processing_outbox"`
	FailedOutbox       int64                                 `json:"failed_outbox"`
	DeadLetterOutbox   int64                                 `json:"dead_letter_outbox"`
	PendingSideEffects int64                                 `json:"pending_side_effects"`
	ByKind             map[OutboxKind]map[OutboxStatus]int64 `json:"by_kind"`
	OldestPendingAge   time.Duration                         `json:"oldest_pending_age"`
	RunningInstances   int64                                 `json:"running_instances"`
	StuckInstances     []StuckInstance                       `json:"stuck_instances"`
	GeneratedAt        time.Time                             `json:"generated_at"`
}

// StuckInstance is a running instance with no outstanding engine events and
// no recent step activity.
type StuckInstance struct {
	InstanceID     string    `json:"instance_id"`
	OrgID          string    `json:"org_id"`
	DefinitionID   string    `json:"definition_id"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	CurrentNodes   []string  `json:"current_nodes"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
