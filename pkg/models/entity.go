// Package models defines the core domain models for entity versioning and workflow orchestration.
package models

import (
	"fmt"
	"time"
)

// EntityRef identifies a single entity within an organization.
type EntityRef struct {
	EntityType string `json:"entity_type" validate:"required"`
	EntityID   string `json:"entity_id,omitempty"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s#%s", r.EntityType, r.EntityID)
}

// Entity is the current state of a business record. Version starts at 1 and
// increments by exactly one per successful mutation.
type Entity struct {
	OrgID          string         `json:"org_id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	Version        int64          `json:"version"`
	Status         string         `json:"status"`
	Fields         map[string]any `json:"fields"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Deleted        bool           `json:"deleted"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy      string         `json:"deleted_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (e *Entity) Ref() EntityRef {
	return EntityRef{EntityType: e.EntityType, EntityID: e.EntityID}
}

// PatchOp is a single RFC 6902 operation.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	From  string `json:"from,omitempty"`
	Value any    `json:"value"`
}

// EntityVersion is one immutable entry of an entity's history. The diff is
// relative to ParentVersion, or to the empty document for version 1.
type EntityVersion struct {
	OrgID         string         `json:"org_id"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Version       int64          `json:"version"`
	ParentVersion *int64         `json:"parent_version,omitempty"`
	Snapshot      map[string]any `json:"snapshot"`
	Diff          []PatchOp      `json:"diff"`
	CreatedAt     time.Time      `json:"created_at"`
	CreatedBy     string         `json:"created_by"`
}

// AuditLogEntry records who did what to an entity. Entries are append-only.
type AuditLogEntry struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Action        string    `json:"action"`
	ActorID       string    `json:"actor_id"`
	RequestID     string    `json:"request_id"`
	Channel       string    `json:"channel,omitempty"`
	BeforeVersion int64     `json:"before_version"`
	AfterVersion  int64     `json:"after_version"`
	CreatedAt     time.Time `json:"created_at"`
}
