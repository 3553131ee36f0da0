// Package persistence provides the transactional row-store abstraction used by
// the mutation kernel, the workflow engine and the outbox.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/kernelflow/pkg/models"
)

// Persistence is a transactional store. Work done inside WithinTx commits
// atomically when fn returns nil and is rolled back otherwise.
type Persistence interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Entities() EntityRepository
	Versions() VersionRepository
	AuditLogs() AuditRepository
	Instances() InstanceRepository
	Steps() StepRepository
	Outbox() OutboxRepository
}

// ListOptions controls entity listing.
type ListOptions struct {
	IncludeDeleted bool
	Limit          int
	Offset         int
}

type EntityRepository interface {
	// Get returns ErrEntityNotFound when the entity does not exist.
	Get(ctx context.Context, orgID, entityType, entityID string) (*models.Entity, error)
	// GetForUpdate reads the entity and locks its row until the transaction ends.
	GetForUpdate(ctx context.Context, orgID, entityType, entityID string) (*models.Entity, error)
	// FindByIdempotencyKey returns ErrEntityNotFound when no entity used the key.
	FindByIdempotencyKey(ctx context.Context, orgID, entityType, key string) (*models.Entity, error)
	// Insert returns ErrIdempotencyConflict when the idempotency key is taken.
	Insert(ctx context.Context, entity *models.Entity) error
	// Update writes entity only when the stored version equals expectedVersion,
	// otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, entity *models.Entity, expectedVersion int64) error
	List(ctx context.Context, orgID, entityType string, opts ListOptions) ([]*models.Entity, error)
}

type VersionRepository interface {
	// Append returns ErrVersionExists if the version number is already taken.
	Append(ctx context.Context, version *models.EntityVersion) error
	// Latest returns 0 when the entity has no versions.
	Latest(ctx context.Context, orgID, entityType, entityID string) (int64, error)
	Get(ctx context.Context, orgID, entityType, entityID string, version int64) (*models.EntityVersion, error)
	// List returns up to limit versions, newest first.
	List(ctx context.Context, orgID, entityType, entityID string, limit int) ([]*models.EntityVersion, error)
	// Range returns versions 1..upTo in ascending order.
	Range(ctx context.Context, orgID, entityType, entityID string, upTo int64) ([]*models.EntityVersion, error)
}

type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditLogEntry) error
	// List returns up to limit entries, newest first.
	List(ctx context.Context, orgID, entityType, entityID string, limit int) ([]*models.AuditLogEntry, error)
}

type InstanceRepository interface {
	Insert(ctx context.Context, instance *models.WorkflowInstance) error
	// Get returns ErrInstanceNotFound when the instance does not exist.
	Get(ctx context.Context, id string) (*models.WorkflowInstance, error)
	// Update persists instance when the stored revision equals
	// expectedRevision, otherwise it returns ErrConcurrentAdvance.
	Update(ctx context.Context, instance *models.WorkflowInstance, expectedRevision int64) error
	ListRunningByEntity(ctx context.Context, orgID, entityType, entityID string) ([]*models.WorkflowInstance, error)
	ListRunning(ctx context.Context) ([]*models.WorkflowInstance, error)
}

type StepRepository interface {
	Append(ctx context.Context, step *models.WorkflowStep) error
	// ListByInstance returns steps in the order they were recorded.
	ListByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowStep, error)
	// LastStepAt reports the time of the most recent step, if any.
	LastStepAt(ctx context.Context, instanceID string) (time.Time, bool, error)
}

// ClaimRequest selects claimable outbox rows for one worker.
type ClaimRequest struct {
	WorkerID string
	Limit    int
	Lease    time.Duration
	Now      time.Time
}

// Resolution is the outcome of one delivery attempt.
type Resolution struct {
	EventID       string
	WorkerID      string
	Status        models.OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CompletedAt   *time.Time
}

// OutboxStats counts outbox rows per kind and status.
type OutboxStats struct {
	Counts          map[models.OutboxKind]map[models.OutboxStatus]int64
	OldestPendingAt *time.Time
}

type OutboxRepository interface {
	Insert(ctx context.Context, event *models.OutboxEvent) error
	Get(ctx context.Context, id string) (*models.OutboxEvent, error)
	// Claim moves pending rows, failed rows whose retry time elapsed and
	// processing rows whose lease expired to processing for req.WorkerID.
	// Reclaiming an expired lease counts as an attempt; a row whose attempts
	// are exhausted that way is dead-lettered instead of returned.
	Claim(ctx context.Context, req ClaimRequest) ([]*models.OutboxEvent, error)
	// Resolve applies res only while res.WorkerID still holds the claim,
	// otherwise it returns ErrLeaseLost.
	Resolve(ctx context.Context, res Resolution) error
	// Requeue moves a dead-lettered row back to pending with attempts reset.
	Requeue(ctx context.Context, id string, now time.Time) error
	// CountOutstanding counts pending, processing and failed engine events for an entity.
	CountOutstanding(ctx context.Context, orgID, entityType, entityID string) (int64, error)
	Stats(ctx context.Context) (OutboxStats, error)
}
