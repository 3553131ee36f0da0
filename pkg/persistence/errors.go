// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrEntityNotFound indicates no entity exists for the given reference.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrVersionConflict indicates the stored version differs from the expected one.
	ErrVersionConflict = errors.New("version conflict")

	// ErrIdempotencyConflict indicates an entity with the same idempotency key already exists.
	ErrIdempotencyConflict = errors.New("idempotency key already used")

	// ErrVersionNotFound indicates the requested entity version does not exist.
	ErrVersionNotFound = errors.New("entity version not found")

	// ErrVersionExists indicates a version with the same number was already appended.
	ErrVersionExists = errors.New("entity version already exists")

	// ErrInstanceNotFound indicates a workflow instance was not found by the given identifier.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrConcurrentAdvance indicates another writer advanced the instance first.
	ErrConcurrentAdvance = errors.New("workflow instance advanced concurrently")

	// ErrOutboxEventNotFound indicates an outbox row was not found by the given identifier.
	ErrOutboxEventNotFound = errors.New("outbox event not found")

	// ErrLeaseLost indicates the worker no longer holds the claim on an outbox row.
	ErrLeaseLost = errors.New("outbox lease lost")

	// ErrNotDeadLettered indicates a requeue was attempted on a row that is not dead-lettered.
	ErrNotDeadLettered = errors.New("outbox event is not dead-lettered")
)

// EntityError wraps entity-related errors with additional context.
type EntityError struct {
	Op         string // Operation being performed (e.g., "Get", "Update")
	EntityType string
	EntityID   string
	Err        error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.EntityType, e.EntityID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entityType, entityID string, err error) *EntityError {
	return &EntityError{
		Op:         op,
		EntityType: entityType,
		EntityID:   entityID,
		Err:        err,
	}
}

// InstanceError wraps workflow instance errors with additional context.
type InstanceError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{Op: op, InstanceID: instanceID, Err: err}
}

// OutboxError wraps outbox errors with additional context.
type OutboxError struct {
	Op      string
	EventID string
	Err     error
}

func (e *OutboxError) Error() string {
	return fmt.Sprintf("%s operation failed for outbox event %s: %v", e.Op, e.EventID, e.Err)
}

func (e *OutboxError) Unwrap() error {
	return e.Err
}

func (e *OutboxError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewOutboxError(op, eventID string, err error) *OutboxError {
	return &OutboxError{Op: op, EventID: eventID, Err: err}
}

// IsEntityNotFound checks if an error indicates an entity was not found.
func IsEntityNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}

// IsVersionConflict checks if an error indicates an optimistic concurrency failure.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsIdempotencyConflict checks if an error indicates a duplicate idempotency key.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyConflict)
}

// IsInstanceNotFound checks if an error indicates a workflow instance was not found.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsConcurrentAdvance checks if an error indicates a lost instance CAS race.
func IsConcurrentAdvance(err error) bool {
	return errors.Is(err, ErrConcurrentAdvance)
}

// IsOutboxEventNotFound checks if an error indicates an outbox row was not found.
func IsOutboxEventNotFound(err error) bool {
	return errors.Is(err, ErrOutboxEventNotFound)
}

// IsLeaseLost checks if an error indicates the outbox lease moved to another worker.
func IsLeaseLost(err error) bool {
	return errors.Is(err, ErrLeaseLost)
}
