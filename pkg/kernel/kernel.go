// Package kernel applies entity mutations under optimistic concurrency and
// idempotency. Every committed mutation appends a version, an audit entry and
// an engine event in the same transaction.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/versionstore"
)

// MutationSpec describes one mutation. ExpectedVersion is required for every
// verb except create; IdempotencyKey only applies to create.
type MutationSpec struct {
	ActionType      ActionType       `json:"action_type"`
	Ref             models.EntityRef `json:"entity_ref"`
	Input           map[string]any   `json:"input,omitempty"`
	ExpectedVersion int64            `json:"expected_version,omitempty"`
	IdempotencyKey  string           `json:"idempotency_key,omitempty"`
}

type MutationContext struct {
	Actor     Actor
	RequestID string
	Channel   string
}

// RestoreVersionKey is the input key naming the version a restore rebuilds.
const RestoreVersionKey = "version"

type Kernel struct {
	persistence persistence.Persistence
	catalog     *Catalog
	policy      Policy
	versions    *versionstore.Store
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time
}

type Option func(*Kernel)

func WithPolicy(policy Policy) Option {
	return func(k *Kernel) { k.policy = policy }
}

func WithClock(now func() time.Time) Option {
	return func(k *Kernel) { k.now = now }
}

// WithMaxAttempts sets the retry budget of the outbox rows the kernel writes.
func WithMaxAttempts(n int) Option {
	return func(k *Kernel) { k.maxAttempts = n }
}

func New(p persistence.Persistence, catalog *Catalog, logger *slog.Logger, opts ...Option) *Kernel {
	k := &Kernel{
		persistence: p,
		catalog:     catalog,
		policy:      AllowAll(),
		versions:    versionstore.NewStore(logger),
		logger:      logger.With("module", "kernel"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(k)
	}

	return k
}

func (k *Kernel) Catalog() *Catalog {
	return k.catalog
}

func requestIDOf(mctx MutationContext) string {
	if mctx.RequestID != "" {
		return mctx.RequestID
	}

	return models.NewID()
}

// Mutate applies spec atomically and returns the resulting entity.
func (k *Kernel) Mutate(ctx context.Context, spec MutationSpec, mctx MutationContext) Response[*models.Entity] {
	requestID := requestIDOf(mctx)

	entity, err := k.mutate(ctx, spec, mctx, requestID)
	if err != nil {
		kerr := AsError(err)

		if kerr.Code == CodeInternal {
			k.logger.ErrorContext(ctx, "Mutation failed",
				"action_type", spec.ActionType.String(),
				"entity_id", spec.Ref.EntityID,
				"request_id", requestID,
				"error", err)
		} else {
			k.logger.InfoContext(ctx, "Mutation rejected",
				"action_type", spec.ActionType.String(),
				"entity_id", spec.Ref.EntityID,
				"request_id", requestID,
				"code", kerr.Code)
		}

		return failure[*models.Entity](requestID, kerr)
	}

	k.logger.InfoContext(ctx, "Mutation committed",
		"action_type", spec.ActionType.String(),
		"entity_id", entity.EntityID,
		"version", entity.Version,
		"request_id", requestID)

	return success(requestID, entity)
}

func (k *Kernel) mutate(ctx context.Context, spec MutationSpec, mctx MutationContext, requestID string) (*models.Entity, error) {
	at := spec.ActionType
	op := at.String()

	if mctx.Actor.OrgID == "" {
		return nil, newError(op, CodeMissingOrgID, "organization id is required", nil)
	}

	if spec.Ref.EntityType == "" {
		spec.Ref.EntityType = at.EntityType
	}

	if spec.Ref.EntityType != at.EntityType {
		return nil, validationError(op, "entity reference does not match the action type",
			map[string]string{"entity_type": "must be " + at.EntityType})
	}

	kind, err := k.catalog.Kind(at.EntityType)
	if err != nil {
		return nil, newError(op, CodeValidation, err.Error(), err)
	}

	if !kind.Supports(at.Verb) {
		return nil, newError(op, CodeValidation, "unsupported action type "+op, ErrInvalidActionType)
	}

	if err := k.policy.Authorize(ctx, mctx.Actor, at); err != nil {
		return nil, newError(op, CodePolicyDenied, err.Error(), err)
	}

	if at.Verb != VerbCreate {
		fields := map[string]string{}
		if spec.Ref.EntityID == "" {
			fields["entity_id"] = "is required"
		}

		if spec.ExpectedVersion < 1 {
			fields["expected_version"] = "must be at least 1"
		}

		if len(fields) > 0 {
			return nil, validationError(op, "invalid mutation", fields)
		}
	}

	input, err := versionstore.Normalize(spec.Input)
	if err != nil {
		return nil, validationError(op, "input must be a JSON object", nil)
	}

	if _, ok := input[kind.StatusField]; ok && at.Verb != VerbRestore {
		return nil, validationError(op, "status is changed only by state transitions",
			map[string]string{kind.StatusField: "is read-only"})
	}

	for attempt := 0; ; attempt++ {
		var result *models.Entity

		err := k.persistence.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
			var err error
			if at.Verb == VerbCreate {
				result, err = k.create(ctx, tx, kind, spec, mctx, input, requestID)
			} else {
				result, err = k.change(ctx, tx, kind, spec, mctx, input, requestID)
			}

			return err
		})

		// A concurrent create with the same key won the insert; the retry
		// finds and returns its entity.
		if attempt == 0 && at.Verb == VerbCreate && spec.IdempotencyKey != "" && persistence.IsIdempotencyConflict(err) {
			continue
		}

		if err != nil {
			return nil, classify(op, err)
		}

		return result, nil
	}
}

func classify(op string, err error) error {
	switch {
	case persistence.IsIdempotencyConflict(err):
		return newError(op, CodeValidation, "entity already exists", err)
	case persistence.IsEntityNotFound(err):
		return newError(op, CodeNotFound, "entity not found", err)
	default:
		return AsError(err)
	}
}

func (k *Kernel) create(
	ctx context.Context,
	tx persistence.Tx,
	kind *EntityKind,
	spec MutationSpec,
	mctx MutationContext,
	input map[string]any,
	requestID string,
) (*models.Entity, error) {
	op := spec.ActionType.String()

	if spec.IdempotencyKey != "" {
		existing, err := tx.Entities().FindByIdempotencyKey(ctx, mctx.Actor.OrgID, kind.Type, spec.IdempotencyKey)
		if err == nil {
			return existing, nil
		}

		if !persistence.IsEntityNotFound(err) {
			return nil, err
		}
	}

	fields := maps.Clone(input)
	fields[kind.StatusField] = kind.InitialStatus

	if err := checkSchema(op, kind, fields); err != nil {
		return nil, err
	}

	id := spec.Ref.EntityID
	if id == "" {
		id = models.NewID()
	}

	now := k.now()
	entity := &models.Entity{
		OrgID:          mctx.Actor.OrgID,
		EntityType:     kind.Type,
		EntityID:       id,
		Version:        1,
		Status:         kind.InitialStatus,
		Fields:         fields,
		IdempotencyKey: spec.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := tx.Entities().Insert(ctx, entity); err != nil {
		return nil, err
	}

	if err := k.record(ctx, tx, kind, spec.ActionType, nil, entity, mctx, requestID); err != nil {
		return nil, err
	}

	return entity, nil
}

func (k *Kernel) change(
	ctx context.Context,
	tx persistence.Tx,
	kind *EntityKind,
	spec MutationSpec,
	mctx MutationContext,
	input map[string]any,
	requestID string,
) (*models.Entity, error) {
	at := spec.ActionType
	op := at.String()

	current, err := tx.Entities().GetForUpdate(ctx, mctx.Actor.OrgID, kind.Type, spec.Ref.EntityID)
	if err != nil {
		if persistence.IsEntityNotFound(err) {
			return nil, newError(op, CodeNotFound, "entity not found", err)
		}

		return nil, err
	}

	if current.Version != spec.ExpectedVersion {
		return nil, conflict(op, spec.ExpectedVersion, current.Version)
	}

	if current.Deleted && at.Verb != VerbRestore {
		return nil, newError(op, CodeInvalidStateTransition, "entity is deleted", nil)
	}

	now := k.now()
	next := *current
	next.Fields = maps.Clone(current.Fields)

	if next.Fields == nil {
		next.Fields = map[string]any{}
	}

	switch {
	case at.Verb == VerbUpdate:
		merge(next.Fields, input)

		if err := checkSchema(op, kind, next.Fields); err != nil {
			return nil, err
		}
	case at.Verb == VerbDelete:
		next.Deleted = true
		next.DeletedAt = &now
		next.DeletedBy = mctx.Actor.UserID
	case at.Verb == VerbRestore:
		target, err := restoreTarget(op, input, current.Version)
		if err != nil {
			return nil, err
		}

		doc, err := k.versions.At(ctx, tx, mctx.Actor.OrgID, current.Ref(), target)
		if err != nil {
			return nil, err
		}

		next.Fields = doc
		if status, ok := doc[kind.StatusField].(string); ok {
			next.Status = status
		}

		next.Deleted = false
		next.DeletedAt = nil
		next.DeletedBy = ""
	case at.Verb.Transition():
		rule, _ := kind.TransitionFor(at.Verb)
		if !slices.Contains(rule.From, current.Status) {
			return nil, newError(op, CodeInvalidStateTransition,
				fmt.Sprintf("cannot %s an entity in status %q", at.Verb, current.Status), nil)
		}

		merge(next.Fields, input)
		next.Status = rule.To
		next.Fields[kind.StatusField] = rule.To

		if err := checkSchema(op, kind, next.Fields); err != nil {
			return nil, err
		}
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now

	if err := tx.Entities().Update(ctx, &next, current.Version); err != nil {
		if persistence.IsVersionConflict(err) {
			latest, getErr := tx.Entities().Get(ctx, mctx.Actor.OrgID, kind.Type, spec.Ref.EntityID)
			if getErr != nil {
				return nil, getErr
			}

			return nil, conflict(op, spec.ExpectedVersion, latest.Version)
		}

		return nil, err
	}

	if err := k.record(ctx, tx, kind, at, current, &next, mctx, requestID); err != nil {
		return nil, err
	}

	return &next, nil
}

func conflict(op string, expected, current int64) *Error {
	return &Error{
		Op:             op,
		Code:           CodeVersionConflict,
		Message:        fmt.Sprintf("expected version %d, current version is %d", expected, current),
		Err:            persistence.ErrVersionConflict,
		CurrentVersion: current,
	}
}

func restoreTarget(op string, input map[string]any, latest int64) (int64, error) {
	raw, ok := input[RestoreVersionKey].(float64)
	if !ok || raw != math.Trunc(raw) || raw < 1 || int64(raw) > latest {
		return 0, validationError(op, "invalid restore target",
			map[string]string{RestoreVersionKey: fmt.Sprintf("must be an integer between 1 and %d", latest)})
	}

	return int64(raw), nil
}

// merge applies input on top of fields. A null value removes the key.
func merge(fields, input map[string]any) {
	for key, value := range input {
		if value == nil {
			delete(fields, key)

			continue
		}

		fields[key] = value
	}
}

func checkSchema(op string, kind *EntityKind, fields map[string]any) error {
	errs, err := kind.validateFields(fields)
	if err != nil {
		return err
	}

	if len(errs) > 0 {
		return validationError(op, "input does not match the entity schema", errs)
	}

	return nil
}

// record appends the version and audit entry of a committed change and
// enqueues its engine event and side effects.
func (k *Kernel) record(
	ctx context.Context,
	tx persistence.Tx,
	kind *EntityKind,
	at ActionType,
	before, after *models.Entity,
	mctx MutationContext,
	requestID string,
) error {
	now := k.now()

	var (
		parent        map[string]any
		beforeVersion int64
	)

	if before != nil {
		parent = before.Fields
		beforeVersion = before.Version
	}

	if _, err := k.versions.Append(ctx, tx, versionstore.Record{
		OrgID:     after.OrgID,
		Ref:       after.Ref(),
		Version:   after.Version,
		Parent:    parent,
		Snapshot:  after.Fields,
		CreatedBy: mctx.Actor.UserID,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	if err := tx.AuditLogs().Append(ctx, &models.AuditLogEntry{
		ID:            models.NewID(),
		OrgID:         after.OrgID,
		EntityType:    after.EntityType,
		EntityID:      after.EntityID,
		Action:        at.String(),
		ActorID:       mctx.Actor.UserID,
		RequestID:     requestID,
		Channel:       mctx.Channel,
		BeforeVersion: beforeVersion,
		AfterVersion:  after.Version,
		CreatedAt:     now,
	}); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if _, err := outbox.EnqueueEngineEvent(ctx, tx, models.EngineEvent{
		OrgID:         after.OrgID,
		EntityType:    after.EntityType,
		EntityID:      after.EntityID,
		EntityVersion: after.Version,
		ActionType:    at.String(),
		Verb:          at.Verb.String(),
		Status:        after.Status,
		Fields:        after.Fields,
		ActorID:       mctx.Actor.UserID,
		RequestID:     requestID,
	}, k.maxAttempts, now); err != nil {
		return err
	}

	for _, rule := range kind.Effects {
		if !slices.Contains(rule.On, at.Verb) {
			continue
		}

		effect := models.SideEffect{
			Channel:     rule.Channel,
			Name:        rule.Name,
			DeliveryKey: fmt.Sprintf("%s:%d:%s", after.EntityID, after.Version, rule.Name),
			Payload: map[string]any{
				"entity_type": after.EntityType,
				"entity_id":   after.EntityID,
				"version":     after.Version,
				"status":      after.Status,
				"action_type": at.String(),
				"actor_id":    mctx.Actor.UserID,
				"fields":      after.Fields,
			},
		}

		src := outbox.SideEffectSource{OrgID: after.OrgID, EntityType: after.EntityType, EntityID: after.EntityID}
		if _, err := outbox.EnqueueSideEffect(ctx, tx, src, effect, k.maxAttempts, now); err != nil {
			return err
		}
	}

	return nil
}
