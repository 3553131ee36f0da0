package kernel

import (
	"context"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	MaxVersions      = 50
	MaxAuditLogs     = 100
)

// ReadEntity returns the entity, including soft-deleted ones.
func (k *Kernel) ReadEntity(ctx context.Context, mctx MutationContext, entityType, entityID string) Response[*models.Entity] {
	requestID := requestIDOf(mctx)

	var entity *models.Entity

	err := k.read(ctx, mctx, "ReadEntity", entityType, func(ctx context.Context, tx persistence.Tx) error {
		var err error
		entity, err = tx.Entities().Get(ctx, mctx.Actor.OrgID, entityType, entityID)

		return err
	})
	if err != nil {
		return failure[*models.Entity](requestID, err)
	}

	return success(requestID, entity)
}

// ListEntities returns entities newest first. Limit defaults to
// DefaultListLimit and is capped at MaxListLimit.
func (k *Kernel) ListEntities(ctx context.Context, mctx MutationContext, entityType string, opts persistence.ListOptions) Response[[]*models.Entity] {
	requestID := requestIDOf(mctx)

	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}

	opts.Limit = min(opts.Limit, MaxListLimit)
	opts.Offset = max(opts.Offset, 0)

	var entities []*models.Entity

	err := k.read(ctx, mctx, "ListEntities", entityType, func(ctx context.Context, tx persistence.Tx) error {
		var err error
		entities, err = tx.Entities().List(ctx, mctx.Actor.OrgID, entityType, opts)

		return err
	})
	if err != nil {
		return failure[[]*models.Entity](requestID, err)
	}

	if entities == nil {
		entities = []*models.Entity{}
	}

	return success(requestID, entities)
}

// GetVersions returns up to MaxVersions versions, newest first.
func (k *Kernel) GetVersions(ctx context.Context, mctx MutationContext, entityType, entityID string) Response[[]*models.EntityVersion] {
	requestID := requestIDOf(mctx)

	var versions []*models.EntityVersion

	err := k.read(ctx, mctx, "GetVersions", entityType, func(ctx context.Context, tx persistence.Tx) error {
		if _, err := tx.Entities().Get(ctx, mctx.Actor.OrgID, entityType, entityID); err != nil {
			return err
		}

		var err error
		versions, err = tx.Versions().List(ctx, mctx.Actor.OrgID, entityType, entityID, MaxVersions)

		return err
	})
	if err != nil {
		return failure[[]*models.EntityVersion](requestID, err)
	}

	return success(requestID, versions)
}

// GetAuditLogs returns up to MaxAuditLogs entries, newest first.
func (k *Kernel) GetAuditLogs(ctx context.Context, mctx MutationContext, entityType, entityID string) Response[[]*models.AuditLogEntry] {
	requestID := requestIDOf(mctx)

	var entries []*models.AuditLogEntry

	err := k.read(ctx, mctx, "GetAuditLogs", entityType, func(ctx context.Context, tx persistence.Tx) error {
		if _, err := tx.Entities().Get(ctx, mctx.Actor.OrgID, entityType, entityID); err != nil {
			return err
		}

		var err error
		entries, err = tx.AuditLogs().List(ctx, mctx.Actor.OrgID, entityType, entityID, MaxAuditLogs)

		return err
	})
	if err != nil {
		return failure[[]*models.AuditLogEntry](requestID, err)
	}

	return success(requestID, entries)
}

func (k *Kernel) read(ctx context.Context, mctx MutationContext, op, entityType string, fn func(ctx context.Context, tx persistence.Tx) error) error {
	if mctx.Actor.OrgID == "" {
		return newError(op, CodeMissingOrgID, "organization id is required", nil)
	}

	if _, err := k.catalog.Kind(entityType); err != nil {
		return newError(op, CodeValidation, err.Error(), err)
	}

	if err := k.persistence.WithinTx(ctx, fn); err != nil {
		if persistence.IsEntityNotFound(err) {
			return newError(op, CodeNotFound, "entity not found", err)
		}

		k.logger.ErrorContext(ctx, "Read failed", "op", op, "entity_type", entityType, "error", err)

		return AsError(err)
	}

	return nil
}
