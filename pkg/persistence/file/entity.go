package file

import (
	"context"
	"sort"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

type entityRepository struct {
	state *state
}

func (r *entityRepository) Get(_ context.Context, orgID, entityType, entityID string) (*models.Entity, error) {
	stored, ok := r.state.Entities[key(orgID, entityType, entityID)]
	if !ok {
		return nil, persistence.NewEntityError("Get", entityType, entityID, persistence.ErrEntityNotFound)
	}

	return clone(stored)
}

func (r *entityRepository) GetForUpdate(ctx context.Context, orgID, entityType, entityID string) (*models.Entity, error) {
	return r.Get(ctx, orgID, entityType, entityID)
}

func (r *entityRepository) FindByIdempotencyKey(_ context.Context, orgID, entityType, idempotencyKey string) (*models.Entity, error) {
	if idempotencyKey != "" {
		for _, e := range r.state.Entities {
			if e.OrgID == orgID && e.EntityType == entityType && e.IdempotencyKey == idempotencyKey {
				return clone(e)
			}
		}
	}

	return nil, persistence.NewEntityError("FindByIdempotencyKey", entityType, idempotencyKey, persistence.ErrEntityNotFound)
}

func (r *entityRepository) Insert(ctx context.Context, entity *models.Entity) error {
	k := key(entity.OrgID, entity.EntityType, entity.EntityID)
	if _, exists := r.state.Entities[k]; exists {
		return persistence.NewEntityError("Insert", entity.EntityType, entity.EntityID, persistence.ErrIdempotencyConflict)
	}

	if _, err := r.FindByIdempotencyKey(ctx, entity.OrgID, entity.EntityType, entity.IdempotencyKey); err == nil {
		return persistence.NewEntityError("Insert", entity.EntityType, entity.EntityID, persistence.ErrIdempotencyConflict)
	}

	stored, err := clone(entity)
	if err != nil {
		return err
	}

	r.state.Entities[k] = stored

	return nil
}

func (r *entityRepository) Update(_ context.Context, entity *models.Entity, expectedVersion int64) error {
	k := key(entity.OrgID, entity.EntityType, entity.EntityID)

	current, ok := r.state.Entities[k]
	if !ok {
		return persistence.NewEntityError("Update", entity.EntityType, entity.EntityID, persistence.ErrEntityNotFound)
	}

	if current.Version != expectedVersion {
		return persistence.NewEntityError("Update", entity.EntityType, entity.EntityID, persistence.ErrVersionConflict)
	}

	stored, err := clone(entity)
	if err != nil {
		return err
	}

	r.state.Entities[k] = stored

	return nil
}

func (r *entityRepository) List(_ context.Context, orgID, entityType string, opts persistence.ListOptions) ([]*models.Entity, error) {
	matched := make([]*models.Entity, 0)

	for _, e := range r.state.Entities {
		if e.OrgID != orgID || e.EntityType != entityType {
			continue
		}

		if e.Deleted && !opts.IncludeDeleted {
			continue
		}

		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].EntityID > matched[j].EntityID
		}

		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if opts.Offset >= len(matched) {
		return []*models.Entity{}, nil
	}

	matched = matched[opts.Offset:]
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	return clone(matched)
}
