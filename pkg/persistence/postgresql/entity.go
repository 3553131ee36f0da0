package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

const entityColumns = `
			org_id
		  , entity_type
		  , entity_id
		  , version
		  , status
		  , fields
		  , COALESCE(idempotency_key, '')
		  , deleted
		  , deleted_at
		  , COALESCE(deleted_by, '')
		  , created_at
		  , updated_at`

// EntityRepository handles entity rows.
type EntityRepository struct {
	q      querier
	logger *slog.Logger
}

// NewEntityRepository creates a new entity repository.
func NewEntityRepository(q querier, logger *slog.Logger) *EntityRepository {
	return &EntityRepository{q: q, logger: logger}
}

func (r *EntityRepository) Get(ctx context.Context, orgID, entityType, entityID string) (*models.Entity, error) {
	return r.get(ctx, "Get", `
		SELECT`+entityColumns+`
		FROM entities
		WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3
	`, orgID, entityType, entityID)
}

func (r *EntityRepository) GetForUpdate(ctx context.Context, orgID, entityType, entityID string) (*models.Entity, error) {
	return r.get(ctx, "GetForUpdate", `
		SELECT`+entityColumns+`
		FROM entities
		WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3
		FOR UPDATE
	`, orgID, entityType, entityID)
}

func (r *EntityRepository) FindByIdempotencyKey(ctx context.Context, orgID, entityType, idempotencyKey string) (*models.Entity, error) {
	return r.get(ctx, "FindByIdempotencyKey", `
		SELECT`+entityColumns+`
		FROM entities
		WHERE org_id = $1 AND entity_type = $2 AND idempotency_key = $3
	`, orgID, entityType, idempotencyKey)
}

func (r *EntityRepository) get(ctx context.Context, op, query string, orgID, entityType, arg string) (*models.Entity, error) {
	entity, err := scanEntity(r.q.QueryRowContext(ctx, query, orgID, entityType, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError(op, entityType, arg, persistence.ErrEntityNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	return entity, nil
}

func (r *EntityRepository) Insert(ctx context.Context, entity *models.Entity) error {
	fieldsJSON, err := json.Marshal(entity.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
		INSERT INTO entities (
			org_id
		  , entity_type
		  , entity_id
		  , version
		  , status
		  , fields
		  , idempotency_key
		  , deleted
		  , deleted_at
		  , deleted_by
		  , created_at
		  , updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11, $12)
	`

	_, err = r.q.ExecContext(ctx, query,
		entity.OrgID,
		entity.EntityType,
		entity.EntityID,
		entity.Version,
		entity.Status,
		fieldsJSON,
		entity.IdempotencyKey,
		entity.Deleted,
		entity.DeletedAt,
		entity.DeletedBy,
		entity.CreatedAt,
		entity.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return persistence.NewEntityError("Insert", entity.EntityType, entity.EntityID, persistence.ErrIdempotencyConflict)
	}

	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}

	return nil
}

func (r *EntityRepository) Update(ctx context.Context, entity *models.Entity, expectedVersion int64) error {
	fieldsJSON, err := json.Marshal(entity.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
		UPDATE entities SET
			version = $4
		  , status = $5
		  , fields = $6
		  , deleted = $7
		  , deleted_at = $8
		  , deleted_by = NULLIF($9, '')
		  , updated_at = $10
		WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3 AND version = $11
	`

	result, err := r.q.ExecContext(ctx, query,
		entity.OrgID,
		entity.EntityType,
		entity.EntityID,
		entity.Version,
		entity.Status,
		fieldsJSON,
		entity.Deleted,
		entity.DeletedAt,
		entity.DeletedBy,
		entity.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Update", entity.EntityType, entity.EntityID, persistence.ErrVersionConflict)
	}

	return nil
}

func (r *EntityRepository) List(ctx context.Context, orgID, entityType string, opts persistence.ListOptions) ([]*models.Entity, error) {
	query := `
		SELECT` + entityColumns + `
		FROM entities
		WHERE org_id = $1 AND entity_type = $2 AND ($3 OR deleted = false)
		ORDER BY created_at DESC, entity_id DESC
		LIMIT $4 OFFSET $5
	`

	rows, err := r.q.QueryContext(ctx, query, orgID, entityType, opts.IncludeDeleted, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entities := make([]*models.Entity, 0)

	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}

		entities = append(entities, entity)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

func scanEntity(row scanner) (*models.Entity, error) {
	var (
		entity     models.Entity
		fieldsJSON []byte
		deletedAt  sql.NullTime
	)

	err := row.Scan(
		&entity.OrgID,
		&entity.EntityType,
		&entity.EntityID,
		&entity.Version,
		&entity.Status,
		&fieldsJSON,
		&entity.IdempotencyKey,
		&entity.Deleted,
		&deletedAt,
		&entity.DeletedBy,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(fieldsJSON, &entity.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}

	entity.DeletedAt = nullTime(deletedAt)
	entity.CreatedAt = entity.CreatedAt.UTC()
	entity.UpdatedAt = entity.UpdatedAt.UTC()

	return &entity, nil
}
