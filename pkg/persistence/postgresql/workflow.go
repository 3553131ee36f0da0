package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/lib/pq"
)

const instanceColumns = `
			id
		  , org_id
		  , definition_id
		  , definition_version
		  , entity_type
		  , entity_id
		  , entity_version
		  , status
		  , tokens
		  , revision
		  , last_event_id
		  , error
		  , created_at
		  , updated_at
		  , completed_at`

// InstanceRepository handles workflow_instances rows.
type InstanceRepository struct {
	q      querier
	logger *slog.Logger
}

// NewInstanceRepository creates a new workflow instance repository.
func NewInstanceRepository(q querier, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{q: q, logger: logger}
}

func (r *InstanceRepository) Insert(ctx context.Context, instance *models.WorkflowInstance) error {
	tokensJSON, err := json.Marshal(instance.Tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	query := `
		INSERT INTO workflow_instances (` + instanceColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err = r.q.ExecContext(ctx, query,
		instance.ID,
		instance.OrgID,
		instance.DefinitionID,
		instance.DefinitionVersion,
		instance.EntityType,
		instance.EntityID,
		instance.EntityVersion,
		instance.Status,
		tokensJSON,
		instance.Revision,
		instance.LastEventID,
		instance.Error,
		instance.CreatedAt,
		instance.UpdatedAt,
		instance.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow instance: %w", err)
	}

	return nil
}

func (r *InstanceRepository) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := `
		SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE id = $1
	`

	instance, err := scanInstance(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewInstanceError("Get", id, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
	}

	return instance, nil
}

func (r *InstanceRepository) Update(ctx context.Context, instance *models.WorkflowInstance, expectedRevision int64) error {
	tokensJSON, err := json.Marshal(instance.Tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	query := `
		UPDATE workflow_instances SET
			entity_version = $2
		  , status = $3
		  , tokens = $4
		  , revision = revision + 1
		  , last_event_id = $5
		  , error = $6
		  , updated_at = $7
		  , completed_at = $8
		WHERE id = $1 AND revision = $9
	`

	result, err := r.q.ExecContext(ctx, query,
		instance.ID,
		instance.EntityVersion,
		instance.Status,
		tokensJSON,
		instance.LastEventID,
		instance.Error,
		instance.UpdatedAt,
		instance.CompletedAt,
		expectedRevision,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrConcurrentAdvance)
	}

	instance.Revision = expectedRevision + 1

	return nil
}

func (r *InstanceRepository) ListRunningByEntity(ctx context.Context, orgID, entityType, entityID string) ([]*models.WorkflowInstance, error) {
	query := `
		SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE status = 'running' AND org_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at, id
	`

	return r.query(ctx, query, orgID, entityType, entityID)
}

func (r *InstanceRepository) ListRunning(ctx context.Context) ([]*models.WorkflowInstance, error) {
	query := `
		SELECT` + instanceColumns + `
		FROM workflow_instances
		WHERE status = 'running'
		ORDER BY created_at, id
	`

	return r.query(ctx, query)
}

func (r *InstanceRepository) query(ctx context.Context, query string, args ...any) ([]*models.WorkflowInstance, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow instances: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow instances: %w", err)
	}

	return instances, nil
}

func scanInstance(row scanner) (*models.WorkflowInstance, error) {
	var (
		instance    models.WorkflowInstance
		tokensJSON  []byte
		completedAt sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&instance.OrgID,
		&instance.DefinitionID,
		&instance.DefinitionVersion,
		&instance.EntityType,
		&instance.EntityID,
		&instance.EntityVersion,
		&instance.Status,
		&tokensJSON,
		&instance.Revision,
		&instance.LastEventID,
		&instance.Error,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(tokensJSON, &instance.Tokens); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}

	instance.CompletedAt = nullTime(completedAt)
	instance.CreatedAt = instance.CreatedAt.UTC()
	instance.UpdatedAt = instance.UpdatedAt.UTC()

	return &instance, nil
}

// StepRepository handles the append-only workflow_steps table.
type StepRepository struct {
	q      querier
	logger *slog.Logger
}

// NewStepRepository creates a new workflow step repository.
func NewStepRepository(q querier, logger *slog.Logger) *StepRepository {
	return &StepRepository{q: q, logger: logger}
}

func (r *StepRepository) Append(ctx context.Context, step *models.WorkflowStep) error {
	query := `
		INSERT INTO workflow_steps (
			id
		  , instance_id
		  , node_id
		  , node_type
		  , token_id
		  , entity_version
		  , status
		  , chosen_edge_ids
		  , duration_ms
		  , error
		  , created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	chosen := step.ChosenEdgeIDs
	if chosen == nil {
		chosen = []string{}
	}

	_, err := r.q.ExecContext(ctx, query,
		step.ID,
		step.InstanceID,
		step.NodeID,
		step.NodeType,
		step.TokenID,
		step.EntityVersion,
		step.Status,
		pq.Array(chosen),
		step.DurationMs,
		step.Error,
		step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow step: %w", err)
	}

	return nil
}

func (r *StepRepository) ListByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowStep, error) {
	query := `
		SELECT
			id
		  , instance_id
		  , node_id
		  , node_type
		  , token_id
		  , entity_version
		  , status
		  , chosen_edge_ids
		  , duration_ms
		  , error
		  , created_at
		FROM workflow_steps
		WHERE instance_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.q.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow steps: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.WorkflowStep, 0)

	for rows.Next() {
		var step models.WorkflowStep

		err := rows.Scan(
			&step.ID,
			&step.InstanceID,
			&step.NodeID,
			&step.NodeType,
			&step.TokenID,
			&step.EntityVersion,
			&step.Status,
			pq.Array(&step.ChosenEdgeIDs),
			&step.DurationMs,
			&step.Error,
			&step.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow step: %w", err)
		}

		step.CreatedAt = step.CreatedAt.UTC()
		steps = append(steps, &step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow steps: %w", err)
	}

	return steps, nil
}

func (r *StepRepository) LastStepAt(ctx context.Context, instanceID string) (time.Time, bool, error) {
	var last sql.NullTime

	err := r.q.QueryRowContext(ctx, `
		SELECT MAX(created_at)
		FROM workflow_steps
		WHERE instance_id = $1
	`, instanceID).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last step: %w", err)
	}

	if !last.Valid {
		return time.Time{}, false, nil
	}

	return last.Time.UTC(), true, nil
}
