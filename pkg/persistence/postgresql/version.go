package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/google/uuid"
)

const versionColumns = `
			org_id
		  , entity_type
		  , entity_id
		  , version
		  , parent_version
		  , snapshot
		  , diff
		  , created_at
		  , created_by`

// VersionRepository handles the append-only entity_versions table.
type VersionRepository struct {
	q      querier
	logger *slog.Logger
}

// NewVersionRepository creates a new version repository.
func NewVersionRepository(q querier, logger *slog.Logger) *VersionRepository {
	return &VersionRepository{q: q, logger: logger}
}

func (r *VersionRepository) Append(ctx context.Context, version *models.EntityVersion) error {
	snapshotJSON, err := json.Marshal(version.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	diffJSON, err := json.Marshal(version.Diff)
	if err != nil {
		return fmt.Errorf("failed to marshal diff: %w", err)
	}

	query := `
		INSERT INTO entity_versions (` + versionColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.q.ExecContext(ctx, query,
		version.OrgID,
		version.EntityType,
		version.EntityID,
		version.Version,
		version.ParentVersion,
		snapshotJSON,
		diffJSON,
		version.CreatedAt,
		version.CreatedBy,
	)
	if isUniqueViolation(err) {
		return persistence.NewEntityError("AppendVersion", version.EntityType, version.EntityID, persistence.ErrVersionExists)
	}

	if err != nil {
		return fmt.Errorf("failed to insert entity version: %w", err)
	}

	return nil
}

func (r *VersionRepository) Latest(ctx context.Context, orgID, entityType, entityID string) (int64, error) {
	var latest int64

	err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM entity_versions
		WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3
	`, orgID, entityType, entityID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest version: %w", err)
	}

	return latest, nil
}

func (r *VersionRepository) Get(ctx context.Context, orgID, entityType, entityID string, version int64) (*models.EntityVersion, error) {
	query := `
		SELECT` + versionColumns + `
		FROM entity_versions
		WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3 AND version = $4
	`

	v, err := scanVersion(r.q.QueryRowContext(ctx, query, orgID, entityType, entityID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("GetVersion "+strconv.FormatInt(version, 10), entityType, entityID, persistence.ErrVersionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan entity version: %w", err)
	}

	return v, nil
}

func (r *VersionRepository) List(ctx context.Context, orgID, entityType, entityID string, limit int) ([]*models.EntityVersion, error) {
	query := `
		SELECT` + versionColumns + `
		FROM entity_versions
		WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY version DESC
		LIMIT $4
	`

	return r.query(ctx, query, orgID, entityType, entityID, limit)
}

func (r *VersionRepository) Range(ctx context.Context, orgID, entityType, entityID string, upTo int64) ([]*models.EntityVersion, error) {
	query := `
		SELECT` + versionColumns + `
		FROM entity_versions
		WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3 AND version <= $4
		ORDER BY version ASC
	`

	return r.query(ctx, query, orgID, entityType, entityID, upTo)
}

func (r *VersionRepository) query(ctx context.Context, query string, args ...any) ([]*models.EntityVersion, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity versions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	versions := make([]*models.EntityVersion, 0)

	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity version: %w", err)
		}

		versions = append(versions, v)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating entity versions: %w", err)
	}

	return versions, nil
}

func scanVersion(row scanner) (*models.EntityVersion, error) {
	var (
		v            models.EntityVersion
		parent       sql.NullInt64
		snapshotJSON []byte
		diffJSON     []byte
	)

	err := row.Scan(
		&v.OrgID,
		&v.EntityType,
		&v.EntityID,
		&v.Version,
		&parent,
		&snapshotJSON,
		&diffJSON,
		&v.CreatedAt,
		&v.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	if parent.Valid {
		v.ParentVersion = &parent.Int64
	}

	if err := json.Unmarshal(snapshotJSON, &v.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	if err := json.Unmarshal(diffJSON, &v.Diff); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diff: %w", err)
	}

	v.CreatedAt = v.CreatedAt.UTC()

	return &v, nil
}

// AuditRepository handles the append-only audit_logs table.
type AuditRepository struct {
	q      querier
	logger *slog.Logger
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(q querier, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{q: q, logger: logger}
}

func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate audit log ID: %w", err)
		}

		entry.ID = id.String()
	}

	query := `
		INSERT INTO audit_logs (
			id
		  , org_id
		  , entity_type
		  , entity_id
		  , action
		  , actor_id
		  , request_id
		  , channel
		  , before_version
		  , after_version
		  , created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.q.ExecContext(ctx, query,
		entry.ID,
		entry.OrgID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.ActorID,
		entry.RequestID,
		entry.Channel,
		entry.BeforeVersion,
		entry.AfterVersion,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

func (r *AuditRepository) List(ctx context.Context, orgID, entityType, entityID string, limit int) ([]*models.AuditLogEntry, error) {
	query := `
		SELECT
			id
		  , org_id
		  , entity_type
		  , entity_id
		  , action
		  , actor_id
		  , request_id
		  , channel
		  , before_version
		  , after_version
		  , created_at
		FROM audit_logs
		WHERE org_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`

	rows, err := r.q.QueryContext(ctx, query, orgID, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]*models.AuditLogEntry, 0)

	for rows.Next() {
		var entry models.AuditLogEntry

		err := rows.Scan(
			&entry.ID,
			&entry.OrgID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Action,
			&entry.ActorID,
			&entry.RequestID,
			&entry.Channel,
			&entry.BeforeVersion,
			&entry.AfterVersion,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, &entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return entries, nil
}
