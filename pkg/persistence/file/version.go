package file

import (
	"context"
	"strconv"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

type versionRepository struct {
	state *state
}

func (r *versionRepository) Append(_ context.Context, version *models.EntityVersion) error {
	k := key(version.OrgID, version.EntityType, version.EntityID)

	for _, v := range r.state.Versions[k] {
		if v.Version == version.Version {
			return persistence.NewEntityError("AppendVersion", version.EntityType, version.EntityID, persistence.ErrVersionExists)
		}
	}

	stored, err := clone(version)
	if err != nil {
		return err
	}

	r.state.Versions[k] = append(r.state.Versions[k], stored)

	return nil
}

func (r *versionRepository) Latest(_ context.Context, orgID, entityType, entityID string) (int64, error) {
	var latest int64

	for _, v := range r.state.Versions[key(orgID, entityType, entityID)] {
		latest = max(latest, v.Version)
	}

	return latest, nil
}

func (r *versionRepository) Get(_ context.Context, orgID, entityType, entityID string, version int64) (*models.EntityVersion, error) {
	for _, v := range r.state.Versions[key(orgID, entityType, entityID)] {
		if v.Version == version {
			return clone(v)
		}
	}

	return nil, persistence.NewEntityError("GetVersion "+strconv.FormatInt(version, 10), entityType, entityID, persistence.ErrVersionNotFound)
}

func (r *versionRepository) List(_ context.Context, orgID, entityType, entityID string, limit int) ([]*models.EntityVersion, error) {
	versions := r.state.Versions[key(orgID, entityType, entityID)]
	out := make([]*models.EntityVersion, 0, len(versions))

	for i := len(versions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}

		out = append(out, versions[i])
	}

	return clone(out)
}

func (r *versionRepository) Range(_ context.Context, orgID, entityType, entityID string, upTo int64) ([]*models.EntityVersion, error) {
	out := make([]*models.EntityVersion, 0)

	for _, v := range r.state.Versions[key(orgID, entityType, entityID)] {
		if v.Version <= upTo {
			out = append(out, v)
		}
	}

	return clone(out)
}

type auditRepository struct {
	state *state
}

func (r *auditRepository) Append(_ context.Context, entry *models.AuditLogEntry) error {
	stored, err := clone(entry)
	if err != nil {
		return err
	}

	k := key(entry.OrgID, entry.EntityType, entry.EntityID)
	r.state.AuditLogs[k] = append(r.state.AuditLogs[k], stored)

	return nil
}

func (r *auditRepository) List(_ context.Context, orgID, entityType, entityID string, limit int) ([]*models.AuditLogEntry, error) {
	entries := r.state.AuditLogs[key(orgID, entityType, entityID)]
	out := make([]*models.AuditLogEntry, 0, len(entries))

	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}

		out = append(out, entries[i])
	}

	return clone(out)
}
