package versionstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

// Record describes the next version of an entity.
type Record struct {
	OrgID     string
	Ref       models.EntityRef
	Version   int64
	Parent    map[string]any
	Snapshot  map[string]any
	CreatedBy string
	CreatedAt time.Time
}

// Store appends and reads entity versions through a transaction.
type Store struct {
	logger *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	return &Store{logger: logger.With("module", "versionstore")}
}

// Append writes rec as the next version. rec.Version must be exactly one past
// the latest stored version, otherwise ErrVersionGap is returned.
func (s *Store) Append(ctx context.Context, tx persistence.Tx, rec Record) (*models.EntityVersion, error) {
	latest, err := tx.Versions().Latest(ctx, rec.OrgID, rec.Ref.EntityType, rec.Ref.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest version: %w", err)
	}

	if rec.Version != latest+1 {
		return nil, fmt.Errorf("%s: appending version %d after %d: %w", rec.Ref, rec.Version, latest, ErrVersionGap)
	}

	var parent map[string]any
	if latest > 0 {
		parent = rec.Parent
	}

	diff, err := Diff(parent, rec.Snapshot)
	if err != nil {
		return nil, err
	}

	snapshot, err := Normalize(rec.Snapshot)
	if err != nil {
		return nil, err
	}

	version := &models.EntityVersion{
		OrgID:      rec.OrgID,
		EntityType: rec.Ref.EntityType,
		EntityID:   rec.Ref.EntityID,
		Version:    rec.Version,
		Snapshot:   snapshot,
		Diff:       diff,
		CreatedAt:  rec.CreatedAt,
		CreatedBy:  rec.CreatedBy,
	}

	if latest > 0 {
		parentVersion := latest
		version.ParentVersion = &parentVersion
	}

	if err := tx.Versions().Append(ctx, version); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "Appended entity version",
		"entity", rec.Ref.String(),
		"version", rec.Version,
		"ops", len(diff))

	return version, nil
}

// At rebuilds the snapshot of the given version by replaying its history.
func (s *Store) At(ctx context.Context, tx persistence.Tx, orgID string, ref models.EntityRef, version int64) (map[string]any, error) {
	versions, err := tx.Versions().Range(ctx, orgID, ref.EntityType, ref.EntityID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to read version history: %w", err)
	}

	if int64(len(versions)) < version {
		return nil, persistence.NewEntityError("VersionAt", ref.EntityType, ref.EntityID, persistence.ErrVersionNotFound)
	}

	doc, err := Replay(versions, version)
	if err != nil {
		s.logger.ErrorContext(ctx, "Version replay failed",
			"entity", ref.String(),
			"version", version,
			"error", err)

		return nil, err
	}

	return doc, nil
}
