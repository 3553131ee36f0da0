package versionstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/persistence/file"
	"github.com/dukex/kernelflow/pkg/versionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAndAt(t *testing.T) {
	ctx := context.Background()
	p := file.NewMemoryPersistence()
	store := versionstore.NewStore(log.Discard())
	ref := models.EntityRef{EntityType: "order", EntityID: "o-1"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	docs := []map[string]any{
		{"amount": 10.0, "status": "draft"},
		{"amount": 20.0, "status": "draft"},
		{"amount": 20.0, "status": "submitted"},
	}

	require.NoError(t, p.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var parent map[string]any

		for i, doc := range docs {
			v, err := store.Append(ctx, tx, versionstore.Record{
				OrgID: "org", Ref: ref, Version: int64(i + 1), Parent: parent, Snapshot: doc, CreatedBy: "u-1", CreatedAt: now,
			})
			require.NoError(t, err)

			if i == 0 {
				assert.Nil(t, v.ParentVersion)
			} else {
				require.NotNil(t, v.ParentVersion)
				assert.Equal(t, int64(i), *v.ParentVersion)
			}

			parent = doc
		}

		return nil
	}))

	require.NoError(t, p.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		doc, err := store.At(ctx, tx, "org", ref, 2)
		require.NoError(t, err)
		assert.Equal(t, docs[1], doc)

		_, err = store.At(ctx, tx, "org", ref, 7)
		assert.ErrorIs(t, err, persistence.ErrVersionNotFound)

		return nil
	}))
}

func TestStore_AppendRejectsGap(t *testing.T) {
	ctx := context.Background()
	p := file.NewMemoryPersistence()
	store := versionstore.NewStore(log.Discard())

	err := p.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		_, err := store.Append(ctx, tx, versionstore.Record{
			OrgID: "org", Ref: models.EntityRef{EntityType: "order", EntityID: "o-1"}, Version: 2,
			Snapshot: map[string]any{"a": 1},
		})

		return err
	})

	assert.ErrorIs(t, err, versionstore.ErrVersionGap)
}
