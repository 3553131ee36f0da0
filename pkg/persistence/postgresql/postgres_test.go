package postgresql_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/persistence/postgresql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPersistence(t *testing.T) (*postgresql.Persistence, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return postgresql.NewWithDB(db, slog.Default()), mock
}

func TestEntityRepository_UpdateVersionConflict(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE entities SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		return tx.Entities().Update(ctx, &models.Entity{OrgID: "org", EntityType: "order", EntityID: "e1", Version: 2}, 1)
	})

	assert.True(t, persistence.IsVersionConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityRepository_InsertDuplicateIdempotencyKey(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entities").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := p.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		return tx.Entities().Insert(ctx, &models.Entity{OrgID: "org", EntityType: "order", EntityID: "e1", Version: 1, IdempotencyKey: "k"})
	})

	assert.True(t, persistence.IsIdempotencyConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityRepository_GetForUpdateLocksRow(t *testing.T) {
	p, mock := newMockPersistence(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("org", "order", "e1").
		WillReturnRows(sqlmock.NewRows([]string{
			"org_id", "entity_type", "entity_id", "version", "status", "fields", "idempotency_key",
			"deleted", "deleted_at", "deleted_by", "created_at", "updated_at",
		}).AddRow("org", "order", "e1", 3, "draft", []byte(`{"amount":10}`), "k", false, nil, "", now, now))
	mock.ExpectCommit()

	var got *models.Entity

	err := p.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		var err error
		got, err = tx.Entities().GetForUpdate(ctx, "org", "order", "e1")

		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.InDelta(t, 10.0, got.Fields["amount"], 0.0001)
	assert.Nil(t, got.DeletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceRepository_UpdateLostRace(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflow_instances SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		return tx.Instances().Update(ctx, &models.WorkflowInstance{ID: "wi-1"}, 4)
	})

	assert.True(t, persistence.IsConcurrentAdvance(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_ClaimSkipsLockedRows(t *testing.T) {
	p, mock := newMockPersistence(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lease := now.Add(30 * time.Second)

	columns := []string{
		"id", "org_id", "kind", "payload", "status", "attempts", "max_attempts", "next_attempt_at",
		"claimed_by", "claimed_at", "lease_expires_at", "last_error", "entity_type", "entity_id",
		"instance_id", "delivery_key", "created_at", "completed_at",
	}

	mock.ExpectBegin()
	mock.ExpectExec("status = 'dead_letter'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(sqlmock.AnyArg(), int64(10), "worker-a", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"ev-1", "org", "engine_event", []byte(`{"entity_id":"e1"}`), "processing", 0, 5, now,
			"worker-a", now, lease, "", "order", "e1", "", "", now, nil,
		))
	mock.ExpectCommit()

	var claimed []*models.OutboxEvent

	err := p.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		var err error
		claimed, err = tx.Outbox().Claim(ctx, persistence.ClaimRequest{WorkerID: "worker-a", Limit: 10, Lease: 30 * time.Second, Now: now})

		return err
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, models.OutboxStatusProcessing, claimed[0].Status)
	assert.Equal(t, "worker-a", claimed[0].ClaimedBy)
	require.NotNil(t, claimed[0].LeaseExpiresAt)
	assert.True(t, lease.Equal(*claimed[0].LeaseExpiresAt))
	assert.Nil(t, claimed[0].CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_ResolveAfterLeaseLost(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE outbox_events SET").
		WithArgs("ev-1", "worker-a", sqlmock.AnyArg(), int64(1), sqlmock.AnyArg(), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		return tx.Outbox().Resolve(ctx, persistence.Resolution{
			EventID:  "ev-1",
			WorkerID: "worker-a",
			Status:   models.OutboxStatusCompleted,
			Attempts: 1,
		})
	})

	assert.True(t, persistence.IsLeaseLost(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_Stats(t *testing.T) {
	p, mock := newMockPersistence(t)
	oldest := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("GROUP BY kind, status").WillReturnRows(sqlmock.NewRows([]string{"kind", "status", "count"}).
		AddRow("side_effect", "dead_letter", 2).
		AddRow("engine_event", "pending", 3))
	mock.ExpectQuery("MIN").WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(oldest))
	mock.ExpectCommit()

	var stats persistence.OutboxStats

	err := p.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		var err error
		stats, err = tx.Outbox().Stats(ctx)

		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Counts[models.OutboxKindSideEffect][models.OutboxStatusDeadLetter])
	assert.Equal(t, int64(3), stats.Counts[models.OutboxKindEngineEvent][models.OutboxStatusPending])
	require.NotNil(t, stats.OldestPendingAt)
	assert.True(t, oldest.Equal(*stats.OldestPendingAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistence_SchemaVersion(t *testing.T) {
	p, mock := newMockPersistence(t)

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version\\), 0\\) FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))

	current, latest, err := p.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, current)
	assert.GreaterOrEqual(t, latest, current)
	require.NoError(t, mock.ExpectationsWereMet())
}
