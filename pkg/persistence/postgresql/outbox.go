package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

const leaseExpiredError = "lease expired before the event was resolved"

const outboxColumns = `
			id
		  , org_id
		  , kind
		  , payload
		  , status
		  , attempts
		  , max_attempts
		  , next_attempt_at
		  , claimed_by
		  , claimed_at
		  , lease_expires_at
		  , last_error
		  , entity_type
		  , entity_id
		  , instance_id
		  , delivery_key
		  , created_at
		  , completed_at`

// OutboxRepository handles outbox_events rows.
type OutboxRepository struct {
	q      querier
	logger *slog.Logger
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(q querier, logger *slog.Logger) *OutboxRepository {
	return &OutboxRepository{q: q, logger: logger}
}

func (r *OutboxRepository) Insert(ctx context.Context, event *models.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (` + outboxColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := r.q.ExecContext(ctx, query,
		event.ID,
		event.OrgID,
		event.Kind,
		[]byte(event.Payload),
		event.Status,
		event.Attempts,
		event.MaxAttempts,
		event.NextAttemptAt,
		event.ClaimedBy,
		event.ClaimedAt,
		event.LeaseExpiresAt,
		event.LastError,
		event.EntityType,
		event.EntityID,
		event.InstanceID,
		event.DeliveryKey,
		event.CreatedAt,
		event.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

func (r *OutboxRepository) Get(ctx context.Context, id string) (*models.OutboxEvent, error) {
	query := `
		SELECT` + outboxColumns + `
		FROM outbox_events
		WHERE id = $1
	`

	event, err := scanOutboxEvent(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewOutboxError("Get", id, persistence.ErrOutboxEventNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox event: %w", err)
	}

	return event, nil
}

// Claim locks claimable rows with SKIP LOCKED so concurrent workers never
// receive the same row.
func (r *OutboxRepository) Claim(ctx context.Context, req persistence.ClaimRequest) ([]*models.OutboxEvent, error) {
	_, err := r.q.ExecContext(ctx, `
		UPDATE outbox_events SET
			status = 'dead_letter'
		  , attempts = attempts + 1
		  , last_error = $2
		  , claimed_by = ''
		  , lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at <= $1 AND attempts + 1 >= max_attempts
	`, req.Now, leaseExpiredError)
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter expired leases: %w", err)
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM outbox_events
			WHERE (status IN ('pending', 'failed') AND next_attempt_at <= $1)
			   OR (status = 'processing' AND lease_expires_at <= $1)
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o SET
			attempts = CASE WHEN o.status = 'processing' THEN o.attempts + 1 ELSE o.attempts END
		  , last_error = CASE WHEN o.status = 'processing' THEN $5 ELSE o.last_error END
		  , status = 'processing'
		  , claimed_by = $3
		  , claimed_at = $1
		  , lease_expires_at = $4
		FROM candidates c
		WHERE o.id = c.id
		RETURNING` + prefixed("o", outboxColumns)

	rows, err := r.q.QueryContext(ctx, query, req.Now, req.Limit, req.WorkerID, req.Now.Add(req.Lease), leaseExpiredError)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	claimed := make([]*models.OutboxEvent, 0, req.Limit)

	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}

		claimed = append(claimed, event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating claimed outbox events: %w", err)
	}

	return claimed, nil
}

func (r *OutboxRepository) Resolve(ctx context.Context, res persistence.Resolution) error {
	query := `
		UPDATE outbox_events SET
			status = $3
		  , attempts = $4
		  , next_attempt_at = $5
		  , last_error = $6
		  , completed_at = $7
		  , lease_expires_at = NULL
		WHERE id = $1 AND claimed_by = $2 AND status = 'processing'
	`

	result, err := r.q.ExecContext(ctx, query,
		res.EventID,
		res.WorkerID,
		res.Status,
		res.Attempts,
		res.NextAttemptAt,
		res.LastError,
		res.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve outbox event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewOutboxError("Resolve", res.EventID, persistence.ErrLeaseLost)
	}

	return nil
}

func (r *OutboxRepository) Requeue(ctx context.Context, id string, now time.Time) error {
	event, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	if event.Status != models.OutboxStatusDeadLetter {
		return persistence.NewOutboxError("Requeue", id, persistence.ErrNotDeadLettered)
	}

	_, err = r.q.ExecContext(ctx, `
		UPDATE outbox_events SET
			status = 'pending'
		  , attempts = 0
		  , next_attempt_at = $2
		  , claimed_by = ''
		  , claimed_at = NULL
		  , lease_expires_at = NULL
		WHERE id = $1 AND status = 'dead_letter'
	`, id, now)
	if err != nil {
		return fmt.Errorf("failed to requeue outbox event: %w", err)
	}

	return nil
}

func (r *OutboxRepository) CountOutstanding(ctx context.Context, orgID, entityType, entityID string) (int64, error) {
	var count int64

	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM outbox_events
		WHERE kind = 'engine_event'
		  AND org_id = $1 AND entity_type = $2 AND entity_id = $3
		  AND status IN ('pending', 'processing', 'failed')
	`, orgID, entityType, entityID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding outbox events: %w", err)
	}

	return count, nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (persistence.OutboxStats, error) {
	stats := persistence.OutboxStats{Counts: map[models.OutboxKind]map[models.OutboxStatus]int64{}}

	rows, err := r.q.QueryContext(ctx, `
		SELECT kind, status, COUNT(*)
		FROM outbox_events
		GROUP BY kind, status
	`)
	if err != nil {
		return stats, fmt.Errorf("failed to query outbox stats: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	for rows.Next() {
		var (
			kind   models.OutboxKind
			status models.OutboxStatus
			count  int64
		)

		if err := rows.Scan(&kind, &status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan outbox stats: %w", err)
		}

		if stats.Counts[kind] == nil {
			stats.Counts[kind] = map[models.OutboxStatus]int64{}
		}

		stats.Counts[kind][status] = count
	}

	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating outbox stats: %w", err)
	}

	var oldest sql.NullTime

	err = r.q.QueryRowContext(ctx, `
		SELECT MIN(created_at)
		FROM outbox_events
		WHERE status = 'pending'
	`).Scan(&oldest)
	if err != nil {
		return stats, fmt.Errorf("failed to query oldest pending outbox event: %w", err)
	}

	stats.OldestPendingAt = nullTime(oldest)

	return stats, nil
}

func scanOutboxEvent(row scanner) (*models.OutboxEvent, error) {
	var (
		event          models.OutboxEvent
		payload        []byte
		claimedAt      sql.NullTime
		leaseExpiresAt sql.NullTime
		completedAt    sql.NullTime
	)

	err := row.Scan(
		&event.ID,
		&event.OrgID,
		&event.Kind,
		&payload,
		&event.Status,
		&event.Attempts,
		&event.MaxAttempts,
		&event.NextAttemptAt,
		&event.ClaimedBy,
		&claimedAt,
		&leaseExpiresAt,
		&event.LastError,
		&event.EntityType,
		&event.EntityID,
		&event.InstanceID,
		&event.DeliveryKey,
		&event.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Payload = payload
	event.ClaimedAt = nullTime(claimedAt)
	event.LeaseExpiresAt = nullTime(leaseExpiresAt)
	event.CompletedAt = nullTime(completedAt)
	event.NextAttemptAt = event.NextAttemptAt.UTC()
	event.CreatedAt = event.CreatedAt.UTC()

	return &event, nil
}
