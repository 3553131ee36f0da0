package file

import (
	"context"
	"time"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

const leaseExpiredError = "lease expired before the event was resolved"

type outboxRepository struct {
	state *state
}

func (r *outboxRepository) find(id string) *models.OutboxEvent {
	for _, e := range r.state.Outbox {
		if e.ID == id {
			return e
		}
	}

	return nil
}

func (r *outboxRepository) Insert(_ context.Context, event *models.OutboxEvent) error {
	stored, err := clone(event)
	if err != nil {
		return err
	}

	r.state.Outbox = append(r.state.Outbox, stored)

	return nil
}

func (r *outboxRepository) Get(_ context.Context, id string) (*models.OutboxEvent, error) {
	event := r.find(id)
	if event == nil {
		return nil, persistence.NewOutboxError("Get", id, persistence.ErrOutboxEventNotFound)
	}

	return clone(event)
}

func (r *outboxRepository) Claim(_ context.Context, req persistence.ClaimRequest) ([]*models.OutboxEvent, error) {
	now := req.Now

	for _, e := range r.state.Outbox {
		if e.Status == models.OutboxStatusProcessing && e.Claimable(now) && e.Attempts+1 >= e.MaxAttempts {
			e.Attempts++
			e.Status = models.OutboxStatusDeadLetter
			e.LastError = leaseExpiredError
			e.ClaimedBy = ""
			e.LeaseExpiresAt = nil
		}
	}

	claimed := make([]*models.OutboxEvent, 0, req.Limit)

	for _, e := range r.state.Outbox {
		if len(claimed) >= req.Limit {
			break
		}

		if !e.Claimable(now) {
			continue
		}

		if e.Status == models.OutboxStatusProcessing {
			e.Attempts++
			e.LastError = leaseExpiredError
		}

		lease := now.Add(req.Lease)
		e.Status = models.OutboxStatusProcessing
		e.ClaimedBy = req.WorkerID
		e.ClaimedAt = &now
		e.LeaseExpiresAt = &lease

		claimed = append(claimed, e)
	}

	return clone(claimed)
}

func (r *outboxRepository) Resolve(_ context.Context, res persistence.Resolution) error {
	event := r.find(res.EventID)
	if event == nil {
		return persistence.NewOutboxError("Resolve", res.EventID, persistence.ErrOutboxEventNotFound)
	}

	if event.Status != models.OutboxStatusProcessing || event.ClaimedBy != res.WorkerID {
		return persistence.NewOutboxError("Resolve", res.EventID, persistence.ErrLeaseLost)
	}

	event.Status = res.Status
	event.Attempts = res.Attempts
	event.NextAttemptAt = res.NextAttemptAt
	event.LastError = res.LastError
	event.CompletedAt = res.CompletedAt
	event.LeaseExpiresAt = nil

	return nil
}

func (r *outboxRepository) Requeue(_ context.Context, id string, now time.Time) error {
	event := r.find(id)
	if event == nil {
		return persistence.NewOutboxError("Requeue", id, persistence.ErrOutboxEventNotFound)
	}

	if event.Status != models.OutboxStatusDeadLetter {
		return persistence.NewOutboxError("Requeue", id, persistence.ErrNotDeadLettered)
	}

	event.Status = models.OutboxStatusPending
	event.Attempts = 0
	event.NextAttemptAt = now
	event.ClaimedBy = ""
	event.ClaimedAt = nil
	event.LeaseExpiresAt = nil

	return nil
}

func (r *outboxRepository) CountOutstanding(_ context.Context, orgID, entityType, entityID string) (int64, error) {
	var count int64

	for _, e := range r.state.Outbox {
		if e.Kind != models.OutboxKindEngineEvent || e.OrgID != orgID || e.EntityType != entityType || e.EntityID != entityID {
			continue
		}

		switch e.Status {
		case models.OutboxStatusPending, models.OutboxStatusProcessing, models.OutboxStatusFailed:
			count++
		}
	}

	return count, nil
}

func (r *outboxRepository) Stats(_ context.Context) (persistence.OutboxStats, error) {
	stats := persistence.OutboxStats{Counts: map[models.OutboxKind]map[models.OutboxStatus]int64{}}

	for _, e := range r.state.Outbox {
		if stats.Counts[e.Kind] == nil {
			stats.Counts[e.Kind] = map[models.OutboxStatus]int64{}
		}

		stats.Counts[e.Kind][e.Status]++

		if e.Status == models.OutboxStatusPending && (stats.OldestPendingAt == nil || e.CreatedAt.Before(*stats.OldestPendingAt)) {
			created := e.CreatedAt
			stats.OldestPendingAt = &created
		}
	}

	return stats, nil
}
