// Package health reports outbox backlog and workflow instances that stopped
// making progress.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/kernelflow/pkg/config"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/persistence"
)

type Monitor struct {
	persistence persistence.Persistence
	window      time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(p persistence.Persistence, cfg config.HealthConfig, logger *slog.Logger, opts ...Option) *Monitor {
	window := cfg.InactivityWindow
	if window <= 0 {
		window = config.DefaultInactivityWindow
	}

	m := &Monitor{
		persistence: p,
		window:      window,
		logger:      logger.With("module", "health_monitor"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Stats is read-only. An instance is stuck when it is running, has no
// undelivered engine event for its entity and recorded no step within the
// inactivity window.
func (m *Monitor) Stats(ctx context.Context) (models.HealthStats, error) {
	now := m.now()
	stats := models.HealthStats{
		ByKind:         map[models.OutboxKind]map[models.OutboxStatus]int64{},
		StuckInstances: []models.StuckInstance{},
		GeneratedAt:    now,
	}

	err := m.persistence.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		outboxStats, err := tx.Outbox().Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read outbox stats: %w", err)
		}

		for kind, byStatus := range outboxStats.Counts {
			stats.ByKind[kind] = map[models.OutboxStatus]int64{}

			for status, n := range byStatus {
				stats.ByKind[kind][status] = n

				switch status {
				case models.OutboxStatusPending:
					stats.PendingOutbox += n
				case models.OutboxStatusProcessing:
					stats.ProcessingOutbox += n
				case models.OutboxStatusFailed:
					stats.FailedOutbox += n
				case models.OutboxStatusDeadLetter:
					stats.DeadLetterOutbox += n
				case models.OutboxStatusCompleted:
				}

				if kind == models.OutboxKindSideEffect && isUndelivered(status) {
					stats.PendingSideEffects += n
				}
			}
		}

		if outboxStats.OldestPendingAt != nil {
			stats.OldestPendingAge = max(now.Sub(*outboxStats.OldestPendingAt), 0)
		}

		running, err := tx.Instances().ListRunning(ctx)
		if err != nil {
			return fmt.Errorf("failed to list running instances: %w", err)
		}

		stats.RunningInstances = int64(len(running))

		for _, inst := range running {
			stuck, ok, err := m.stuck(ctx, tx, inst, now)
			if err != nil {
				return err
			}

			if ok {
				stats.StuckInstances = append(stats.StuckInstances, stuck)
			}
		}

		return nil
	})
	if err != nil {
		return models.HealthStats{}, err
	}

	return stats, nil
}

func isUndelivered(status models.OutboxStatus) bool {
	return status == models.OutboxStatusPending ||
		status == models.OutboxStatusProcessing ||
		status == models.OutboxStatusFailed
}

func (m *Monitor) stuck(ctx context.Context, tx persistence.Tx, inst *models.WorkflowInstance, now time.Time) (models.StuckInstance, bool, error) {
	outstanding, err := tx.Outbox().CountOutstanding(ctx, inst.OrgID, inst.EntityType, inst.EntityID)
	if err != nil {
		return models.StuckInstance{}, false, fmt.Errorf("failed to count outstanding events for %s: %w", inst.ID, err)
	}

	if outstanding > 0 {
		return models.StuckInstance{}, false, nil
	}

	last := inst.UpdatedAt

	stepAt, found, err := tx.Steps().LastStepAt(ctx, inst.ID)
	if err != nil {
		return models.StuckInstance{}, false, fmt.Errorf("failed to read last step of %s: %w", inst.ID, err)
	}

	if found && stepAt.After(last) {
		last = stepAt
	}

	if now.Sub(last) < m.window {
		return models.StuckInstance{}, false, nil
	}

	return models.StuckInstance{
		InstanceID:     inst.ID,
		OrgID:          inst.OrgID,
		DefinitionID:   inst.DefinitionID,
		EntityType:     inst.EntityType,
		EntityID:       inst.EntityID,
		CurrentNodes:   inst.CurrentNodes(),
		LastActivityAt: last,
	}, true, nil
}
