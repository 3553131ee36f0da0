package health

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Reporter logs monitor stats on a cron schedule.
type Reporter struct {
	monitor  *Monitor
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewReporter(monitor *Monitor, schedule string, logger *slog.Logger) *Reporter {
	return &Reporter{
		monitor:  monitor,
		schedule: schedule,
		logger:   logger.With("module", "health_reporter"),
	}
}

func (r *Reporter) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := r.cron.AddFunc(r.schedule, func() { r.Report(r.ctx) })
	if err != nil {
		r.cancel()

		return fmt.Errorf("invalid health report schedule '%s': %w", r.schedule, err)
	}

	r.cron.Start()
	r.logger.Info("Health reporter started", "schedule", r.schedule, "entry_id", entryID)

	return nil
}

func (r *Reporter) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}

	if r.cancel != nil {
		r.cancel()
	}
}

// Report logs one snapshot. Stuck instances and dead letters are logged at
// warn level.
func (r *Reporter) Report(ctx context.Context) {
	stats, err := r.monitor.Stats(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to collect health stats", "error", err)

		return
	}

	level := slog.LevelInfo
	if len(stats.StuckInstances) > 0 || stats.DeadLetterOutbox > 0 {
		level = slog.LevelWarn
	}

	r.logger.Log(ctx, level, "Health stats",
		"pending_outbox", stats.PendingOutbox,
		"processing_outbox", stats.ProcessingOutbox,
		"failed_outbox", stats.FailedOutbox,
		"dead_letter_outbox", stats.DeadLetterOutbox,
		"pending_side_effects", stats.PendingSideEffects,
		"oldest_pending_age", stats.OldestPendingAge,
		"running_instances", stats.RunningInstances,
		"stuck_instances", len(stats.StuckInstances))

	for _, s := range stats.StuckInstances {
		r.logger.WarnContext(ctx, "Stuck workflow instance",
			"instance_id", s.InstanceID,
			"definition_id", s.DefinitionID,
			"entity", s.EntityType+"#"+s.EntityID,
			"current_nodes", s.CurrentNodes,
			"last_activity_at", s.LastActivityAt)
	}
}
