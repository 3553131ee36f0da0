package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dukex/kernelflow/pkg/config"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/otelhelper"
	"github.com/dukex/kernelflow/pkg/persistence"
)

// EngineHandler consumes engine_event rows. eventID is the outbox row id and
// is stable across redeliveries.
type EngineHandler interface {
	HandleEngineEvent(ctx context.Context, eventID string, event models.EngineEvent) error
}

// Sender delivers side_effect rows. Implementations must tolerate duplicate
// deliveries of the same DeliveryKey.
type Sender interface {
	Deliver(ctx context.Context, effect models.SideEffect) error
}

type Dispatcher struct {
	persistence persistence.Persistence
	engine      EngineHandler
	sender      Sender
	cfg         config.DispatcherConfig
	backoff     *Backoff
	limiter     *rate.Limiter
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

func NewDispatcher(
	p persistence.Persistence,
	engine EngineHandler,
	sender Sender,
	cfg config.DispatcherConfig,
	logger *slog.Logger,
	opts ...Option,
) *Dispatcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	d := &Dispatcher{
		persistence: p,
		engine:      engine,
		sender:      sender,
		cfg:         cfg,
		backoff:     NewBackoff(cfg.Backoff),
		limiter:     rate.NewLimiter(limit, max(cfg.BatchSize, 1)),
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "outbox_dispatcher"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Run starts cfg.Workers workers and blocks until ctx is cancelled or a
// worker fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "Starting outbox dispatcher",
		"workers", d.cfg.Workers,
		"batch_size", d.cfg.BatchSize,
		"lease_timeout", d.cfg.LeaseTimeout)

	g, ctx := errgroup.WithContext(ctx)

	for i := range d.cfg.Workers {
		workerID := fmt.Sprintf("%s-%d", models.NewID(), i)

		g.Go(func() error {
			return d.work(ctx, workerID)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (d *Dispatcher) work(ctx context.Context, workerID string) error {
	logger := d.logger.With("worker_id", workerID)
	logger.DebugContext(ctx, "Worker started")

	for {
		n, err := d.RunOnce(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger.ErrorContext(ctx, "Failed to claim outbox batch", "error", err)
		}

		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			logger.DebugContext(ctx, "Worker stopped")

			return ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch for workerID, delivers every claimed row and
// resolves it. Rows whose lease expired before their turn are released
// undelivered. It returns the number of rows claimed.
func (d *Dispatcher) RunOnce(ctx context.Context, workerID string) (int, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "outbox.claim",
		attribute.String(otelhelper.WorkerIDKey, workerID))
	defer span.End()

	var claimed []*models.OutboxEvent

	err := d.persistence.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error

		claimed, err = tx.Outbox().Claim(ctx, persistence.ClaimRequest{
			WorkerID: workerID,
			Limit:    d.cfg.BatchSize,
			Lease:    d.cfg.LeaseTimeout,
			Now:      d.now(),
		})

		return err
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	span.SetAttributes(attribute.Int(otelhelper.BatchSizeKey, len(claimed)))

	for _, event := range claimed {
		if err := d.limiter.Wait(ctx); err != nil {
			return len(claimed), err
		}

		if event.LeaseExpiresAt != nil && !d.now().Before(*event.LeaseExpiresAt) {
			d.release(ctx, workerID, event)

			continue
		}

		d.process(ctx, workerID, event)
	}

	return len(claimed), nil
}

// release returns a row whose lease ran out while earlier rows of the batch
// were delivered. The row was never attempted, so no attempt is charged.
func (d *Dispatcher) release(ctx context.Context, workerID string, event *models.OutboxEvent) {
	logger := d.logger.With("event_id", event.ID, "kind", event.Kind, "worker_id", workerID)

	err := d.persistence.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return tx.Outbox().Resolve(ctx, persistence.Resolution{
			EventID:       event.ID,
			WorkerID:      workerID,
			Status:        models.OutboxStatusPending,
			Attempts:      event.Attempts,
			NextAttemptAt: d.now(),
			LastError:     event.LastError,
		})
	})

	switch {
	case persistence.IsLeaseLost(err):
		logger.DebugContext(ctx, "Expired lease already taken by another worker")
	case err != nil:
		logger.ErrorContext(ctx, "Failed to release outbox event", "error", err)
	default:
		logger.DebugContext(ctx, "Released outbox event with expired lease")
	}
}

func (d *Dispatcher) process(ctx context.Context, workerID string, event *models.OutboxEvent) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "outbox.deliver",
		attribute.String(otelhelper.EventIDKey, event.ID),
		attribute.String(otelhelper.EventKindKey, string(event.Kind)),
		attribute.Int(otelhelper.AttemptKey, event.Attempts+1),
		attribute.String(otelhelper.WorkerIDKey, workerID))
	defer span.End()

	logger := d.logger.With("event_id", event.ID, "kind", event.Kind, "worker_id", workerID)

	remaining := d.cfg.LeaseTimeout
	if event.LeaseExpiresAt != nil {
		remaining = event.LeaseExpiresAt.Sub(d.now())
	}

	deliverCtx, cancel := context.WithTimeout(ctx, remaining)
	deliveryErr := d.deliver(deliverCtx, event)

	cancel()

	if deliveryErr != nil {
		otelhelper.SetError(span, deliveryErr)
	}

	res := d.resolve(event, workerID, deliveryErr)

	err := d.persistence.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return tx.Outbox().Resolve(ctx, res)
	})

	switch {
	case persistence.IsLeaseLost(err):
		logger.WarnContext(ctx, "Lease lost before resolution, another worker owns the event")
	case err != nil:
		logger.ErrorContext(ctx, "Failed to resolve outbox event", "error", err)
	case res.Status == models.OutboxStatusDeadLetter:
		logger.ErrorContext(ctx, "Outbox event dead-lettered",
			"attempts", res.Attempts,
			"error", res.LastError)
	case res.Status == models.OutboxStatusFailed:
		logger.WarnContext(ctx, "Outbox delivery failed, retry scheduled",
			"attempts", res.Attempts,
			"next_attempt_at", res.NextAttemptAt,
			"error", res.LastError)
	default:
		logger.DebugContext(ctx, "Outbox event delivered")
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event *models.OutboxEvent) error {
	switch event.Kind {
	case models.OutboxKindEngineEvent:
		var payload models.EngineEvent
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return Fatal(fmt.Errorf("failed to decode engine event: %w", err))
		}

		return d.engine.HandleEngineEvent(ctx, event.ID, payload)
	case models.OutboxKindSideEffect:
		var payload models.SideEffect
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return Fatal(fmt.Errorf("failed to decode side effect: %w", err))
		}

		return d.sender.Deliver(ctx, payload)
	default:
		return Fatal(fmt.Errorf("%w: %s", ErrUnknownKind, event.Kind))
	}
}

func (d *Dispatcher) resolve(event *models.OutboxEvent, workerID string, err error) persistence.Resolution {
	now := d.now()
	res := persistence.Resolution{
		EventID:       event.ID,
		WorkerID:      workerID,
		Attempts:      event.Attempts + 1,
		NextAttemptAt: event.NextAttemptAt,
	}

	switch {
	case err == nil:
		res.Status = models.OutboxStatusCompleted
		res.CompletedAt = &now
	case IsFatal(err) || res.Attempts >= event.MaxAttempts:
		res.Status = models.OutboxStatusDeadLetter
		res.LastError = err.Error()
	default:
		res.Status = models.OutboxStatusFailed
		res.LastError = err.Error()
		res.NextAttemptAt = now.Add(d.backoff.Delay(res.Attempts))
	}

	return res
}

// Requeue moves a dead-lettered row back to pending with its attempts reset.
func Requeue(ctx context.Context, p persistence.Persistence, id string, now time.Time) error {
	return p.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return tx.Outbox().Requeue(ctx, id, now)
	})
}
