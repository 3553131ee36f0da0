// Package workflow advances workflow instances in response to committed
// entity mutations.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/kernelflow/pkg/config"
	"github.com/dukex/kernelflow/pkg/kernel"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/otelhelper"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/persistence"
)

// LifecycleChannel carries a side effect each time an instance reaches a
// terminal status.
const LifecycleChannel = "workflow.lifecycle"

var ErrInstanceNotRunning = errors.New("workflow instance is not running")

type Engine struct {
	persistence persistence.Persistence
	definitions *Registry
	handlers    HandlerRegistry
	cfg         config.EngineConfig
	maxAttempts int
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithMaxAttempts sets the delivery budget of side effects the engine enqueues.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

func NewEngine(
	p persistence.Persistence,
	definitions *Registry,
	handlers HandlerRegistry,
	cfg config.EngineConfig,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = config.DefaultMaxTokens
	}

	if cfg.MaxVisitsPerCycle <= 0 {
		cfg.MaxVisitsPerCycle = config.DefaultMaxVisitsPerCycle
	}

	e := &Engine{
		persistence: p,
		definitions: definitions,
		handlers:    handlers,
		cfg:         cfg,
		maxAttempts: config.DefaultMaxAttempts,
		tracer:      otelhelper.NoopTracer(),
		logger:      logger.With("module", "workflow_engine"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// HandleEngineEvent applies one committed entity mutation to the running
// instances of that entity and starts the definitions it triggers. All
// advancement for the event commits in one transaction.
func (e *Engine) HandleEngineEvent(ctx context.Context, eventID string, event models.EngineEvent) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.handle_event",
		attribute.String(otelhelper.EventIDKey, eventID),
		attribute.String(otelhelper.EntityTypeKey, event.EntityType),
		attribute.String(otelhelper.EntityIDKey, event.EntityID),
		attribute.String(otelhelper.ActionTypeKey, event.ActionType),
	)
	defer span.End()

	logger := e.logger.With(
		"event_id", eventID,
		"entity_type", event.EntityType,
		"entity_id", event.EntityID,
		"entity_version", event.EntityVersion,
		"verb", event.Verb,
	)

	err := e.persistence.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		running, err := tx.Instances().ListRunningByEntity(ctx, event.OrgID, event.EntityType, event.EntityID)
		if err != nil {
			return fmt.Errorf("failed to list running instances: %w", err)
		}

		active := make(map[string]bool, len(running))

		for _, inst := range running {
			active[inst.DefinitionID] = true

			if stale(inst, eventID, event) {
				logger.DebugContext(ctx, "Skipping stale engine event",
					"instance_id", inst.ID,
					"instance_entity_version", inst.EntityVersion)

				continue
			}

			if event.Verb == kernel.VerbCancel.String() {
				if err := e.cancel(ctx, tx, inst, eventID, event.EntityVersion, "entity cancelled"); err != nil {
					return err
				}

				continue
			}

			def, err := e.definitions.get(inst.DefinitionID, inst.DefinitionVersion)
			if err != nil {
				return fmt.Errorf("instance %s: %w", inst.ID, err)
			}

			if err := e.newCycle(tx, inst, def, eventID, event, logger).run(ctx); err != nil {
				return err
			}
		}

		if event.Verb == kernel.VerbCancel.String() {
			return nil
		}

		for _, def := range e.definitions.forEntityType(event.EntityType) {
			if active[def.ID] || !def.StartsOn(event.Verb) {
				continue
			}

			inst := e.newInstance(eventID, def, event)

			if _, err := tx.Instances().Get(ctx, inst.ID); err == nil {
				logger.DebugContext(ctx, "Instance already started by this event", "instance_id", inst.ID)

				continue
			} else if !persistence.IsInstanceNotFound(err) {
				return err
			}

			logger.InfoContext(ctx, "Starting workflow instance",
				"instance_id", inst.ID,
				"definition_id", def.ID,
				"definition_version", def.Version)

			if err := e.newCycle(tx, inst, def, eventID, event, logger).run(ctx); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	return nil
}

// stale reports whether event was already applied to inst or describes an
// older entity state than inst has seen.
func stale(inst *models.WorkflowInstance, eventID string, event models.EngineEvent) bool {
	if eventID != "" && eventID == inst.LastEventID {
		return true
	}

	return event.EntityVersion < inst.EntityVersion
}

// instanceNamespace derives instance ids from the starting event, so a
// redelivered start event finds the instance it already created.
var instanceNamespace = uuid.MustParse("6f1c9b8e-2d4a-4c1e-9a57-0b3e8d2f7c61")

func (e *Engine) newInstance(eventID string, def *compiledDefinition, event models.EngineEvent) *models.WorkflowInstance {
	now := e.now()

	id := models.NewID()
	if eventID != "" {
		id = uuid.NewSHA1(instanceNamespace, []byte(eventID+"/"+def.ID)).String()
	}

	return &models.WorkflowInstance{
		ID:                id,
		OrgID:             event.OrgID,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		EntityType:        event.EntityType,
		EntityID:          event.EntityID,
		EntityVersion:     event.EntityVersion,
		Status:            models.InstanceStatusRunning,
		Tokens: []models.Token{{
			ID:        models.NewID(),
			NodeID:    def.StartNodeID,
			CreatedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Cancel stops a running instance on operator request.
func (e *Engine) Cancel(ctx context.Context, orgID, instanceID, reason string) (*models.WorkflowInstance, error) {
	var out *models.WorkflowInstance

	err := e.persistence.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		inst, err := e.fetch(ctx, tx, orgID, instanceID)
		if err != nil {
			return err
		}

		if inst.Status.Terminal() {
			return persistence.NewInstanceError("Cancel", instanceID, ErrInstanceNotRunning)
		}

		if err := e.cancel(ctx, tx, inst, "", inst.EntityVersion, reason); err != nil {
			return err
		}

		out = inst

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (e *Engine) cancel(ctx context.Context, tx persistence.Tx, inst *models.WorkflowInstance, eventID string, entityVersion int64, reason string) error {
	now := e.now()
	expected := inst.Revision

	var def *models.WorkflowDefinition
	if d, err := e.definitions.get(inst.DefinitionID, inst.DefinitionVersion); err == nil {
		def = d.WorkflowDefinition
	}

	for _, tok := range inst.Tokens {
		step := &models.WorkflowStep{
			ID:            models.NewID(),
			InstanceID:    inst.ID,
			NodeID:        tok.NodeID,
			TokenID:       tok.ID,
			EntityVersion: entityVersion,
			Status:        models.StepStatusCancelled,
			ChosenEdgeIDs: []string{},
			Error:         reason,
			CreatedAt:     now,
		}

		if def != nil {
			if node, ok := def.Node(tok.NodeID); ok {
				step.NodeType = node.Type
			}
		}

		if err := tx.Steps().Append(ctx, step); err != nil {
			return fmt.Errorf("failed to record cancelled step: %w", err)
		}
	}

	inst.Status = models.InstanceStatusCancelled
	inst.Tokens = []models.Token{}
	inst.Error = reason
	inst.EntityVersion = max(inst.EntityVersion, entityVersion)
	inst.UpdatedAt = now
	inst.CompletedAt = &now

	if eventID != "" {
		inst.LastEventID = eventID
	}

	if err := tx.Instances().Update(ctx, inst, expected); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "Cancelled workflow instance", "instance_id", inst.ID, "reason", reason)

	return e.notifyLifecycle(ctx, tx, inst)
}

// notifyLifecycle enqueues the terminal-status notification for inst.
func (e *Engine) notifyLifecycle(ctx context.Context, tx persistence.Tx, inst *models.WorkflowInstance) error {
	effect := models.SideEffect{
		Channel:     LifecycleChannel,
		Name:        "instance." + string(inst.Status),
		DeliveryKey: inst.ID + ":" + string(inst.Status),
		Payload: map[string]any{
			"instance_id":        inst.ID,
			"definition_id":      inst.DefinitionID,
			"definition_version": inst.DefinitionVersion,
			"entity_type":        inst.EntityType,
			"entity_id":          inst.EntityID,
			"entity_version":     inst.EntityVersion,
			"status":             string(inst.Status),
			"error":              inst.Error,
		},
	}

	src := outbox.SideEffectSource{
		OrgID:      inst.OrgID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		InstanceID: inst.ID,
	}

	if _, err := outbox.EnqueueSideEffect(ctx, tx, src, effect, e.maxAttempts, e.now()); err != nil {
		return fmt.Errorf("failed to enqueue lifecycle notification: %w", err)
	}

	return nil
}

// FetchInstance returns the instance when it belongs to orgID.
func (e *Engine) FetchInstance(ctx context.Context, orgID, instanceID string) (*models.WorkflowInstance, error) {
	var out *models.WorkflowInstance

	err := e.persistence.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		inst, err := e.fetch(ctx, tx, orgID, instanceID)
		out = inst

		return err
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// FetchSteps returns the execution trace of an instance in recording order.
func (e *Engine) FetchSteps(ctx context.Context, orgID, instanceID string) ([]*models.WorkflowStep, error) {
	var out []*models.WorkflowStep

	err := e.persistence.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if _, err := e.fetch(ctx, tx, orgID, instanceID); err != nil {
			return err
		}

		steps, err := tx.Steps().ListByInstance(ctx, instanceID)
		out = steps

		return err
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (e *Engine) fetch(ctx context.Context, tx persistence.Tx, orgID, instanceID string) (*models.WorkflowInstance, error) {
	inst, err := tx.Instances().Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if inst.OrgID != orgID {
		return nil, persistence.NewInstanceError("Get", instanceID, persistence.ErrInstanceNotFound)
	}

	return inst, nil
}
