package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/otelhelper"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/protocol"
)

// cycle advances one instance for one engine event. Tokens run from queue
// until each is consumed by a terminal node or parked, either on a task
// whose handler asked to wait or on a join still missing arrivals.
type cycle struct {
	engine   *Engine
	tx       persistence.Tx
	inst     *models.WorkflowInstance
	def      *compiledDefinition
	eventID  string
	event    models.EngineEvent
	view     protocol.EntityView
	logger   *slog.Logger
	handlers map[string]protocol.Handler
	isNew    bool
	revision int64
	visits   int
	queue    []models.Token
	parked   []models.Token
}

func (e *Engine) newCycle(
	tx persistence.Tx,
	inst *models.WorkflowInstance,
	def *compiledDefinition,
	eventID string,
	event models.EngineEvent,
	logger *slog.Logger,
) *cycle {
	fields := event.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	return &cycle{
		engine:  e,
		tx:      tx,
		inst:    inst,
		def:     def,
		eventID: eventID,
		event:   event,
		view: protocol.EntityView{
			EntityType: event.EntityType,
			EntityID:   event.EntityID,
			Version:    event.EntityVersion,
			Status:     event.Status,
			Verb:       event.Verb,
			Fields:     fields,
		},
		logger:   logger.With("instance_id", inst.ID, "definition_id", def.ID),
		handlers: make(map[string]protocol.Handler),
		isNew:    inst.Revision == 0,
		revision: inst.Revision,
		queue:    append([]models.Token(nil), inst.Tokens...),
	}
}

func (c *cycle) activation() map[string]any {
	return map[string]any{
		"entity": map[string]any{
			"type":    c.view.EntityType,
			"id":      c.view.EntityID,
			"version": c.view.Version,
			"status":  c.view.Status,
			"verb":    c.view.Verb,
		},
		"fields": c.view.Fields,
	}
}

func (c *cycle) run(ctx context.Context) error {
	ctx, span := otelhelper.StartSpan(ctx, c.engine.tracer, "workflow.cycle",
		attribute.String(otelhelper.InstanceIDKey, c.inst.ID),
		attribute.String(otelhelper.DefinitionIDKey, c.def.ID),
	)
	defer span.End()

	for len(c.queue) > 0 && c.inst.Status == models.InstanceStatusRunning {
		tok := c.queue[0]
		c.queue = c.queue[1:]

		if err := c.visit(ctx, tok); err != nil {
			otelhelper.SetError(span, err)

			return err
		}
	}

	return c.persist(ctx)
}

func (c *cycle) visit(ctx context.Context, tok models.Token) error {
	c.visits++
	if c.visits > c.engine.cfg.MaxVisitsPerCycle {
		return c.fail(ctx, tok, nil, time.Time{},
			fmt.Sprintf("visit limit of %d exceeded in one cycle", c.engine.cfg.MaxVisitsPerCycle))
	}

	node, ok := c.def.Node(tok.NodeID)
	if !ok {
		return c.fail(ctx, tok, nil, time.Time{}, fmt.Sprintf("token is on unknown node %q", tok.NodeID))
	}

	if node.Join {
		merged, ready := c.join(tok, node)
		if !ready {
			tok.Waiting = true
			c.parked = append(c.parked, tok)

			return nil
		}

		tok = merged
	}

	started := c.engine.now()

	switch node.Type {
	case models.NodeTypeTerminal:
		return c.record(ctx, tok, &node, models.StepStatusCompleted, nil, started, "")
	case models.NodeTypeGateway:
		return c.advance(ctx, tok, &node, started)
	default:
		return c.runTask(ctx, tok, &node, started)
	}
}

// join merges one parked token per incoming edge of node into a single
// token. It reports false while an incoming edge has no arrival yet.
func (c *cycle) join(tok models.Token, node models.Node) (models.Token, bool) {
	candidates := []models.Token{tok}
	for _, p := range c.parked {
		if p.NodeID == node.ID {
			candidates = append(candidates, p)
		}
	}

	picked := make(map[string]bool)

	for _, edge := range c.def.Incoming(node.ID) {
		found := false

		for _, cand := range candidates {
			if !picked[cand.ID] && cand.ArrivedVia == edge.ID {
				picked[cand.ID] = true
				found = true

				break
			}
		}

		if !found {
			return models.Token{}, false
		}
	}

	remaining := c.parked[:0]
	for _, p := range c.parked {
		if !picked[p.ID] {
			remaining = append(remaining, p)
		}
	}

	c.parked = remaining

	return models.Token{
		ID:        models.NewID(),
		NodeID:    node.ID,
		ParentID:  tok.ID,
		CreatedAt: c.engine.now(),
	}, true
}

func (c *cycle) runTask(ctx context.Context, tok models.Token, node *models.Node, started time.Time) error {
	handler, err := c.handler(node)
	if err != nil {
		return c.fail(ctx, tok, node, started, err.Error())
	}

	timeout := c.engine.cfg.DefaultNodeTimeout
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}

	nodeCtx := ctx

	if timeout > 0 {
		var cancel context.CancelFunc

		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	input := protocol.NodeInput{
		InstanceID:   c.inst.ID,
		DefinitionID: c.def.ID,
		NodeID:       node.ID,
		TokenID:      tok.ID,
		OrgID:        c.inst.OrgID,
		Entity:       c.view,
		Config:       node.Config,
	}

	out, err := handler.Execute(nodeCtx, input, c.logger.With("node_id", node.ID))
	if err != nil {
		// The delivery itself ran out of time or was told to retry, so the
		// whole cycle is rolled back.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if outbox.IsRetryable(err) {
			return err
		}

		return c.fail(ctx, tok, node, started, fmt.Sprintf("node %q: %v", node.ID, err))
	}

	if out.Wait {
		tok.Waiting = true
		c.parked = append(c.parked, tok)

		return c.record(ctx, tok, node, models.StepStatusPending, nil, started, "")
	}

	src := outbox.SideEffectSource{
		OrgID:      c.inst.OrgID,
		EntityType: c.inst.EntityType,
		EntityID:   c.inst.EntityID,
		InstanceID: c.inst.ID,
	}

	for _, effect := range out.SideEffects {
		if _, err := outbox.EnqueueSideEffect(ctx, c.tx, src, effect, c.engine.maxAttempts, c.engine.now()); err != nil {
			return c.fail(ctx, tok, node, started, fmt.Sprintf("node %q: %v", node.ID, err))
		}
	}

	return c.advance(ctx, tok, node, started)
}

func (c *cycle) handler(node *models.Node) (protocol.Handler, error) { //nolint:ireturn
	if h, ok := c.handlers[node.ID]; ok {
		return h, nil
	}

	if c.engine.handlers == nil {
		return nil, fmt.Errorf("no handler registry for node %q", node.ID)
	}

	h, err := c.engine.handlers.CreateHandler(node.Handler, node.Config)
	if err != nil {
		return nil, err
	}

	c.handlers[node.ID] = h

	return h, nil
}

// advance follows every eligible outgoing edge of node.
func (c *cycle) advance(ctx context.Context, tok models.Token, node *models.Node, started time.Time) error {
	var chosen []models.Edge

	activation := c.activation()

	for _, edge := range c.def.Outgoing(node.ID) {
		eligible := true

		if g, ok := c.def.guards[edge.ID]; ok {
			var err error

			eligible, err = g.eval(activation)
			if err != nil {
				return c.fail(ctx, tok, node, started, fmt.Sprintf("edge %q: %v", edge.ID, err))
			}
		}

		if eligible {
			chosen = append(chosen, edge)
		}
	}

	if len(chosen) == 0 {
		return c.fail(ctx, tok, node, started, fmt.Sprintf("node %q has no eligible outgoing edge", node.ID))
	}

	limit := c.def.MaxTokens
	if limit <= 0 {
		limit = c.engine.cfg.MaxTokens
	}

	if live := len(c.queue) + len(c.parked) + len(chosen); live > limit {
		return c.fail(ctx, tok, node, started, fmt.Sprintf("token limit of %d exceeded with %d live tokens", limit, live))
	}

	edgeIDs := make([]string, 0, len(chosen))
	now := c.engine.now()

	for _, edge := range chosen {
		edgeIDs = append(edgeIDs, edge.ID)
		c.queue = append(c.queue, models.Token{
			ID:         models.NewID(),
			NodeID:     edge.To,
			ParentID:   tok.ID,
			ArrivedVia: edge.ID,
			CreatedAt:  now,
		})
	}

	return c.record(ctx, tok, node, models.StepStatusCompleted, edgeIDs, started, "")
}

func (c *cycle) fail(ctx context.Context, tok models.Token, node *models.Node, started time.Time, msg string) error {
	c.logger.ErrorContext(ctx, "Workflow instance failed", "node_id", tok.NodeID, "error", msg)

	c.inst.Status = models.InstanceStatusFailed
	c.inst.Error = msg

	if node == nil {
		node = &models.Node{ID: tok.NodeID}
	}

	if started.IsZero() {
		started = c.engine.now()
	}

	return c.record(ctx, tok, node, models.StepStatusFailed, nil, started, msg)
}

func (c *cycle) record(
	ctx context.Context,
	tok models.Token,
	node *models.Node,
	status models.StepStatus,
	edgeIDs []string,
	started time.Time,
	errMsg string,
) error {
	if edgeIDs == nil {
		edgeIDs = []string{}
	}

	now := c.engine.now()
	step := &models.WorkflowStep{
		ID:            models.NewID(),
		InstanceID:    c.inst.ID,
		NodeID:        node.ID,
		NodeType:      node.Type,
		TokenID:       tok.ID,
		EntityVersion: c.event.EntityVersion,
		Status:        status,
		ChosenEdgeIDs: edgeIDs,
		DurationMs:    now.Sub(started).Milliseconds(),
		Error:         errMsg,
		CreatedAt:     now,
	}

	if err := c.tx.Steps().Append(ctx, step); err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}

	return nil
}

// persist stores the new frontier. Existing instances are written with
// compare-and-swap on the revision read at the start of the event.
func (c *cycle) persist(ctx context.Context) error {
	now := c.engine.now()

	tokens := append(c.parked, c.queue...)

	if c.inst.Status == models.InstanceStatusFailed {
		if err := c.skip(ctx, tokens); err != nil {
			return err
		}

		tokens = nil
	}

	if tokens == nil {
		tokens = []models.Token{}
	}

	c.inst.Tokens = tokens
	c.inst.EntityVersion = max(c.inst.EntityVersion, c.event.EntityVersion)
	c.inst.LastEventID = c.eventID
	c.inst.UpdatedAt = now

	if c.inst.Status == models.InstanceStatusRunning && len(tokens) == 0 {
		c.inst.Status = models.InstanceStatusCompleted
	}

	if c.inst.Status.Terminal() {
		c.inst.CompletedAt = &now
	}

	if c.isNew {
		c.inst.Revision = 1
		if err := c.tx.Instances().Insert(ctx, c.inst); err != nil {
			return fmt.Errorf("failed to insert workflow instance: %w", err)
		}
	} else if err := c.tx.Instances().Update(ctx, c.inst, c.revision); err != nil {
		return err
	}

	c.logger.DebugContext(ctx, "Advanced workflow instance",
		"status", c.inst.Status,
		"tokens", len(tokens),
		"visits", c.visits)

	if c.inst.Status.Terminal() {
		return c.engine.notifyLifecycle(ctx, c.tx, c.inst)
	}

	return nil
}

// skip records a skipped step for every token a failed instance drops.
func (c *cycle) skip(ctx context.Context, tokens []models.Token) error {
	now := c.engine.now()

	for _, tok := range tokens {
		node, ok := c.def.Node(tok.NodeID)
		if !ok {
			node = models.Node{ID: tok.NodeID}
		}

		if err := c.record(ctx, tok, &node, models.StepStatusSkipped, nil, now, c.inst.Error); err != nil {
			return err
		}
	}

	return nil
}
