// Package sideeffects delivers side_effect outbox rows to their channels.
package sideeffects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/kernelflow/pkg/eventbus"
	"github.com/dukex/kernelflow/pkg/events"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/workflow"
)

var ErrNoSender = errors.New("no sender for side effect channel")

// SenderFunc adapts a function to outbox.Sender.
type SenderFunc func(ctx context.Context, effect models.SideEffect) error

func (f SenderFunc) Deliver(ctx context.Context, effect models.SideEffect) error {
	return f(ctx, effect)
}

// Mux routes side effects by channel. Effects on a channel without a sender
// are fatal.
type Mux struct {
	mu       sync.RWMutex
	senders  map[string]outbox.Sender
	fallback outbox.Sender
}

func NewMux() *Mux {
	return &Mux{senders: make(map[string]outbox.Sender)}
}

func (m *Mux) Handle(channel string, sender outbox.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.senders[channel] = sender
}

// Fallback sets the sender used for channels without a dedicated one.
func (m *Mux) Fallback(sender outbox.Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fallback = sender
}

func (m *Mux) Deliver(ctx context.Context, effect models.SideEffect) error {
	m.mu.RLock()
	sender, ok := m.senders[effect.Channel]
	if !ok {
		sender = m.fallback
	}
	m.mu.RUnlock()

	if sender == nil {
		return outbox.Fatal(fmt.Errorf("%w: %q", ErrNoSender, effect.Channel))
	}

	return sender.Deliver(ctx, effect)
}

// BusSender publishes side effects on the event bus. Lifecycle
// notifications become typed instance events.
type BusSender struct {
	bus eventbus.EventPublisher
}

func NewBusSender(bus eventbus.EventPublisher) *BusSender {
	return &BusSender{bus: bus}
}

func (s *BusSender) Deliver(ctx context.Context, effect models.SideEffect) error {
	event, key, err := toEvent(effect)
	if err != nil {
		return outbox.Fatal(err)
	}

	if err := s.bus.Publish(ctx, key, event); err != nil {
		return outbox.Retryable(fmt.Errorf("failed to publish %s: %w", event.GetType(), err))
	}

	return nil
}

func toEvent(effect models.SideEffect) (eventbus.Event, string, error) { //nolint:ireturn
	if effect.Channel != workflow.LifecycleChannel {
		return events.NewSideEffectRequested(effect), effect.DeliveryKey, nil
	}

	status, _ := effect.Payload["status"].(string)

	event, ok := events.NewInstanceLifecycle(models.InstanceStatus(status), effect.DeliveryKey)
	if !ok {
		return nil, "", fmt.Errorf("lifecycle notification with non-terminal status %q", status)
	}

	event.InstanceID, _ = effect.Payload["instance_id"].(string)
	event.DefinitionID, _ = effect.Payload["definition_id"].(string)
	event.EntityType, _ = effect.Payload["entity_type"].(string)
	event.EntityID, _ = effect.Payload["entity_id"].(string)
	event.Error, _ = effect.Payload["error"].(string)
	event.DefinitionVersion = int(number(effect.Payload["definition_version"]))
	event.EntityVersion = int64(number(effect.Payload["entity_version"]))

	return event, event.InstanceID, nil
}

// number reads a JSON-decoded or native numeric payload value.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// LogSender writes side effects to the log. It serves channels that only
// need an audit trail.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("module", "log_sender")}
}

func (s *LogSender) Deliver(ctx context.Context, effect models.SideEffect) error {
	s.logger.InfoContext(ctx, "Side effect delivered",
		"channel", effect.Channel,
		"name", effect.Name,
		"delivery_key", effect.DeliveryKey,
		"payload", effect.Payload)

	return nil
}
