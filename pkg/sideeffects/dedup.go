package sideeffects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/redis/go-redis/v9"
)

const DefaultDedupTTL = 7 * 24 * time.Hour

var ErrMissingDeliveryKey = errors.New("side effect has no delivery key")

// Deduplicator remembers delivery keys. Claim reports false when the key was
// already claimed and not released.
type Deduplicator interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DedupSender delivers each DeliveryKey at most once per TTL through next.
// A failed delivery releases its key so the retry can go through.
type DedupSender struct {
	next   outbox.Sender
	dedup  Deduplicator
	ttl    time.Duration
	logger *slog.Logger
}

func NewDedupSender(next outbox.Sender, dedup Deduplicator, ttl time.Duration, logger *slog.Logger) *DedupSender {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	return &DedupSender{
		next:   next,
		dedup:  dedup,
		ttl:    ttl,
		logger: logger.With("module", "dedup_sender"),
	}
}

func (s *DedupSender) Deliver(ctx context.Context, effect models.SideEffect) error {
	if effect.DeliveryKey == "" {
		return outbox.Fatal(ErrMissingDeliveryKey)
	}

	claimed, err := s.dedup.Claim(ctx, effect.DeliveryKey, s.ttl)
	if err != nil {
		return outbox.Retryable(fmt.Errorf("failed to claim delivery key: %w", err))
	}

	if !claimed {
		s.logger.InfoContext(ctx, "Skipping duplicate side effect",
			"channel", effect.Channel,
			"delivery_key", effect.DeliveryKey)

		return nil
	}

	if err := s.next.Deliver(ctx, effect); err != nil {
		if releaseErr := s.dedup.Release(context.WithoutCancel(ctx), effect.DeliveryKey); releaseErr != nil {
			s.logger.ErrorContext(ctx, "Failed to release delivery key",
				"delivery_key", effect.DeliveryKey,
				"error", releaseErr)
		}

		return err
	}

	return nil
}

// MemoryDeduplicator keeps keys in process memory.
type MemoryDeduplicator struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduplicator() *MemoryDeduplicator {
	return &MemoryDeduplicator{
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (d *MemoryDeduplicator) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	if expires, ok := d.keys[key]; ok && now.Before(expires) {
		return false, nil
	}

	d.keys[key] = now.Add(ttl)

	return true, nil
}

func (d *MemoryDeduplicator) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.keys, key)

	return nil
}

// RedisDeduplicator shares keys across dispatcher processes with SETNX.
type RedisDeduplicator struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDeduplicator(client redis.UniversalClient, prefix string) *RedisDeduplicator {
	if prefix == "" {
		prefix = "kernelflow:delivery:"
	}

	return &RedisDeduplicator{client: client, prefix: prefix}
}

// NewRedisClient connects to the server at a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return redis.NewClient(opts), nil
}

func (d *RedisDeduplicator) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (d *RedisDeduplicator) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}
