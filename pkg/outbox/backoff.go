package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dukex/kernelflow/pkg/config"
)

// Backoff computes retry delays for failed rows.
type Backoff struct {
	cfg config.BackoffConfig
}

func NewBackoff(cfg config.BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg}
}

// Delay returns the wait before the given attempt number (1-based) is
// retried: exponential growth capped at Max, with jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.cfg.Initial,
		RandomizationFactor: b.cfg.RandomizationFactor,
		Multiplier:          b.cfg.Multiplier,
		MaxInterval:         b.cfg.Max,
	}
	eb.Reset()

	delay := b.cfg.Initial

	for range max(attempt, 1) {
		delay = eb.NextBackOff()
	}

	return delay
}
