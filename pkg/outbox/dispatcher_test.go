package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/kernelflow/pkg/config"
	"github.com/dukex/kernelflow/pkg/log"
	"github.com/dukex/kernelflow/pkg/mocks"
	"github.com/dukex/kernelflow/pkg/models"
	"github.com/dukex/kernelflow/pkg/outbox"
	"github.com/dukex/kernelflow/pkg/persistence"
	"github.com/dukex/kernelflow/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type senderFunc func(ctx context.Context, effect models.SideEffect) error

func (f senderFunc) Deliver(ctx context.Context, effect models.SideEffect) error {
	return f(ctx, effect)
}

type engineFunc func(ctx context.Context, eventID string, event models.EngineEvent) error

func (f engineFunc) HandleEngineEvent(ctx context.Context, eventID string, event models.EngineEvent) error {
	return f(ctx, eventID, event)
}

func testConfig() config.DispatcherConfig {
	cfg := config.DefaultDispatcherConfig()
	cfg.Backoff.RandomizationFactor = 0

	return cfg
}

func enqueueSideEffect(t *testing.T, p persistence.Persistence, maxAttempts int, now time.Time) string {
	t.Helper()

	var id string

	require.NoError(t, p.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		row, err := outbox.EnqueueSideEffect(ctx, tx,
			outbox.SideEffectSource{OrgID: "org", EntityType: "order", EntityID: "o-1"},
			models.SideEffect{Channel: "email", Name: "notify", DeliveryKey: "o-1:1:notify"},
			maxAttempts, now)
		if err != nil {
			return err
		}

		id = row.ID

		return nil
	}))

	return id
}

func getEvent(t *testing.T, p persistence.Persistence, id string) *models.OutboxEvent {
	t.Helper()

	var event *models.OutboxEvent

	require.NoError(t, p.WithinTx(context.Background(), func(ctx context.Context, tx persistence.Tx) error {
		var err error
		event, err = tx.Outbox().Get(ctx, id)

		return err
	}))

	return event
}

func TestDispatcher_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := file.NewMemoryPersistence()
	id := enqueueSideEffect(t, p, 3, clock.Now())

	var seen []models.OutboxStatus

	sender := senderFunc(func(_ context.Context, _ models.SideEffect) error {
		seen = append(seen, getEvent(t, p, id).Status)

		return errors.New("smtp unavailable")
	})

	d := outbox.NewDispatcher(p, nil, sender, testConfig(), log.Discard(), outbox.WithClock(clock.Now))

	var statuses []models.OutboxStatus

	for range 3 {
		n, err := d.RunOnce(ctx, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		event := getEvent(t, p, id)
		statuses = append(statuses, event.Status)
		clock.Advance(time.Hour)
	}

	assert.Equal(t, []models.OutboxStatus{
		models.OutboxStatusProcessing, models.OutboxStatusProcessing, models.OutboxStatusProcessing,
	}, seen)
	assert.Equal(t, []models.OutboxStatus{
		models.OutboxStatusFailed, models.OutboxStatusFailed, models.OutboxStatusDeadLetter,
	}, statuses)

	event := getEvent(t, p, id)
	assert.Equal(t, 3, event.Attempts)
	assert.Equal(t, "smtp unavailable", event.LastError)

	n, err := d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	assert.Zero(t, n, "dead-lettered rows are never claimed again")
}

func TestDispatcher_FailedRowWaitsForBackoff(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := file.NewMemoryPersistence()
	id := enqueueSideEffect(t, p, 5, clock.Now())

	sender := senderFunc(func(context.Context, models.SideEffect) error { return errors.New("timeout") })
	d := outbox.NewDispatcher(p, nil, sender, testConfig(), log.Discard(), outbox.WithClock(clock.Now))

	_, err := d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)

	event := getEvent(t, p, id)
	assert.True(t, clock.Now().Add(time.Second).Equal(event.NextAttemptAt))

	n, err := d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Second)

	n, err = d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatcher_FatalErrorDeadLettersImmediately(t *testing.T) {
	clock := newFakeClock()
	p := file.NewMemoryPersistence()
	id := enqueueSideEffect(t, p, 5, clock.Now())

	sender := senderFunc(func(context.Context, models.SideEffect) error {
		return outbox.Fatal(errors.New("recipient rejected"))
	})
	d := outbox.NewDispatcher(p, nil, sender, testConfig(), log.Discard(), outbox.WithClock(clock.Now))

	_, err := d.RunOnce(context.Background(), "worker-a")
	require.NoError(t, err)

	event := getEvent(t, p, id)
	assert.Equal(t, models.OutboxStatusDeadLetter, event.Status)
	assert.Equal(t, 1, event.Attempts)
}

func TestDispatcher_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := file.NewMemoryPersistence()
	cfg := testConfig()
	id := enqueueSideEffect(t, p, 5, clock.Now())

	require.NoError(t, p.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		claimed, err := tx.Outbox().Claim(ctx, persistence.ClaimRequest{
			WorkerID: "crashed", Limit: 10, Lease: cfg.LeaseTimeout, Now: clock.Now(),
		})
		require.Len(t, claimed, 1)

		return err
	}))

	var delivered int

	sender := senderFunc(func(context.Context, models.SideEffect) error {
		delivered++

		return nil
	})
	d := outbox.NewDispatcher(p, nil, sender, cfg, log.Discard(), outbox.WithClock(clock.Now))

	n, err := d.RunOnce(ctx, "worker-b")
	require.NoError(t, err)
	assert.Zero(t, n, "lease still held")

	clock.Advance(cfg.LeaseTimeout)

	n, err = d.RunOnce(ctx, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, delivered)

	event := getEvent(t, p, id)
	assert.Equal(t, models.OutboxStatusCompleted, event.Status)
	assert.Equal(t, 2, event.Attempts)
	require.NotNil(t, event.CompletedAt)
}

func TestDispatcher_ReleasesRowsWhoseLeaseExpiredInBatch(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := file.NewMemoryPersistence()
	cfg := testConfig()
	cfg.BatchSize = 3

	ids := []string{
		enqueueSideEffect(t, p, 5, clock.Now()),
		enqueueSideEffect(t, p, 5, clock.Now()),
		enqueueSideEffect(t, p, 5, clock.Now()),
	}

	var calls int

	sender := senderFunc(func(ctx context.Context, _ models.SideEffect) error {
		calls++

		if calls == 1 {
			clock.Advance(cfg.LeaseTimeout)
		}

		return ctx.Err()
	})
	d := outbox.NewDispatcher(p, nil, sender, cfg, log.Discard(), outbox.WithClock(clock.Now))

	n, err := d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, calls, "rows past their lease are not delivered")

	var pending []*models.OutboxEvent

	for _, id := range ids {
		event := getEvent(t, p, id)
		if event.Status == models.OutboxStatusPending {
			pending = append(pending, event)
		}
	}

	require.Len(t, pending, 2)

	for _, event := range pending {
		assert.Zero(t, event.Attempts)
		assert.Nil(t, event.LeaseExpiresAt)
	}

	n, err = d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, calls)

	for _, event := range pending {
		done := getEvent(t, p, event.ID)
		assert.Equal(t, models.OutboxStatusCompleted, done.Status)
		assert.Equal(t, 1, done.Attempts)
	}
}

func TestDispatcher_LostLeaseIsNotResolved(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := file.NewMemoryPersistence()
	cfg := testConfig()
	id := enqueueSideEffect(t, p, 5, clock.Now())

	sender := senderFunc(func(context.Context, models.SideEffect) error {
		clock.Advance(cfg.LeaseTimeout)

		return p.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
			_, err := tx.Outbox().Claim(ctx, persistence.ClaimRequest{
				WorkerID: "worker-b", Limit: 1, Lease: cfg.LeaseTimeout, Now: clock.Now(),
			})

			return err
		})
	})
	d := outbox.NewDispatcher(p, nil, sender, cfg, log.Discard(), outbox.WithClock(clock.Now))

	_, err := d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)

	event := getEvent(t, p, id)
	assert.Equal(t, models.OutboxStatusProcessing, event.Status)
	assert.Equal(t, "worker-b", event.ClaimedBy)
}

func TestDispatcher_RoutesEngineEvents(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := file.NewMemoryPersistence()

	var rowID string

	require.NoError(t, p.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		row, err := outbox.EnqueueEngineEvent(ctx, tx, models.EngineEvent{
			OrgID: "org", EntityType: "order", EntityID: "o-1", EntityVersion: 2, Verb: "update",
		}, 0, clock.Now())
		if err != nil {
			return err
		}

		rowID = row.ID

		return nil
	}))

	var gotID string

	var got models.EngineEvent

	engine := engineFunc(func(_ context.Context, eventID string, event models.EngineEvent) error {
		gotID, got = eventID, event

		return nil
	})
	d := outbox.NewDispatcher(p, engine, nil, testConfig(), log.Discard(), outbox.WithClock(clock.Now))

	_, err := d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)

	assert.Equal(t, rowID, gotID)
	assert.Equal(t, int64(2), got.EntityVersion)
	assert.Equal(t, models.OutboxStatusCompleted, getEvent(t, p, rowID).Status)
	assert.Equal(t, 5, getEvent(t, p, rowID).MaxAttempts)
}

func TestDispatcher_DeliversDecodedSideEffect(t *testing.T) {
	clock := newFakeClock()
	p := file.NewMemoryPersistence()
	id := enqueueSideEffect(t, p, 5, clock.Now())

	sender := &mocks.MockSender{}
	sender.On("Deliver", mock.Anything, mock.MatchedBy(func(e models.SideEffect) bool {
		return e.Channel == "email" && e.DeliveryKey == "o-1:1:notify"
	})).Return(nil).Once()

	d := outbox.NewDispatcher(p, nil, sender, testConfig(), log.Discard(), outbox.WithClock(clock.Now))

	n, err := d.RunOnce(context.Background(), "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sender.AssertExpectations(t)
	assert.Equal(t, models.OutboxStatusCompleted, getEvent(t, p, id).Status)
}

func TestDispatcher_EngineFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := file.NewMemoryPersistence()

	var rowID string

	require.NoError(t, p.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		row, err := outbox.EnqueueEngineEvent(ctx, tx, models.EngineEvent{
			OrgID: "org", EntityType: "order", EntityID: "o-1", EntityVersion: 1, Verb: "create",
		}, 3, clock.Now())
		if err != nil {
			return err
		}

		rowID = row.ID

		return nil
	}))

	engine := &mocks.MockEngineHandler{}
	engine.On("HandleEngineEvent", mock.Anything, rowID, mock.Anything).
		Return(outbox.Retryable(errors.New("instance row locked"))).Once()

	d := outbox.NewDispatcher(p, engine, nil, testConfig(), log.Discard(), outbox.WithClock(clock.Now))

	_, err := d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)

	engine.AssertExpectations(t)

	event := getEvent(t, p, rowID)
	assert.Equal(t, models.OutboxStatusFailed, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.Contains(t, event.LastError, "instance row locked")
	assert.True(t, event.NextAttemptAt.After(clock.Now()))
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 2
	cfg.PollInterval = 10 * time.Millisecond

	d := outbox.NewDispatcher(file.NewMemoryPersistence(), nil, nil, cfg, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- d.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := file.NewMemoryPersistence()
	id := enqueueSideEffect(t, p, 1, clock.Now())

	sender := senderFunc(func(context.Context, models.SideEffect) error { return errors.New("down") })
	d := outbox.NewDispatcher(p, nil, sender, testConfig(), log.Discard(), outbox.WithClock(clock.Now))

	_, err := d.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, models.OutboxStatusDeadLetter, getEvent(t, p, id).Status)

	require.NoError(t, outbox.Requeue(ctx, p, id, clock.Now()))

	event := getEvent(t, p, id)
	assert.Equal(t, models.OutboxStatusPending, event.Status)
	assert.Zero(t, event.Attempts)

	err = outbox.Requeue(ctx, p, id, clock.Now())
	assert.ErrorIs(t, err, persistence.ErrNotDeadLettered)
}
