package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enhancer/internal/adapter/memory"
	"enhancer/internal/domain"
	"enhancer/internal/engine"
	"enhancer/internal/realtime"
)

type scriptedEngine struct {
	mu    sync.Mutex
	errs  []error
	calls []string
}

func (e *scriptedEngine) Dispatch(_ context.Context, key string, req domain.DispatchRequest) (engine.Accepted, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, key)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return engine.Accepted{}, err
		}
	}
	return engine.Accepted{ProviderJobID: "eng-" + req.JobID}, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []realtime.Snapshot
}

func (p *recordingPublisher) Publish(_ context.Context, s realtime.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, s)
	return nil
}

type fixture struct {
	store  *memory.Store
	engine *scriptedEngine
	pub    *recordingPublisher
	relay  *Relay
	now    time.Time
}

func newFixture(t *testing.T, maxAttempts int, errs ...error) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		engine: &scriptedEngine{errs: errs},
		pub:    &recordingPublisher{},
		now:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)
	f.relay = NewRelay(f.store.Outbox, f.store.Jobs, f.engine, f.pub, Config{
		BatchSize:   10,
		Concurrency: 2,
		MaxAttempts: maxAttempts,
		Lease:       time.Minute,
	}, zerolog.Nop()).WithBackoff(Constant{Interval: time.Second}).WithClock(clock)
	return f
}

func (f *fixture) seed(t *testing.T, id string) {
	t.Helper()
	payload, err := json.Marshal(domain.DispatchRequest{JobID: id, CallbackURL: "http://api/cb"})
	require.NoError(t, err)
	job := &domain.EnhancementJob{ID: id, TenantID: "t", OwnerID: "u", Status: domain.JobStatusQueued, CreatedAt: f.now, ReservedCost: 1}
	require.NoError(t, f.store.Jobs.Create(context.Background(), job, &domain.OutboxEvent{
		ID: "evt-" + id, EventType: domain.OutboxEventDispatch, Payload: payload,
	}))
}

func (f *fixture) event(t *testing.T, jobID string) domain.OutboxEvent {
	t.Helper()
	events, err := f.store.Outbox.ListByJobID(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func TestSweepDispatchesPendingEvents(t *testing.T) {
	f := newFixture(t, 5)
	f.seed(t, "j1")
	f.seed(t, "j2")

	n, err := f.relay.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"j1", "j2"}, f.engine.calls, "dispatch is keyed by job id")

	ev := f.event(t, "j1")
	assert.Equal(t, domain.OutboxStatusDispatched, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	job, err := f.store.Jobs.GetByID(context.Background(), "j1")
	require.NoError(t, err)
	require.NotNil(t, job.ProviderJobID)
	assert.Equal(t, domain.JobStatusQueued, job.Status, "dispatch does not advance the job")

	n, err = f.relay.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransientFailureIsRetriedLater(t *testing.T) {
	f := newFixture(t, 5, fmt.Errorf("%w: boom", domain.ErrDispatchTransient))
	f.seed(t, "j1")
	ctx := context.Background()

	_, err := f.relay.Sweep(ctx)
	require.NoError(t, err)
	ev := f.event(t, "j1")
	assert.Equal(t, domain.OutboxStatusPending, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	require.NotNil(t, ev.LastError)
	assert.True(t, ev.NextAttemptAt.Equal(f.now.Add(time.Second)))

	n, _ := f.relay.Sweep(ctx)
	assert.Zero(t, n, "not due yet")

	f.now = f.now.Add(2 * time.Second)
	_, err = f.relay.Sweep(ctx)
	require.NoError(t, err)
	ev = f.event(t, "j1")
	assert.Equal(t, domain.OutboxStatusDispatched, ev.Status)
	assert.Equal(t, 2, ev.Attempts)

	job, _ := f.store.Jobs.GetByID(ctx, "j1")
	assert.Equal(t, domain.JobStatusQueued, job.Status, "transient failure never fails the job")
}

func TestExhaustionFailsJobAndRefunds(t *testing.T) {
	transient := fmt.Errorf("%w: down", domain.ErrDispatchTransient)
	f := newFixture(t, 2, transient, transient)
	f.seed(t, "j1")
	ctx := context.Background()

	_, _ = f.relay.Sweep(ctx)
	f.now = f.now.Add(time.Minute)
	_, _ = f.relay.Sweep(ctx)

	ev := f.event(t, "j1")
	assert.Equal(t, domain.OutboxStatusFailed, ev.Status)
	assert.Equal(t, 2, ev.Attempts)

	job, err := f.store.Jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, ErrorCodeDispatch, *job.ErrorCode)
	assert.False(t, f.store.Reserved("j1"))

	require.Len(t, f.pub.snaps, 1)
	assert.Equal(t, domain.JobStatusFailed, f.pub.snaps[0].Status)
}

func TestRejectionFailsImmediately(t *testing.T) {
	f := newFixture(t, 10, fmt.Errorf("%w: bad mask", domain.ErrDispatchRejected))
	f.seed(t, "j1")

	_, err := f.relay.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStatusFailed, f.event(t, "j1").Status)
	job, _ := f.store.Jobs.GetByID(context.Background(), "j1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
}

func TestCanceledJobIsNotDispatched(t *testing.T) {
	f := newFixture(t, 5)
	f.seed(t, "j1")
	ctx := context.Background()
	_, _, err := f.store.Jobs.Transition(ctx, "j1", func(j *domain.EnhancementJob, _ domain.VariantWriter) ([]domain.StatusChange, error) {
		j.Status = domain.JobStatusCanceled
		return []domain.StatusChange{{JobID: j.ID, From: domain.JobStatusQueued, To: domain.JobStatusCanceled}}, nil
	})
	require.NoError(t, err)

	_, err = f.relay.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.engine.calls)
	ev := f.event(t, "j1")
	assert.Equal(t, domain.OutboxStatusFailed, ev.Status)
	require.NotNil(t, ev.LastError)
	assert.Equal(t, ReasonNotDispatchable, *ev.LastError)
	assert.Empty(t, f.pub.snaps)
}

func TestRunSweepsOnWake(t *testing.T) {
	f := newFixture(t, 5)
	f.relay.cfg.Interval = time.Hour
	f.store.OnCreate(func(string) { f.relay.Wake() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.relay.Run(ctx) }()

	f.seed(t, "j1")
	require.Eventually(t, func() bool {
		events, _ := f.store.Outbox.ListByJobID(context.Background(), "j1")
		return len(events) == 1 && events[0].Status == domain.OutboxStatusDispatched
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
