// Package outbox delivers durable dispatch events to the engine.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"enhancer/internal/domain"
	"enhancer/internal/engine"
	"enhancer/internal/jobstate"
	"enhancer/internal/realtime"
)

const (
	ReasonNotDispatchable = "job_not_dispatchable"
	ErrorCodeDispatch     = "dispatch_failed"
)

// Dispatcher submits a job to the engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, idempotencyKey string, req domain.DispatchRequest) (engine.Accepted, error)
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	MaxAttempts int
	Lease       time.Duration
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
}

// Relay claims pending events and dispatches them. Several relays may run
// against one store; leases keep them from sharing an event.
type Relay struct {
	outbox    domain.OutboxRepository
	jobs      domain.JobRepository
	engine    Dispatcher
	publisher realtime.Publisher
	backoff   Backoff
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
	wake      chan struct{}
}

func NewRelay(outbox domain.OutboxRepository, jobs domain.JobRepository, dispatcher Dispatcher, publisher realtime.Publisher, cfg Config, logger zerolog.Logger) *Relay {
	cfg.normalize()
	return &Relay{
		outbox:    outbox,
		jobs:      jobs,
		engine:    dispatcher,
		publisher: publisher,
		backoff:   DefaultBackoff(),
		cfg:       cfg,
		logger:    logger.With().Str("component", "relay").Logger(),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

// WithBackoff replaces the retry schedule.
func (r *Relay) WithBackoff(b Backoff) *Relay {
	r.backoff = b
	return r
}

// WithClock replaces the time source.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// Wake asks the loop to sweep now instead of at the next tick.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run sweeps on every tick or wakeup until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("interval", r.cfg.Interval).
		Int("batch", r.cfg.BatchSize).
		Int("concurrency", r.cfg.Concurrency).
		Msg("relay: started")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Msg("relay: sweep failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("relay: stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Drain sweeps until a batch comes back short.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.Sweep(ctx)
		total += n
		if err != nil || n < r.cfg.BatchSize {
			return total, err
		}
	}
}

// Sweep claims one batch and delivers it with bounded concurrency.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	events, err := r.outbox.ClaimPending(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, ev := range events {
		g.Go(func() error {
			r.deliver(gctx, ev)
			return nil
		})
	}
	return len(events), g.Wait()
}

func (r *Relay) deliver(ctx context.Context, ev domain.OutboxEvent) {
	log := r.logger.With().Str("event_id", ev.ID).Str("job_id", ev.JobID).Int("attempt", ev.Attempts+1).Logger()

	job, err := r.jobs.GetByID(ctx, ev.JobID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		r.markFailed(ctx, log, ev, ev.Attempts, ReasonNotDispatchable)
		return
	case err != nil:
		log.Error().Err(err).Msg("relay: load job failed")
		r.retry(ctx, log, ev, ev.Attempts, err)
		return
	}
	if job.Status != domain.JobStatusQueued {
		log.Info().Str("status", string(job.Status)).Msg("relay: job no longer dispatchable")
		r.markFailed(ctx, log, ev, ev.Attempts, ReasonNotDispatchable)
		return
	}

	var req domain.DispatchRequest
	if err := json.Unmarshal(ev.Payload, &req); err != nil {
		r.exhaust(ctx, log, ev, ev.Attempts+1, fmt.Errorf("%w: decode payload: %v", domain.ErrDispatchRejected, err))
		return
	}

	accepted, err := r.engine.Dispatch(ctx, ev.JobID, req)
	attempts := ev.Attempts + 1
	if err == nil {
		if err := r.outbox.MarkDispatched(ctx, ev.ID, ev.JobID, accepted.ProviderJobID); err != nil {
			// The lease expires and the event is resent; the engine dedupes by job id.
			log.Error().Err(err).Msg("relay: mark dispatched failed")
			return
		}
		log.Info().Str("provider_job_id", accepted.ProviderJobID).Msg("relay: dispatched")
		return
	}
	if errors.Is(err, domain.ErrDispatchRejected) || attempts >= r.cfg.MaxAttempts {
		r.exhaust(ctx, log, ev, attempts, err)
		return
	}
	r.retry(ctx, log, ev, attempts, err)
}

func (r *Relay) retry(ctx context.Context, log zerolog.Logger, ev domain.OutboxEvent, attempts int, cause error) {
	next := r.now().Add(r.backoff.Delay(max(attempts, 1)))
	if err := r.outbox.MarkRetry(ctx, ev.ID, attempts, next, cause.Error()); err != nil {
		log.Error().Err(err).Msg("relay: schedule retry failed")
		return
	}
	log.Warn().Err(cause).Time("next_attempt_at", next).Msg("relay: dispatch deferred")
}

func (r *Relay) markFailed(ctx context.Context, log zerolog.Logger, ev domain.OutboxEvent, attempts int, reason string) {
	if err := r.outbox.MarkFailed(ctx, ev.ID, attempts, reason); err != nil {
		log.Error().Err(err).Msg("relay: mark failed failed")
	}
}

// exhaust gives up on the event and fails the job it was meant to start.
func (r *Relay) exhaust(ctx context.Context, log zerolog.Logger, ev domain.OutboxEvent, attempts int, cause error) {
	log.Error().Err(cause).Msg("relay: dispatch abandoned")
	r.markFailed(ctx, log, ev, attempts, cause.Error())

	now := r.now()
	job, changes, err := r.jobs.Transition(ctx, ev.JobID, func(job *domain.EnhancementJob, _ domain.VariantWriter) ([]domain.StatusChange, error) {
		return jobstate.Apply(job, jobstate.Update{
			Target:       domain.JobStatusFailed,
			ErrorMessage: "dispatch to engine failed",
			ErrorCode:    ErrorCodeDispatch,
		}, now), nil
	})
	if err != nil {
		log.Error().Err(err).Msg("relay: fail job failed")
		return
	}
	if len(changes) == 0 {
		return
	}
	if refunded, err := r.jobs.RefundReservation(ctx, ev.JobID); err != nil {
		log.Error().Err(err).Msg("relay: refund failed")
	} else if refunded {
		log.Info().Msg("relay: reservation refunded")
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, realtime.NewSnapshot(job, nil, now)); err != nil {
			log.Warn().Err(err).Msg("relay: publish snapshot failed")
		}
	}
}
