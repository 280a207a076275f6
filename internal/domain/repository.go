package domain

import (
	"context"
	"time"
)

// VariantWriter reads and writes the locked job's variants inside its
// transition, so they commit or roll back together with the job row.
type VariantWriter interface {
	// SaveAll is idempotent per rank. A failed call leaves earlier writes intact.
	SaveAll(ctx context.Context, variants []Variant) error
	List(ctx context.Context) ([]Variant, error)
}

// TransitionFunc mutates a row-locked job and returns the changes to record.
// Returning an error aborts the update and any variant writes; returning no
// changes leaves the row untouched.
type TransitionFunc func(job *EnhancementJob, variants VariantWriter) ([]StatusChange, error)

// JobRepository defines persistence for enhancement jobs.
type JobRepository interface {
	// Create inserts the job, its reservation and its outbox event atomically.
	Create(ctx context.Context, job *EnhancementJob, event *OutboxEvent) error
	GetByID(ctx context.Context, jobID string) (*EnhancementJob, error)
	FindCompletedByCacheKey(ctx context.Context, tenantID, cacheKey string) (*EnhancementJob, error)
	FindByIdempotencyKey(ctx context.Context, tenantID, ownerID, key string) (*EnhancementJob, error)
	ListByOwner(ctx context.Context, tenantID, ownerID string, limit int) ([]EnhancementJob, error)
	// Transition serializes mutation of one job behind a row lock.
	Transition(ctx context.Context, jobID string, fn TransitionFunc) (*EnhancementJob, []StatusChange, error)
	ListTransitions(ctx context.Context, jobID string) ([]StatusChange, error)
	Delete(ctx context.Context, jobID string) error
	// RefundReservation reports true only for the call that actually refunded.
	RefundReservation(ctx context.Context, jobID string) (bool, error)
}

// VariantRepository handles persistence for generated variants.
type VariantRepository interface {
	// SaveAll is idempotent per (job, rank).
	SaveAll(ctx context.Context, jobID string, variants []Variant) error
	ListByJobID(ctx context.Context, jobID string) ([]Variant, error)
	ListByJobIDs(ctx context.Context, jobIDs []string) (map[string][]Variant, error)
}

// OutboxRepository handles durable dispatch events.
type OutboxRepository interface {
	// ClaimPending leases up to limit due events for lease.
	ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]OutboxEvent, error)
	ListByJobID(ctx context.Context, jobID string) ([]OutboxEvent, error)
	MarkDispatched(ctx context.Context, eventID, jobID, providerJobID string) error
	MarkRetry(ctx context.Context, eventID string, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, eventID string, attempts int, lastErr string) error
}

// NonceRepository remembers webhook nonces.
type NonceRepository interface {
	// Remember returns false when the nonce was already recorded.
	Remember(ctx context.Context, nonce, jobID string, receivedAt time.Time) (bool, error)
	// Prune deletes nonces received before cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
