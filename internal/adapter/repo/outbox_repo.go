package repo

import (
	"context"
	"fmt"
	"time"

	"enhancer/internal/domain"
	"enhancer/internal/infra"
	"enhancer/internal/sqlinline"
)

// OutboxRepositoryPG implements domain.OutboxRepository.
type OutboxRepositoryPG struct {
	db infra.TxRunner
}

func NewOutboxRepository(db infra.TxRunner) *OutboxRepositoryPG {
	return &OutboxRepositoryPG{db: db}
}

// ClaimPending leases due events so concurrent relays never share one.
func (r *OutboxRepositoryPG) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]domain.OutboxEvent, error) {
	rows, err := r.db.Query(ctx, sqlinline.QClaimOutbox, limit, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *OutboxRepositoryPG) ListByJobID(ctx context.Context, jobID string) ([]domain.OutboxEvent, error) {
	if !validID(jobID) {
		return nil, domain.ErrNotFound
	}
	rows, err := r.db.Query(ctx, sqlinline.QListOutboxByJob, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkDispatched settles the event and records the engine's job reference.
func (r *OutboxRepositoryPG) MarkDispatched(ctx context.Context, eventID, jobID, providerJobID string) error {
	return r.db.InTx(ctx, func(tx infra.TxRunner) error {
		if _, err := tx.Exec(ctx, sqlinline.QMarkOutboxDispatched, eventID); err != nil {
			return fmt.Errorf("mark dispatched: %w", err)
		}
		if providerJobID == "" {
			return nil
		}
		if _, err := tx.Exec(ctx, sqlinline.QSetProviderJobID, jobID, providerJobID); err != nil {
			return fmt.Errorf("set provider job id: %w", err)
		}
		return nil
	})
}

func (r *OutboxRepositoryPG) MarkRetry(ctx context.Context, eventID string, attempts int, next time.Time, lastErr string) error {
	_, err := r.db.Exec(ctx, sqlinline.QMarkOutboxRetry, eventID, attempts, next, lastErr)
	return err
}

func (r *OutboxRepositoryPG) MarkFailed(ctx context.Context, eventID string, attempts int, lastErr string) error {
	_, err := r.db.Exec(ctx, sqlinline.QMarkOutboxFailed, eventID, attempts, lastErr)
	return err
}

type eventRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEvents(rows eventRows) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	for rows.Next() {
		var (
			ev      domain.OutboxEvent
			payload []byte
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.JobID,
			&ev.EventType,
			&payload,
			&ev.Status,
			&ev.Attempts,
			&ev.LastError,
			&ev.NextAttemptAt,
			&ev.CreatedAt,
			&ev.UpdatedAt,
			&ev.DispatchedAt,
		); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}
