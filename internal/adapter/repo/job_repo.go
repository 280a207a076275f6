package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"enhancer/internal/domain"
	"enhancer/internal/infra"
	"enhancer/internal/sqlinline"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	db infra.TxRunner
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.TxRunner) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

// validID guards uuid columns so malformed path ids read as missing rows
// instead of surfacing a cast error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Create inserts the job with its reservation and outbox event, then wakes relays.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.EnhancementJob, event *domain.OutboxEvent) error {
	masks, err := json.Marshal(job.Masks)
	if err != nil {
		return fmt.Errorf("encode masks: %w", err)
	}
	return r.db.InTx(ctx, func(tx infra.TxRunner) error {
		var jobID, reservedFor, eventID string
		err := tx.QueryRow(ctx, sqlinline.QInsertJobWithOutbox,
			job.ID,
			job.TenantID,
			job.OwnerID,
			job.PhotoID,
			job.ImageURL,
			job.InputHash,
			job.Status,
			job.ProgressPercent,
			job.ProgressStage,
			nullableJSON(job.Options),
			nullableJSON(job.Calibration),
			masks,
			job.Width,
			job.Height,
			job.Provider,
			job.Model,
			job.CacheKey,
			job.IdempotencyKey,
			job.RetryOf,
			job.ReservedCost,
			job.CreatedAt,
			event.ID,
			event.EventType,
			[]byte(event.Payload),
		).Scan(&jobID, &reservedFor, &eventID)
		if err != nil {
			if infra.IsUniqueViolation(err) {
				return domain.ErrDuplicateKey
			}
			return fmt.Errorf("insert job: %w", err)
		}
		if _, err := tx.Exec(ctx, sqlinline.QNotifyOutbox, jobID); err != nil {
			return fmt.Errorf("notify outbox: %w", err)
		}
		return nil
	})
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.EnhancementJob, error) {
	if !validID(jobID) {
		return nil, domain.ErrNotFound
	}
	return scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJobByID, jobID))
}

func (r *JobRepositoryPG) FindCompletedByCacheKey(ctx context.Context, tenantID, cacheKey string) (*domain.EnhancementJob, error) {
	return scanJob(r.db.QueryRow(ctx, sqlinline.QSelectCompletedJobByCacheKey, tenantID, cacheKey))
}

func (r *JobRepositoryPG) FindByIdempotencyKey(ctx context.Context, tenantID, ownerID, key string) (*domain.EnhancementJob, error) {
	return scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJobByIdempotencyKey, tenantID, ownerID, key))
}

// ListByOwner returns the caller's newest jobs first.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, tenantID, ownerID string, limit int) ([]domain.EnhancementJob, error) {
	rows, err := r.db.Query(ctx, sqlinline.QListJobsByOwner, tenantID, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.EnhancementJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Transition locks the row, lets fn mutate it and persists the result with
// its history in the same transaction.
func (r *JobRepositoryPG) Transition(ctx context.Context, jobID string, fn domain.TransitionFunc) (*domain.EnhancementJob, []domain.StatusChange, error) {
	if !validID(jobID) {
		return nil, nil, domain.ErrNotFound
	}
	var (
		out     *domain.EnhancementJob
		changes []domain.StatusChange
	)
	err := r.db.InTx(ctx, func(tx infra.TxRunner) error {
		job, err := scanJob(tx.QueryRow(ctx, sqlinline.QSelectJobForUpdate, jobID))
		if err != nil {
			return err
		}
		changes, err = fn(job, &txVariants{tx: tx, jobID: jobID})
		if err != nil {
			return err
		}
		out = job
		if len(changes) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, sqlinline.QUpdateJobState,
			job.ID,
			job.Status,
			job.ProgressPercent,
			job.ProgressStage,
			job.ErrorMessage,
			job.ErrorCode,
			job.CompletedAt,
			job.CanceledAt,
			job.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		for _, c := range changes {
			if _, err := tx.Exec(ctx, sqlinline.QInsertTransition, c.JobID, c.From, c.To, c.ProgressPercent, c.CreatedAt); err != nil {
				return fmt.Errorf("record transition: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, changes, nil
}

func (r *JobRepositoryPG) ListTransitions(ctx context.Context, jobID string) ([]domain.StatusChange, error) {
	if !validID(jobID) {
		return nil, domain.ErrNotFound
	}
	rows, err := r.db.Query(ctx, sqlinline.QListTransitions, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		if err := rows.Scan(&c.JobID, &c.From, &c.To, &c.ProgressPercent, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes the job; variants, outbox rows and history cascade.
func (r *JobRepositoryPG) Delete(ctx context.Context, jobID string) error {
	if !validID(jobID) {
		return domain.ErrNotFound
	}
	tag, err := r.db.Exec(ctx, sqlinline.QDeleteJob, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *JobRepositoryPG) RefundReservation(ctx context.Context, jobID string) (bool, error) {
	if !validID(jobID) {
		return false, domain.ErrNotFound
	}
	tag, err := r.db.Exec(ctx, sqlinline.QRefundReservation, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanJob(row rowScanner) (*domain.EnhancementJob, error) {
	var (
		job                         domain.EnhancementJob
		options, calibration, masks []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.OwnerID,
		&job.PhotoID,
		&job.ImageURL,
		&job.InputHash,
		&job.Status,
		&job.ProgressPercent,
		&job.ProgressStage,
		&options,
		&calibration,
		&masks,
		&job.Width,
		&job.Height,
		&job.Provider,
		&job.Model,
		&job.CacheKey,
		&job.IdempotencyKey,
		&job.ProviderJobID,
		&job.RetryOf,
		&job.ReservedCost,
		&job.ErrorMessage,
		&job.ErrorCode,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
		&job.CanceledAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Options = options
	job.Calibration = calibration
	if len(masks) > 0 {
		if err := json.Unmarshal(masks, &job.Masks); err != nil {
			return nil, fmt.Errorf("decode masks: %w", err)
		}
	}
	return &job, nil
}

func nullableJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
