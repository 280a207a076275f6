package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"enhancer/internal/domain"
	"enhancer/internal/infra"
	"enhancer/internal/sqlinline"
)

// VariantRepositoryPG implements domain.VariantRepository.
type VariantRepositoryPG struct {
	db infra.TxRunner
}

func NewVariantRepository(db infra.TxRunner) *VariantRepositoryPG {
	return &VariantRepositoryPG{db: db}
}

// SaveAll inserts variants in one transaction. Ranks already stored are left untouched.
func (r *VariantRepositoryPG) SaveAll(ctx context.Context, jobID string, variants []domain.Variant) error {
	if !validID(jobID) {
		return domain.ErrNotFound
	}
	return r.db.InTx(ctx, func(tx infra.TxRunner) error {
		return insertVariants(ctx, tx, jobID, variants)
	})
}

func (r *VariantRepositoryPG) ListByJobID(ctx context.Context, jobID string) ([]domain.Variant, error) {
	if !validID(jobID) {
		return nil, domain.ErrNotFound
	}
	return listVariants(ctx, r.db, jobID)
}

func insertVariants(ctx context.Context, db infra.SQLExecutor, jobID string, variants []domain.Variant) error {
	for _, v := range variants {
		id := v.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := db.Exec(ctx, sqlinline.QInsertVariant, id, jobID, v.URL, v.Rank, v.CreatedAt); err != nil {
			return fmt.Errorf("insert variant rank %d: %w", v.Rank, err)
		}
	}
	return nil
}

func listVariants(ctx context.Context, db infra.SQLExecutor, jobID string) ([]domain.Variant, error) {
	rows, err := db.Query(ctx, sqlinline.QListVariantsByJob, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Variant
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.JobID, &v.URL, &v.Rank, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// txVariants writes through the transaction holding the job's row lock.
// Each call runs under its own savepoint so a failed insert can be retried.
type txVariants struct {
	tx    infra.TxRunner
	jobID string
}

func (v *txVariants) SaveAll(ctx context.Context, variants []domain.Variant) error {
	return v.tx.InTx(ctx, func(sp infra.TxRunner) error {
		return insertVariants(ctx, sp, v.jobID, variants)
	})
}

func (v *txVariants) List(ctx context.Context) ([]domain.Variant, error) {
	var out []domain.Variant
	err := v.tx.InTx(ctx, func(sp infra.TxRunner) error {
		var err error
		out, err = listVariants(ctx, sp, v.jobID)
		return err
	})
	return out, err
}

// ListByJobIDs groups variants per job in one round trip.
func (r *VariantRepositoryPG) ListByJobIDs(ctx context.Context, jobIDs []string) (map[string][]domain.Variant, error) {
	out := make(map[string][]domain.Variant, len(jobIDs))
	ids := make([]string, 0, len(jobIDs))
	for _, id := range jobIDs {
		if validID(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx, sqlinline.QListVariantsByJobs, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.JobID, &v.URL, &v.Rank, &v.CreatedAt); err != nil {
			return nil, err
		}
		out[v.JobID] = append(out[v.JobID], v)
	}
	return out, rows.Err()
}
