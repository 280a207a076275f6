package repo

import (
	"context"
	"time"

	"enhancer/internal/infra"
	"enhancer/internal/sqlinline"
)

// NonceRepositoryPG implements domain.NonceRepository on a primary-key insert.
type NonceRepositoryPG struct {
	db infra.SQLExecutor
}

func NewNonceRepository(db infra.SQLExecutor) *NonceRepositoryPG {
	return &NonceRepositoryPG{db: db}
}

func (r *NonceRepositoryPG) Remember(ctx context.Context, nonce, jobID string, receivedAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QInsertWebhookNonce, nonce, jobID, receivedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *NonceRepositoryPG) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, sqlinline.QDeleteExpiredNonces, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
