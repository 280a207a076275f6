package jobs

import (
	"context"
	"errors"

	"enhancer/internal/domain"
)

// ItemResult is the outcome of one lifecycle operation.
type ItemResult struct {
	JobID    string `json:"jobId"`
	OK       bool   `json:"ok"`
	NewJobID string `json:"newJobId,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Err      error  `json:"-"`
}

func reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	}
	return "error"
}

// BulkResult aggregates item results. Partial failure is a normal outcome.
type BulkResult struct {
	Succeeded int          `json:"succeeded_count"`
	Failed    int          `json:"failed_count"`
	Items     []ItemResult `json:"results"`
}

func fold(results []ItemResult) BulkResult {
	out := BulkResult{Items: results}
	for i, r := range results {
		results[i].Reason = reason(r.Err)
		if r.OK {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out
}

// ValidateBulkIDs rejects empty or oversized batches.
func ValidateBulkIDs(ids []string) error {
	if len(ids) == 0 {
		return domain.NewValidationError("jobIds", "at least one job id is required")
	}
	if len(ids) > MaxBulkItems {
		return domain.NewValidationError("jobIds", "at most %d job ids per request", MaxBulkItems)
	}
	return nil
}

func (s *Service) each(ctx context.Context, op string, ids []string, fn func(id string) ItemResult) BulkResult {
	results := make([]ItemResult, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := ctx.Err(); err != nil {
			results = append(results, ItemResult{JobID: id, Err: err})
			continue
		}
		r := fn(id)
		if r.Err != nil {
			s.logger.Debug().Err(r.Err).Str("job_id", id).Msgf("jobs: bulk %s item failed", op)
		}
		results = append(results, r)
	}
	return fold(results)
}

func (s *Service) BulkCancel(ctx context.Context, caller domain.Caller, ids []string) BulkResult {
	return s.each(ctx, "cancel", ids, func(id string) ItemResult {
		_, err := s.Cancel(ctx, caller, id)
		return ItemResult{JobID: id, OK: err == nil, Err: err}
	})
}

func (s *Service) BulkRetry(ctx context.Context, caller domain.Caller, ids []string) BulkResult {
	return s.each(ctx, "retry", ids, func(id string) ItemResult {
		job, err := s.Retry(ctx, caller, id)
		if err != nil {
			return ItemResult{JobID: id, Err: err}
		}
		return ItemResult{JobID: id, OK: true, NewJobID: job.ID}
	})
}

func (s *Service) BulkDelete(ctx context.Context, caller domain.Caller, ids []string) BulkResult {
	return s.each(ctx, "delete", ids, func(id string) ItemResult {
		err := s.Delete(ctx, caller, id)
		return ItemResult{JobID: id, OK: err == nil, Err: err}
	})
}
